package download

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Snapshot returns the records visible to subscribers and the table version they were
// read at.
type Snapshot func() ([]Record, uint64)

// Bus fans store changes out to subscribers as full, sorted snapshots.
//
// Only one delivery round runs at a time. A publish that arrives while a round is running,
// including one made from inside a subscriber callback, schedules one more round with a
// fresh snapshot instead of recursing.
type Bus struct {
	snapshot Snapshot

	mu         sync.Mutex
	subs       []*subscription
	publishing bool
	pending    bool
}

type subscription struct {
	fn          func([]Record)
	active      atomic.Bool
	delivered   bool
	lastVersion uint64
}

func NewBus(snapshot Snapshot) *Bus {
	return &Bus{snapshot: snapshot}
}

// Subscribe registers fn and schedules its first snapshot. When no delivery round is
// running, fn has been called by the time Subscribe returns; otherwise the running round
// delivers it, which makes Subscribe safe to call from inside a subscriber callback.
// The returned function unsubscribes and is safe to call more than once, including from
// inside fn.
func (b *Bus) Subscribe(fn func([]Record)) func() {
	sub := &subscription{fn: fn}
	sub.active.Store(true)

	var once sync.Once

	unsubscribe := func() {
		once.Do(func() { b.remove(sub) })
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.pending = true

	if b.publishing {
		b.mu.Unlock()

		return unsubscribe
	}

	b.publishing = true
	b.mu.Unlock()

	b.drain()

	return unsubscribe
}

// Publish delivers a fresh snapshot to every subscriber, synchronously and in
// subscription order.
func (b *Bus) Publish() {
	b.mu.Lock()
	if b.publishing {
		b.pending = true
		b.mu.Unlock()

		return
	}

	b.publishing = true
	b.pending = true
	b.mu.Unlock()

	b.drain()
}

// drain runs delivery rounds until no publish is pending. The caller owns the publishing flag.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if !b.pending {
			b.publishing = false
			b.mu.Unlock()

			return
		}

		b.pending = false
		subs := slices.Clone(b.subs)
		b.mu.Unlock()

		records, version := b.snapshot()

		for _, sub := range subs {
			sub.deliver(slices.Clone(records), version)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

func (b *Bus) remove(sub *subscription) {
	sub.active.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
}

// deliver skips snapshots the subscriber has already seen.
func (s *subscription) deliver(records []Record, version uint64) {
	if !s.active.Load() || (s.delivered && version <= s.lastVersion) {
		return
	}

	s.delivered = true
	s.lastVersion = version
	s.fn(records)
}

// sortByStartDesc orders records newest first, breaking ties by id for stable output.
func sortByStartDesc(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}
