package download

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}

	return out
}

func TestBus_SubscribeDeliversInitialSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()

	h.store.Create(ctx, Record{ID: "old", Status: StatusCompleted, StartTime: start.Add(-time.Hour)})
	h.store.Create(ctx, Record{ID: "new", Status: StatusCompleted, StartTime: start})

	var got [][]string

	unsubscribe := h.engine.Subscribe(func(records []Record) { got = append(got, ids(records)) })
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.Equal(t, []string{"new", "old"}, got[0])
}

func TestBus_PublishesAfterEveryMutationInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var order []string

	unsubA := h.engine.Subscribe(func([]Record) { order = append(order, "a") })
	unsubB := h.engine.Subscribe(func([]Record) { order = append(order, "b") })

	order = nil

	id := h.store.Create(ctx, Record{Status: StatusPending})
	h.store.Mutate(ctx, id, func(r *Record) { r.Status = StatusDownloading })

	assert.Equal(t, []string{"a", "b", "a", "b"}, order)

	unsubA()
	unsubA()
	order = nil

	h.store.Mutate(ctx, id, func(r *Record) { r.Status = StatusPaused })
	assert.Equal(t, []string{"b"}, order)

	unsubB()
	assert.Zero(t, h.engine.bus.Len())
}

func TestBus_SnapshotIsTakenAfterMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.store.Create(ctx, Record{Status: StatusDownloading, TotalBytes: 100})

	var last Record

	unsubscribe := h.engine.Subscribe(func(records []Record) {
		require.Len(t, records, 1)
		last = records[0]
	})
	defer unsubscribe()

	h.store.Mutate(ctx, id, func(r *Record) {
		r.DownloadedBytes = 40
		r.Progress = 40
	})

	assert.Equal(t, int64(40), last.DownloadedBytes)
	assert.Equal(t, 40, last.Progress)
}

func TestBus_ReentrantPublishIsCoalesced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.store.Create(ctx, Record{Status: StatusPending})

	var (
		calls    int
		statuses []Status
	)

	unsubscribe := h.engine.Subscribe(func(records []Record) {
		calls++
		statuses = append(statuses, records[0].Status)

		// Mutating from inside a callback must neither deadlock nor recurse.
		if records[0].Status == StatusDownloading {
			h.store.Mutate(ctx, id, func(r *Record) { r.Status = StatusPaused })
		}
	})
	defer unsubscribe()

	h.store.Mutate(ctx, id, func(r *Record) { r.Status = StatusDownloading })

	assert.Equal(t, 3, calls)
	assert.Equal(t, []Status{StatusPending, StatusDownloading, StatusPaused}, statuses)
}

func TestBus_UnsubscribeFromCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		calls       int
		unsubscribe func()
	)

	unsubscribe = h.engine.Subscribe(func([]Record) {
		calls++
		if calls == 2 {
			unsubscribe()
		}
	})

	h.store.Create(ctx, Record{Status: StatusPending})
	h.store.Create(ctx, Record{Status: StatusPending})

	assert.Equal(t, 2, calls)
}

func TestBus_SubscribeFromCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		inner      [][]string
		unsubOuter func()
		unsubInner func()
	)

	unsubOuter = h.engine.Subscribe(func(records []Record) {
		if len(records) == 0 || unsubInner != nil {
			return
		}

		unsubInner = h.engine.Subscribe(func(records []Record) { inner = append(inner, ids(records)) })
	})
	defer unsubOuter()

	created := make(chan struct{})

	go func() {
		defer close(created)

		h.store.Create(ctx, Record{ID: "first", Status: StatusPending})
	}()

	select {
	case <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe from inside a subscriber callback did not return")
	}

	require.NotNil(t, unsubInner)
	assert.Equal(t, 2, h.engine.bus.Len())

	// The nested subscriber got its first snapshot from the round that was running.
	h.store.Create(ctx, Record{ID: "second", Status: StatusPending, StartTime: h.clock.Now().Add(time.Minute)})

	unsubInner()

	require.Len(t, inner, 2)
	assert.Equal(t, []string{"first"}, inner[0])
	assert.Equal(t, []string{"second", "first"}, inner[1])

	// Plain subscribers are still served after the nested one.
	var later int

	unsubLater := h.engine.Subscribe(func([]Record) { later++ })
	defer unsubLater()

	assert.Equal(t, 1, later)
}

func TestBus_ProfileFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Create(ctx, Record{ID: "alice", ProfileUsername: "alice", Status: StatusCompleted})
	h.store.Create(ctx, Record{ID: "bob", ProfileUsername: "bob", Status: StatusCompleted})
	h.store.Create(ctx, Record{ID: "shared", Status: StatusCompleted})

	var last []string

	unsubscribe := h.engine.Subscribe(func(records []Record) { last = ids(records) })
	defer unsubscribe()

	assert.ElementsMatch(t, []string{"alice", "bob", "shared"}, last)

	h.engine.SetActiveProfile("alice")
	assert.ElementsMatch(t, []string{"alice", "shared"}, last)

	h.engine.SetActiveProfile("bob")
	assert.ElementsMatch(t, []string{"bob", "shared"}, last)
}
