package download

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drklauncher/launcher_downloads/internal/cleanup"
	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/storage"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
)

const DefaultStorageKey = "launcher_downloads_v1"

// StoreConfig controls persistence of the record table.
type StoreConfig struct {
	Key       string
	Retention cleanup.Policy
	// PersistInterval throttles snapshot writes caused only by progress ticks.
	// Status, timestamp and path changes are always written immediately.
	PersistInterval time.Duration
	Telemetry       *telemetry.Telemetry
	Now             func() time.Time
}

// Store holds every download and group record, keyed by id. The in-memory table is
// authoritative; the blob store only receives JSON snapshots of it.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	groups  map[string]*GroupProgress
	version uint64

	blobs storage.BlobStore
	cfg   StoreConfig

	persistMu   sync.Mutex
	lastPersist time.Time
	flushTimer  *time.Timer

	observerMu sync.RWMutex
	observer   func()
}

func NewStore(blobs storage.BlobStore, cfg StoreConfig) *Store {
	if blobs == nil {
		blobs = storage.NewMemoryBlobStore()
	}

	if cfg.Key == "" {
		cfg.Key = DefaultStorageKey
	}

	if cfg.Retention == (cleanup.Policy{}) {
		cfg.Retention = cleanup.DefaultPolicy()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		records: make(map[string]Record),
		groups:  make(map[string]*GroupProgress),
		blobs:   blobs,
		cfg:     cfg,
	}
}

// tx is the view handed to a mutation. Every change made through it is applied
// atomically under the store lock.
type tx struct {
	records map[string]Record
	groups  map[string]*GroupProgress
	changed bool
	durable bool
}

func (t *tx) get(id string) (Record, bool) {
	r, ok := t.records[id]

	return r, ok
}

// put writes r and classifies the change. Anything beyond the progress counters is durable.
func (t *tx) put(r Record) {
	old, existed := t.records[r.ID]
	if existed && old == r {
		return
	}

	t.records[r.ID] = r
	t.changed = true

	if !existed || !onlyProgressDiffers(old, r) {
		t.durable = true
	}
}

func (t *tx) remove(id string) bool {
	if _, ok := t.records[id]; !ok {
		return false
	}

	delete(t.records, id)
	t.changed = true
	t.durable = true

	return true
}

func (t *tx) group(id string) *GroupProgress {
	return t.groups[id]
}

// groupsContaining returns the ids of every group whose member list holds leafID.
func (t *tx) groupsContaining(leafID string) []string {
	var ids []string

	for id, g := range t.groups {
		if g.contains(leafID) {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

func onlyProgressDiffers(a, b Record) bool {
	a.Progress, b.Progress = 0, 0
	a.DownloadedBytes, b.DownloadedBytes = 0, 0
	a.Speed, b.Speed = 0, 0

	return a == b
}

// update runs fn atomically, then persists and notifies the observer if anything changed.
func (s *Store) update(ctx context.Context, fn func(t *tx)) bool {
	s.mu.Lock()

	t := &tx{records: s.records, groups: s.groups}
	fn(t)

	if t.changed {
		s.version++
	}

	s.mu.Unlock()

	if !t.changed {
		return false
	}

	s.persist(ctx, t.durable)
	s.notify()

	return true
}

// Create inserts r, generating an id when r has none, and returns the id.
func (s *Store) Create(ctx context.Context, r Record) string {
	if r.ID == "" {
		r.ID = newDownloadID()
	}

	s.update(ctx, func(t *tx) { t.put(r) })

	return r.ID
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]

	return r, ok
}

// Mutate applies fn to the record with id. It reports false when the record does not exist.
func (s *Store) Mutate(ctx context.Context, id string, fn func(r *Record)) bool {
	found := false

	s.update(ctx, func(t *tx) {
		r, ok := t.get(id)
		if !ok {
			return
		}

		found = true

		fn(&r)
		r.ID = id
		t.put(r)
	})

	return found
}

// All returns copies of the records matching pred, or all records for a nil pred.
func (s *Store) All(pred func(Record) bool) []Record {
	out, _ := s.view(pred)

	return out
}

// view returns the matching records along with the table version they were read at.
func (s *Store) view(pred func(Record) bool) ([]Record, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))

	for _, r := range s.records {
		if pred == nil || pred(r) {
			out = append(out, r)
		}
	}

	return out, s.version
}

// RemoveWhere deletes every record matching pred and returns how many went.
func (s *Store) RemoveWhere(ctx context.Context, pred func(Record) bool) int {
	removed := 0

	s.update(ctx, func(t *tx) {
		for id, r := range t.records {
			if pred(r) && t.remove(id) {
				delete(t.groups, id)
				removed++
			}
		}
	})

	return removed
}

// Group returns a copy of the side-table entry for a running group install.
func (s *Store) Group(id string) (*GroupProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]

	return g.clone(), ok
}

// dropGroup removes a side-table entry. The group record itself is kept.
func (s *Store) dropGroup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, id)
}

// Load replaces the table with the persisted snapshot, running the retention sweep once.
// A missing snapshot leaves the table empty. Storage failures are returned for logging;
// the store stays usable either way.
func (s *Store) Load(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	raw, found, err := s.blobs.Get(ctx, s.cfg.Key)
	if err != nil {
		s.cfg.Telemetry.RecordSystemError("store", "load")

		return fmt.Errorf("failed to read download history: %w", err)
	}

	if !found || raw == "" {
		logger.Debug("no download history found", "key", s.cfg.Key)

		return nil
	}

	var persisted []Record
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		s.cfg.Telemetry.RecordSystemError("store", "decode")

		return &storage.PersistenceError{Operation: "decode", Key: s.cfg.Key, Err: err}
	}

	kept, removed := cleanup.SweepExpired(ctx, persisted, s.cfg.Retention, s.cfg.Now(),
		func(r Record) (string, string, time.Time) { return r.ID, string(r.Status), r.EndTime })

	s.mu.Lock()
	s.records = make(map[string]Record, len(kept))

	for _, r := range kept {
		if r.ID == "" || !r.Status.Valid() {
			continue
		}

		s.records[r.ID] = r
	}
	loaded := len(s.records)
	s.version++
	s.mu.Unlock()

	logger.Info("loaded download history", "records", loaded, "skipped", len(kept)-loaded, "expired", removed)

	if removed > 0 {
		s.Flush(ctx)
	}

	s.notify()

	return nil
}

// Flush writes the current snapshot now, regardless of throttling.
func (s *Store) Flush(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.writeSnapshot(ctx)
}

func (s *Store) persist(ctx context.Context, durable bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if !durable && s.cfg.PersistInterval > 0 && s.cfg.Now().Sub(s.lastPersist) < s.cfg.PersistInterval {
		if s.flushTimer == nil {
			flushCtx := logctx.Detach(ctx)
			s.flushTimer = time.AfterFunc(s.cfg.PersistInterval, func() { s.Flush(flushCtx) })
		}

		return
	}

	s.writeSnapshot(ctx)
}

// writeSnapshot must be called with persistMu held.
func (s *Store) writeSnapshot(ctx context.Context) {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}

	snapshot := s.All(nil)
	slices.SortFunc(snapshot, func(a, b Record) int { return a.StartTime.Compare(b.StartTime) })

	payload, err := json.Marshal(snapshot)
	if err == nil {
		err = s.blobs.Set(ctx, s.cfg.Key, string(payload))
	}

	s.lastPersist = s.cfg.Now()

	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist download history", "key", s.cfg.Key, "err", err)
		s.cfg.Telemetry.RecordSystemError("store", "persist")
	}
}

// Close stops a pending throttled write. Call Flush afterwards to persist the final state.
func (s *Store) Close() {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Store) setObserver(fn func()) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()

	s.observer = fn
}

func (s *Store) notify() {
	s.observerMu.RLock()
	fn := s.observer
	s.observerMu.RUnlock()

	if fn != nil {
		fn()
	}
}
