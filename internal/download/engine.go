package download

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/notifier"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
	"github.com/drklauncher/launcher_downloads/internal/transfer"
)

// Config tunes the engine.
type Config struct {
	// AverageFileSize is the per-file size assumed before a transfer knows better.
	// Group totals are estimated as len(files) * AverageFileSize.
	AverageFileSize int64
	// SingleDownloadSize is the size assumed for a standalone download.
	SingleDownloadSize int64

	SuccessGrace      time.Duration
	GroupGrace        time.Duration
	GroupCleanupDelay time.Duration

	ActiveProfile string
	Telemetry     *telemetry.Telemetry
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.AverageFileSize <= 0 {
		c.AverageFileSize = 5 * 1024 * 1024
	}

	if c.SingleDownloadSize <= 0 {
		c.SingleDownloadSize = 100 * 1024 * 1024
	}

	if c.SuccessGrace <= 0 {
		c.SuccessGrace = 3 * time.Second
	}

	if c.GroupGrace <= 0 {
		c.GroupGrace = 5 * time.Second
	}

	if c.GroupCleanupDelay <= 0 {
		c.GroupCleanupDelay = 10 * time.Second
	}

	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine owns the download records and is the only way to change them. It receives
// transport events, drives the lifecycle and group installs, and serves queries.
type Engine struct {
	store      *Store
	bus        *Bus
	bridge     *Bridge
	aggregator *Aggregator
	transport  transfer.Transport
	cfg        Config

	baseCtx    context.Context
	stop       context.CancelFunc
	installing sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	profile    string
	profileGen uint64
	transfers  map[string]*activeTransfer
	waiters    map[string]chan error
	installs   map[string]chan struct{}
	cleanups   map[string]*time.Timer
}

// NewEngine wires the engine around a loaded store. ctx provides the logger used by
// background work and bounds the lifetime of every transfer and install.
func NewEngine(ctx context.Context, store *Store, transport transfer.Transport, n notifier.Notifier, cfg Config) *Engine {
	cfg.setDefaults()

	baseCtx, stop := context.WithCancel(ctx)

	e := &Engine{
		store:      store,
		bridge:     NewBridge(n, cfg.SuccessGrace, cfg.GroupGrace),
		aggregator: NewAggregator(store, cfg.Now),
		transport:  transport,
		cfg:        cfg,
		baseCtx:    baseCtx,
		stop:       stop,
		profile:    cfg.ActiveProfile,
		transfers:  make(map[string]*activeTransfer),
		waiters:    make(map[string]chan error),
		installs:   make(map[string]chan struct{}),
		cleanups:   make(map[string]*time.Timer),
	}

	e.bus = NewBus(e.snapshot)
	store.setObserver(e.bus.Publish)

	return e
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

// snapshot is what subscribers see: records visible to the active profile, newest first.
// The version also moves when the profile changes so the new view is not skipped.
func (e *Engine) snapshot() ([]Record, uint64) {
	e.mu.Lock()
	profile, gen := e.profile, e.profileGen
	e.mu.Unlock()

	records, version := e.store.view(func(r Record) bool { return r.visibleTo(profile) })
	sortByStartDesc(records)

	return records, version + gen
}

func (e *Engine) activeProfile() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.profile
}

// SetActiveProfile changes which records are visible and republishes the snapshot.
func (e *Engine) SetActiveProfile(profile string) {
	e.mu.Lock()
	if e.profile == profile {
		e.mu.Unlock()

		return
	}

	e.profile = profile
	e.profileGen++
	e.mu.Unlock()

	e.bus.Publish()
}

// CreateSingle starts a standalone download and returns its record.
func (e *Engine) CreateSingle(ctx context.Context, url, filename, displayName string) (Record, error) {
	if e.isClosed() {
		return Record{}, ErrShuttingDown
	}

	name := File{Filename: filename, DisplayName: displayName}.label()

	r := Record{
		ID:              newDownloadID(),
		Name:            name,
		URL:             url,
		Status:          StatusPending,
		TotalBytes:      e.cfg.SingleDownloadSize,
		StartTime:       e.now(),
		ProfileUsername: e.activeProfile(),
		Kind:            KindSingle,
		Filename:        filename,
	}

	e.store.Create(ctx, r)

	logctx.LoggerFromContext(ctx).Info("download created",
		"download_id", r.ID,
		"name", name,
		"estimated_size", humanize.Bytes(uint64(r.TotalBytes)))

	e.bridge.Bind(ctx, r.ID, name, progressText(r, nil))
	e.start(ctx, r.ID)

	r, _ = e.store.Get(r.ID)

	return r, nil
}

// Get returns a record visible to the active profile.
func (e *Engine) Get(id string) (Record, error) {
	r, ok := e.store.Get(id)
	if !ok || !r.visibleTo(e.activeProfile()) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return r, nil
}

// ListAll returns visible records matching f, newest first.
func (e *Engine) ListAll(f Filter) []Record {
	profile := e.activeProfile()

	records := e.store.All(func(r Record) bool { return r.visibleTo(profile) && f.match(r) })
	sortByStartDesc(records)

	return records
}

// ListActive returns visible pending, downloading and paused records, newest first.
func (e *Engine) ListActive() []Record {
	return e.ListAll(Filter{Statuses: []Status{StatusPending, StatusDownloading, StatusPaused}})
}

// ListCompleted returns visible completed records, most recently finished first.
func (e *Engine) ListCompleted() []Record {
	records := e.ListAll(Filter{Statuses: []Status{StatusCompleted}})

	slices.SortStableFunc(records, func(a, b Record) int { return b.EndTime.Compare(a.EndTime) })

	return records
}

// Subscribe registers fn for snapshots; see Bus.Subscribe.
func (e *Engine) Subscribe(fn func([]Record)) func() {
	return e.bus.Subscribe(fn)
}

// RemoveFromHistory deletes a visible record, stopping it first if it is still running.
// Removing a group also removes its member records.
func (e *Engine) RemoveFromHistory(ctx context.Context, id string) error {
	r, err := e.Get(id)
	if err != nil {
		return err
	}

	ids := []string{id}

	if r.IsGroup() {
		e.cancelInstall(ctx, id)

		for _, m := range e.store.All(func(m Record) bool { return m.GroupID == id }) {
			ids = append(ids, m.ID)
		}
	}

	for _, rid := range ids {
		e.stopTransfer(rid)
		e.resolveWaiter(rid, &LeafError{ID: rid, Name: r.Name, Message: "removed"})
	}

	removed := e.store.RemoveWhere(ctx, func(rec Record) bool { return slices.Contains(ids, rec.ID) })

	for _, rid := range ids {
		e.bridge.Unbind(ctx, rid)
	}

	logctx.LoggerFromContext(ctx).Info("removed from history", "download_id", id, "records", removed)

	return nil
}

// ClearCompleted removes visible completed records.
func (e *Engine) ClearCompleted(ctx context.Context) int {
	return e.clear(ctx, StatusCompleted)
}

// ClearErrors removes visible failed records.
func (e *Engine) ClearErrors(ctx context.Context) int {
	return e.clear(ctx, StatusError)
}

// ClearFinished removes visible completed and failed records.
func (e *Engine) ClearFinished(ctx context.Context) int {
	return e.clear(ctx, StatusCompleted, StatusError)
}

func (e *Engine) clear(ctx context.Context, statuses ...Status) int {
	profile := e.activeProfile()

	var cleared []string

	removed := e.store.RemoveWhere(ctx, func(r Record) bool {
		if r.visibleTo(profile) && slices.Contains(statuses, r.Status) {
			cleared = append(cleared, r.ID)

			return true
		}

		return false
	})

	for _, id := range cleared {
		e.bridge.Unbind(ctx, id)
	}

	logctx.LoggerFromContext(ctx).Info("cleared download history", "statuses", statuses, "records", removed)

	return removed
}

// AddToHistory imports a finished record, such as one produced by an external installer.
// A record without an id gets a new one; an id already in use is rejected.
func (e *Engine) AddToHistory(ctx context.Context, r Record) (string, error) {
	if !r.Status.Terminal() {
		return "", fmt.Errorf("%w: only finished downloads can be added to history", ErrInvalidTransition)
	}

	if r.Kind == "" {
		r.Kind = KindSingle
	}

	if r.StartTime.IsZero() {
		r.StartTime = e.now()
	}

	if r.EndTime.IsZero() {
		r.EndTime = r.StartTime
	}

	if r.ProfileUsername == "" {
		r.ProfileUsername = e.activeProfile()
	}

	if r.Status == StatusCompleted {
		r.Progress = 100
	}

	if r.ID == "" {
		r.ID = newDownloadID()
	}

	var taken bool

	e.store.update(ctx, func(t *tx) {
		if _, taken = t.get(r.ID); !taken {
			t.put(r)
		}
	})

	if taken {
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, r.ID)
	}

	return r.ID, nil
}

// OnProgress implements transfer.Events.
func (e *Engine) OnProgress(ctx context.Context, id string, fraction float64) {
	e.syncNotifications(ctx, e.aggregator.OnLeafProgress(ctx, id, fraction))
}

// OnComplete implements transfer.Events.
func (e *Engine) OnComplete(ctx context.Context, id, path string) {
	now := e.now()

	r, ok := e.finish(ctx, id, opComplete, func(r *Record) {
		r.DownloadedBytes = r.TotalBytes
		r.Progress = 100
		r.Path = path
		r.EndTime = now
		r.Speed = speedOf(r.DownloadedBytes, r.StartTime, now)
		r.Error = ""
	})
	if !ok {
		return
	}

	logctx.LoggerFromContext(ctx).Info("download completed",
		"download_id", id,
		"path", path,
		"size", humanize.Bytes(uint64(r.DownloadedBytes)),
		"elapsed", now.Sub(r.StartTime).Round(time.Millisecond).String())

	e.resolveWaiter(id, nil)
}

// OnError implements transfer.Events.
func (e *Engine) OnError(ctx context.Context, id, message string) {
	now := e.now()

	r, ok := e.finish(ctx, id, opFail, func(r *Record) {
		r.Error = message
		r.EndTime = now
		r.Speed = 0
	})
	if !ok {
		return
	}

	logctx.LoggerFromContext(ctx).Warn("download failed", "download_id", id, "err", message)

	e.resolveWaiter(id, &LeafError{ID: id, Name: r.Name, Message: message})
}

// syncNotifications pushes the current state of each record to its notification.
func (e *Engine) syncNotifications(ctx context.Context, ids []string) {
	for _, id := range ids {
		r, ok := e.store.Get(id)
		if !ok {
			continue
		}

		var gp *GroupProgress
		if r.IsGroup() {
			gp, _ = e.store.Group(id)
		}

		e.bridge.Sync(ctx, r, gp)
	}
}

// activeTransfer is one Start of a leaf. done is closed once the transport has returned,
// so nothing is writing the leaf's partial file any more.
type activeTransfer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startTransfer hands id to the transport. A previous transfer of the same record is
// stopped and waited for first: two fetches never share a partial file, and a late event
// from the old one cannot land on the new one.
func (e *Engine) startTransfer(id string, resume bool) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	t := &activeTransfer{cancel: cancel, done: make(chan struct{})}

	for {
		e.mu.Lock()
		prev, running := e.transfers[id]
		if !running {
			e.transfers[id] = t
		}
		e.mu.Unlock()

		if !running {
			break
		}

		prev.cancel()
		<-prev.done
	}

	r, ok := e.store.Get(id)
	if !ok || r.Status != StatusDownloading {
		// Paused, cancelled or removed while the previous transfer was winding down.
		e.endTransfer(id, t)

		return
	}

	stopped := e.transport.Start(ctx, transfer.Request{
		ID:       r.ID,
		URL:      r.URL,
		Filename: r.Filename,
		SHA1:     r.SHA1,
		Resume:   resume,
	}, e)

	go func() {
		<-stopped
		e.endTransfer(id, t)
	}()
}

// endTransfer forgets t once its transport has returned.
func (e *Engine) endTransfer(id string, t *activeTransfer) {
	e.mu.Lock()
	if e.transfers[id] == t {
		delete(e.transfers, id)
	}
	e.mu.Unlock()

	t.cancel()
	close(t.done)
}

// stopTransfer cancels the running transfer of id. The transport then stays silent; the
// transfer is forgotten once it has actually returned.
func (e *Engine) stopTransfer(id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	e.mu.Unlock()

	if ok {
		t.cancel()
	}
}

// awaitTerminal registers the channel the installer blocks on for leaf id.
func (e *Engine) awaitTerminal(id string) (<-chan error, func()) {
	ch := make(chan error, 1)

	e.mu.Lock()
	e.waiters[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.waiters[id] == ch {
			delete(e.waiters, id)
		}
	}
}

func (e *Engine) resolveWaiter(id string, err error) {
	e.mu.Lock()
	ch, ok := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()

	if ok {
		ch <- err
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

// Close stops every transfer and install, then writes the final snapshot. Records that
// were in flight stay in their active state.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return
	}

	e.closed = true

	for id, t := range e.cleanups {
		t.Stop()
		delete(e.cleanups, id)
	}
	e.mu.Unlock()

	e.stop()
	e.installing.Wait()

	e.bridge.Close()
	e.store.Close()
	e.store.Flush(ctx)

	logctx.LoggerFromContext(ctx).Info("download engine stopped")
}
