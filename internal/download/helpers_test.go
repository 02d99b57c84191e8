package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drklauncher/launcher_downloads/internal/notifier"
	"github.com/drklauncher/launcher_downloads/internal/storage"
	"github.com/drklauncher/launcher_downloads/internal/transfer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

type startCall struct {
	ctx context.Context
	req transfer.Request
}

// fakeTransport records every transfer it is asked to start. Tests drive the outcome by
// calling the engine's event methods directly; a transfer returns when its ctx is cancelled.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []startCall
	started chan startCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{started: make(chan startCall, 64)}
}

func (f *fakeTransport) Start(ctx context.Context, req transfer.Request, _ transfer.Events) <-chan struct{} {
	call := startCall{ctx: ctx, req: req}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	f.started <- call

	done := make(chan struct{})
	context.AfterFunc(ctx, func() { close(done) })

	return done
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

type progressUpdate struct {
	handle  notifier.Handle
	percent int
	message string
}

type fakeNotifier struct {
	mu        sync.Mutex
	next      int
	shown     []notifier.Notification
	updates   []progressUpdate
	dismissed []notifier.Handle
	showErr   error
}

func (f *fakeNotifier) Show(_ context.Context, n notifier.Notification) (notifier.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.showErr != nil {
		return "", f.showErr
	}

	f.next++
	f.shown = append(f.shown, n)

	return notifier.Handle(fmt.Sprintf("h%d", f.next)), nil
}

func (f *fakeNotifier) UpdateProgress(_ context.Context, h notifier.Handle, percent int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, progressUpdate{handle: h, percent: percent, message: message})

	return nil
}

func (f *fakeNotifier) Dismiss(_ context.Context, h notifier.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dismissed = append(f.dismissed, h)

	return nil
}

func (f *fakeNotifier) lastUpdate() (progressUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.updates) == 0 {
		return progressUpdate{}, false
	}

	return f.updates[len(f.updates)-1], true
}

func (f *fakeNotifier) shownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.shown)
}

func (f *fakeNotifier) dismissedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.dismissed)
}

// failingBlobStore fails every write, and every read when readErr is set.
type failingBlobStore struct {
	readErr bool
}

var errDiskFull = errors.New("disk full")

func (f failingBlobStore) Get(context.Context, string) (string, bool, error) {
	if f.readErr {
		return "", false, errDiskFull
	}

	return "", false, nil
}

func (failingBlobStore) Set(context.Context, string, string) error {
	return errDiskFull
}

type harness struct {
	engine    *Engine
	store     *Store
	blobs     *storage.MemoryBlobStore
	transport *fakeTransport
	notifier  *fakeNotifier
	clock     *fakeClock
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	clock := newFakeClock()
	blobs := storage.NewMemoryBlobStore()
	store := NewStore(blobs, StoreConfig{Now: clock.Now})

	cfg := Config{
		AverageFileSize:    1000,
		SingleDownloadSize: 1000,
		SuccessGrace:       time.Hour,
		GroupGrace:         time.Hour,
		GroupCleanupDelay:  time.Hour,
		Now:                clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		store:     store,
		blobs:     blobs,
		transport: newFakeTransport(),
		notifier:  &fakeNotifier{},
		clock:     clock,
	}
	h.engine = NewEngine(context.Background(), store, h.transport, h.notifier, cfg)

	t.Cleanup(func() { h.engine.Close(context.Background()) })

	return h
}

// nextStart waits for the engine to hand the next transfer to the transport.
func (h *harness) nextStart(t *testing.T) startCall {
	t.Helper()

	select {
	case call := <-h.transport.started:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transfer to start")
	}

	return startCall{}
}

func (h *harness) record(t *testing.T, id string) Record {
	t.Helper()

	r, ok := h.store.Get(id)
	require.True(t, ok, "record %s not found", id)

	return r
}

func (h *harness) members(groupID string) []Record {
	return h.store.All(func(r Record) bool { return r.GroupID == groupID })
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the install to finish")
	}

	return nil
}

// requireGroupConsistent checks that a group's figures are exactly the sums of its members.
func requireGroupConsistent(t *testing.T, h *harness, groupID string) {
	t.Helper()

	group := h.record(t, groupID)

	var downloaded int64
	for _, m := range h.members(groupID) {
		downloaded += m.DownloadedBytes
	}

	require.Equal(t, downloaded, group.DownloadedBytes)
	require.Equal(t, percentOf(group.DownloadedBytes, group.TotalBytes), group.Progress)
}
