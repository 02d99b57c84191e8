package download

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CreateSingle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ActiveProfile = "steve" })
	ctx := context.Background()

	r, err := h.engine.CreateSingle(ctx, "https://example.com/java.zip", "java.zip", "Java 21")
	require.NoError(t, err)

	assert.Contains(t, r.ID, "download_")
	assert.Equal(t, "Java 21", r.Name)
	assert.Equal(t, StatusDownloading, r.Status)
	assert.Equal(t, KindSingle, r.Kind)
	assert.Equal(t, "steve", r.ProfileUsername)
	assert.Equal(t, int64(1000), r.TotalBytes)

	call := h.nextStart(t)
	assert.Equal(t, r.ID, call.req.ID)
	assert.Equal(t, "https://example.com/java.zip", call.req.URL)
	assert.Equal(t, "java.zip", call.req.Filename)

	require.Equal(t, 1, h.notifier.shownCount())
	assert.True(t, h.notifier.shown[0].ShowProgress)
	assert.Equal(t, "Java 21", h.notifier.shown[0].Title)

	h.engine.OnProgress(ctx, r.ID, 0.5)

	last, ok := h.notifier.lastUpdate()
	require.True(t, ok)
	assert.Equal(t, "Java 21 - 50%", last.message)
	assert.Equal(t, 50, last.percent)
}

func TestEngine_SingleSuccessNotificationIsDismissed(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SuccessGrace = 10 * time.Millisecond })
	ctx := context.Background()

	r, err := h.engine.CreateSingle(ctx, "https://example.com/a.jar", "a.jar", "")
	require.NoError(t, err)
	h.nextStart(t)

	h.engine.OnComplete(ctx, r.ID, "/downloads/a.jar")

	last, _ := h.notifier.lastUpdate()
	assert.Equal(t, "a.jar - Completed!", last.message)

	require.Eventually(t, func() bool { return h.notifier.dismissedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_Listing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.store.Create(ctx, Record{ID: "c-old", Status: StatusCompleted, StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-time.Minute)})
	h.store.Create(ctx, Record{ID: "c-new", Status: StatusCompleted, StartTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)})
	h.store.Create(ctx, Record{ID: "err", Status: StatusError, StartTime: now.Add(-time.Hour), EndTime: now})
	h.store.Create(ctx, Record{ID: "paused", Status: StatusPaused, StartTime: now})
	h.store.Create(ctx, Record{ID: "pending", Status: StatusPending, StartTime: now.Add(time.Minute)})

	assert.Equal(t, []string{"pending", "paused", "err", "c-new", "c-old"}, ids(h.engine.ListAll(Filter{})))
	assert.Equal(t, []string{"pending", "paused"}, ids(h.engine.ListActive()))

	// Completed downloads are ordered by when they finished.
	assert.Equal(t, []string{"c-old", "c-new"}, ids(h.engine.ListCompleted()))

	assert.Equal(t, []string{"err"}, ids(h.engine.ListAll(Filter{Statuses: []Status{StatusError}})))
	assert.Empty(t, h.engine.ListAll(Filter{Kinds: []Kind{KindGroup}}))
}

func TestEngine_Get(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.Create(ctx, Record{ID: "mine", ProfileUsername: "alex", Status: StatusCompleted})

	r, err := h.engine.Get("mine")
	require.NoError(t, err)
	assert.Equal(t, "mine", r.ID)

	_, err = h.engine.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	h.engine.SetActiveProfile("steve")

	_, err = h.engine.Get("mine")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RemoveFromHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.CreateSingle(ctx, "https://example.com/a.jar", "a.jar", "")
	require.NoError(t, err)

	call := h.nextStart(t)

	require.NoError(t, h.engine.RemoveFromHistory(ctx, r.ID))

	assert.Error(t, call.ctx.Err(), "removing a running download stops it")
	_, ok := h.store.Get(r.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, h.notifier.dismissedCount())

	assert.ErrorIs(t, h.engine.RemoveFromHistory(ctx, r.ID), ErrNotFound)

	// Late events for a removed record are dropped.
	h.engine.OnComplete(ctx, r.ID, "/downloads/a.jar")
	assert.Empty(t, h.store.All(nil))
}

func TestEngine_RemoveGroupFromHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	groupID, done := h.engine.StartInstall(ctx, "Pack", twoFiles)
	h.nextStart(t)

	require.NoError(t, h.engine.RemoveFromHistory(ctx, groupID))
	require.ErrorIs(t, waitDone(t, done), ErrInstallCancelled)

	assert.Empty(t, h.store.All(nil), "group and members are removed")
	assert.Equal(t, 1, h.transport.count())
}

func TestEngine_Clear(t *testing.T) {
	seed := func(h *harness) {
		ctx := context.Background()

		h.store.Create(ctx, Record{ID: "done", Status: StatusCompleted})
		h.store.Create(ctx, Record{ID: "failed", Status: StatusError})
		h.store.Create(ctx, Record{ID: "running", Status: StatusDownloading})
		h.store.Create(ctx, Record{ID: "other-done", Status: StatusCompleted, ProfileUsername: "bob"})
	}

	tests := []struct {
		name    string
		clear   func(e *Engine) int
		removed int
		left    []string
	}{
		{"completed", func(e *Engine) int { return e.ClearCompleted(context.Background()) }, 1, []string{"failed", "running", "other-done"}},
		{"errors", func(e *Engine) int { return e.ClearErrors(context.Background()) }, 1, []string{"done", "running", "other-done"}},
		{"finished", func(e *Engine) int { return e.ClearFinished(context.Background()) }, 2, []string{"running", "other-done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.ActiveProfile = "alice" })
			seed(h)

			assert.Equal(t, tt.removed, tt.clear(h.engine))
			assert.ElementsMatch(t, tt.left, ids(h.store.All(nil)))
		})
	}
}

func TestEngine_AddToHistory(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ActiveProfile = "alice" })
	ctx := context.Background()

	id, err := h.engine.AddToHistory(ctx, Record{Name: "Imported pack", Status: StatusCompleted, Path: "/instances/pack"})
	require.NoError(t, err)

	r := h.record(t, id)
	assert.Equal(t, KindSingle, r.Kind)
	assert.Equal(t, 100, r.Progress)
	assert.Equal(t, "alice", r.ProfileUsername)
	assert.False(t, r.EndTime.IsZero())

	_, err = h.engine.AddToHistory(ctx, Record{Name: "running", Status: StatusDownloading})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// An import never replaces an existing record, running or not.
	running, err := h.engine.CreateSingle(ctx, "https://example.com/a.jar", "a.jar", "")
	require.NoError(t, err)
	h.nextStart(t)

	for _, taken := range []string{id, running.ID} {
		before := h.record(t, taken)

		_, err = h.engine.AddToHistory(ctx, Record{ID: taken, Name: "Imported again", Status: StatusError})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		assert.Equal(t, before, h.record(t, taken))
	}

	imported, err := h.engine.AddToHistory(ctx, Record{ID: "modpack-import", Name: "Other pack", Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, "modpack-import", imported)
}

func TestEngine_CloseFlushesAndKeepsInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.CreateSingle(ctx, "https://example.com/a.jar", "a.jar", "")
	require.NoError(t, err)
	h.nextStart(t)
	h.engine.OnProgress(ctx, r.ID, 0.3)

	h.engine.Close(ctx)

	_, err = h.engine.CreateSingle(ctx, "https://example.com/b.jar", "b.jar", "")
	assert.ErrorIs(t, err, ErrShuttingDown)

	restarted := NewStore(h.blobs, StoreConfig{})
	require.NoError(t, restarted.Load(ctx))

	stuck, ok := restarted.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDownloading, stuck.Status)
	assert.Equal(t, int64(300), stuck.DownloadedBytes)
}
