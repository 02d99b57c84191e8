package download

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
)

// InstallGroup downloads files one at a time, in order, under a single group record and
// returns once the group is finished. The first failing file aborts the install.
func (e *Engine) InstallGroup(ctx context.Context, name string, files []File) error {
	_, done := e.StartInstall(ctx, name, files)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartInstall creates the group record and runs the install in the background. The
// returned channel yields the outcome once and is then closed.
func (e *Engine) StartInstall(ctx context.Context, name string, files []File) (string, <-chan error) {
	done := make(chan error, 1)

	if len(files) == 0 {
		done <- ErrNoFiles
		close(done)

		return "", done
	}

	groupID := newGroupID()
	cancel := make(chan struct{})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		done <- ErrShuttingDown
		close(done)

		return "", done
	}

	e.installs[groupID] = cancel
	e.installing.Add(1)
	e.mu.Unlock()

	now := e.now()
	profile := e.activeProfile()
	estimate := int64(len(files)) * e.cfg.AverageFileSize

	e.store.update(ctx, func(t *tx) {
		t.groups[groupID] = &GroupProgress{Total: len(files), estimatedBytes: estimate}
		t.put(Record{
			ID:              groupID,
			Name:            name,
			Status:          StatusDownloading,
			TotalBytes:      estimate,
			StartTime:       now,
			ProfileUsername: profile,
			Kind:            KindGroup,
		})
	})

	logger := logctx.LoggerFromContext(ctx).With("group_id", groupID)
	logger.Info("group install started",
		"name", name,
		"files", len(files),
		"estimated_size", humanize.Bytes(uint64(estimate)))

	e.bridge.Bind(ctx, groupID, name, fmt.Sprintf("%s - 0/%d files", name, len(files)))

	// The install outlives the request that started it; it stops with the engine.
	installCtx := logctx.WithLogger(e.baseCtx, logger)

	go func() {
		defer e.installing.Done()
		defer close(done)

		done <- e.runInstall(installCtx, groupID, name, files, cancel)
	}()

	return groupID, done
}

func (e *Engine) runInstall(ctx context.Context, groupID, name string, files []File, cancel <-chan struct{}) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("group install panic", "panic", r, "stack", string(debug.Stack()))

			err = fmt.Errorf("install %s: internal error: %v", name, r)
			e.failGroup(ctx, groupID, err.Error())
		}

		e.forgetInstall(groupID)
	}()

	err = e.cfg.Telemetry.InstrumentInstall(ctx, func(ctx context.Context) error {
		for i, f := range files {
			select {
			case <-cancel:
				return ErrInstallCancelled
			case <-ctx.Done():
				return ErrShuttingDown
			default:
			}

			if err := e.installFile(ctx, groupID, f, cancel); err != nil {
				return err
			}

			completed := e.memberCompleted(ctx, groupID)

			logger.Info("group file installed",
				"file", f.label(),
				"position", i+1,
				"completed", completed,
				"total", len(files))
		}

		e.completeGroup(ctx, groupID)

		return nil
	})

	switch {
	case err == nil:
		logger.Info("group install completed", "name", name)

		return nil
	case errors.Is(err, ErrShuttingDown):
		// The group stays in flight and is reported as such after a restart.
		logger.Info("group install interrupted by shutdown", "name", name)
	case errors.Is(err, ErrInstallCancelled):
		logger.Info("group install cancelled", "name", name)
		e.failGroup(ctx, groupID, CancelledMessage)
	default:
		logger.Error("group install failed", "name", name, "err", err)
		e.failGroup(ctx, groupID, err.Error())
	}

	return fmt.Errorf("install %s: %w", name, err)
}

// installFile creates the member record for f, starts it and waits for its terminal event.
func (e *Engine) installFile(ctx context.Context, groupID string, f File, cancel <-chan struct{}) error {
	now := e.now()

	leaf := Record{
		ID:              newDownloadID(),
		Name:            f.label(),
		URL:             f.URL,
		Status:          StatusPending,
		TotalBytes:      e.cfg.AverageFileSize,
		StartTime:       now,
		ProfileUsername: e.activeProfile(),
		Kind:            KindMember,
		GroupID:         groupID,
		Filename:        f.Filename,
		SHA1:            f.SHA1,
	}

	terminal, release := e.awaitTerminal(leaf.ID)
	defer release()

	var attached bool

	e.store.update(ctx, func(t *tx) {
		gp := t.group(groupID)
		if gp == nil {
			return
		}

		t.put(leaf)
		gp.Members = append(gp.Members, leaf.ID)
		e.aggregator.recomputeGroup(t, groupID, now)

		attached = true
	})

	if !attached {
		// The group was removed from history while installing.
		return ErrInstallCancelled
	}

	if !e.start(ctx, leaf.ID) {
		return &LeafError{ID: leaf.ID, Name: leaf.Name, Message: "download could not be started"}
	}

	select {
	case err := <-terminal:
		return err
	case <-cancel:
		return ErrInstallCancelled
	case <-ctx.Done():
		return ErrShuttingDown
	}
}

func (e *Engine) memberCompleted(ctx context.Context, groupID string) int {
	var completed int

	e.store.update(ctx, func(t *tx) {
		if gp := t.group(groupID); gp != nil {
			gp.Completed++
			completed = gp.Completed
		}
	})

	e.syncNotifications(ctx, []string{groupID})

	return completed
}

// completeGroup finishes a group whose every member completed. The totals become the
// real member sums, so the group reads 100%.
func (e *Engine) completeGroup(ctx context.Context, groupID string) {
	now := e.now()

	applied := e.finishGroup(ctx, groupID, func(t *tx, g *Record) {
		var downloaded int64

		if gp := t.group(groupID); gp != nil {
			for _, id := range gp.Members {
				if m, ok := t.get(id); ok {
					downloaded += m.DownloadedBytes
				}
			}
		}

		g.Status = StatusCompleted
		g.Progress = 100
		g.DownloadedBytes = downloaded
		g.TotalBytes = downloaded
		g.EndTime = now
		g.Speed = speedOf(downloaded, g.StartTime, now)
	})
	if !applied {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	e.cleanups[groupID] = time.AfterFunc(e.cfg.GroupCleanupDelay, func() {
		e.store.dropGroup(groupID)

		e.mu.Lock()
		delete(e.cleanups, groupID)
		e.mu.Unlock()
	})
}

// failGroup marks a running group as failed with message.
func (e *Engine) failGroup(ctx context.Context, groupID, message string) {
	now := e.now()

	e.finishGroup(ctx, groupID, func(_ *tx, g *Record) {
		g.Status = StatusError
		g.Error = message
		g.EndTime = now
		g.Speed = 0
	})
}

// finishGroup applies fn to a group that is not finished yet and syncs its notification.
func (e *Engine) finishGroup(ctx context.Context, groupID string, fn func(t *tx, g *Record)) bool {
	var applied bool

	e.store.update(ctx, func(t *tx) {
		g, ok := t.get(groupID)
		if !ok || !g.IsGroup() || g.Status.Terminal() {
			return
		}

		fn(t, &g)
		t.put(g)

		applied = true
	})

	if applied {
		e.syncNotifications(ctx, []string{groupID})
	}

	return applied
}

// cancelInstall stops a running install before its next file and fails the group.
// The file in flight is left to finish on its own.
func (e *Engine) cancelInstall(ctx context.Context, groupID string) bool {
	e.mu.Lock()
	cancel, ok := e.installs[groupID]
	delete(e.installs, groupID)
	e.mu.Unlock()

	e.cfg.Telemetry.RecordLifecycleTransition(string(opCancel), ok)

	if !ok {
		logctx.LoggerFromContext(ctx).Debug("lifecycle operation ignored",
			"download_id", groupID,
			"operation", opCancel,
			"reason", fmt.Errorf("%w: group install is not running", ErrInvalidTransition))

		return false
	}

	close(cancel)
	e.failGroup(ctx, groupID, CancelledMessage)

	return true
}

func (e *Engine) forgetInstall(groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.installs, groupID)
}
