package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/notifier"
)

// Bridge keeps one external notification per single download or group install in step
// with its record. It is the only component that talks to the notifier.
type Bridge struct {
	notifier     notifier.Notifier
	successGrace time.Duration
	groupGrace   time.Duration

	mu      sync.Mutex
	handles map[string]notifier.Handle
	shown   map[string]shownState
	timers  map[string]*time.Timer
	closed  bool
}

// shownState is what the notification currently displays, to skip redundant updates.
type shownState struct {
	percent int
	text    string
}

func NewBridge(n notifier.Notifier, successGrace, groupGrace time.Duration) *Bridge {
	return &Bridge{
		notifier:     n,
		successGrace: successGrace,
		groupGrace:   groupGrace,
		handles:      make(map[string]notifier.Handle),
		shown:        make(map[string]shownState),
		timers:       make(map[string]*time.Timer),
	}
}

// Bind shows a progress notification for id. A notification id already had, including
// one waiting for its success dismissal, is replaced. Failures are logged; the download
// proceeds without a notification.
func (b *Bridge) Bind(ctx context.Context, id, title, message string) {
	logger := logctx.LoggerFromContext(ctx)

	h, err := b.notifier.Show(ctx, notifier.Notification{
		Title:        title,
		Message:      message,
		Kind:         notifier.KindInfo,
		ShowProgress: true,
	})

	b.mu.Lock()
	old, hadOld := b.detach(id)

	if err == nil {
		b.handles[id] = h
		b.shown[id] = shownState{text: message}
	}
	b.mu.Unlock()

	if hadOld {
		b.dismiss(ctx, id, old)
	}

	if err != nil {
		logger.Warn("failed to show notification", "download_id", id, "err", err)
	}
}

// Sync renders r onto its notification. group carries the side-table entry for group
// records. Member records are represented by their group and are ignored.
func (b *Bridge) Sync(ctx context.Context, r Record, group *GroupProgress) {
	if r.Kind == KindMember {
		return
	}

	switch r.Status {
	case StatusCompleted:
		b.finish(ctx, r, notifier.KindSuccess, successText(r))
	case StatusError:
		b.finish(ctx, r, notifier.KindError, fmt.Sprintf("%s - Error: %s", r.Name, r.Error))
	default:
		b.update(ctx, r.ID, r.Progress, progressText(r, group))
	}
}

// Unbind dismisses and forgets the notification of id.
func (b *Bridge) Unbind(ctx context.Context, id string) {
	b.mu.Lock()
	h, ok := b.detach(id)
	b.mu.Unlock()

	if ok {
		b.dismiss(ctx, id, h)
	}
}

// detach forgets the notification of id and cancels its pending dismissal. b.mu is held.
func (b *Bridge) detach(id string) (notifier.Handle, bool) {
	h, ok := b.handles[id]
	delete(b.handles, id)
	delete(b.shown, id)

	if t, found := b.timers[id]; found {
		t.Stop()
		delete(b.timers, id)
	}

	return h, ok
}

func (b *Bridge) dismiss(ctx context.Context, id string, h notifier.Handle) {
	if err := b.notifier.Dismiss(ctx, h); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to dismiss notification", "download_id", id, "err", err)
	}
}

// Bound reports whether id currently has a notification.
func (b *Bridge) Bound(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.handles[id]

	return ok
}

// Close cancels pending dismissals.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

func (b *Bridge) update(ctx context.Context, id string, percent int, text string) {
	b.mu.Lock()
	h, ok := b.handles[id]
	state := shownState{percent: percent, text: text}

	if !ok || b.shown[id] == state {
		b.mu.Unlock()

		return
	}

	b.shown[id] = state
	b.mu.Unlock()

	if err := b.notifier.UpdateProgress(ctx, h, percent, text); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to update notification", "download_id", id, "err", err)
	}
}

// finish renders a terminal state. Success keeps the notification for a grace period then
// dismisses it; errors stay until the user dismisses them. Records that never had a
// notification get a one-shot one.
func (b *Bridge) finish(ctx context.Context, r Record, kind notifier.Kind, text string) {
	logger := logctx.LoggerFromContext(ctx)

	b.mu.Lock()
	h, ok := b.handles[r.ID]

	if ok && kind == notifier.KindError {
		delete(b.handles, r.ID)
		delete(b.shown, r.ID)
	}
	b.mu.Unlock()

	if !ok {
		if _, err := b.notifier.Show(ctx, notifier.Notification{Title: r.Name, Message: text, Kind: kind}); err != nil {
			logger.Warn("failed to show notification", "download_id", r.ID, "err", err)
		}

		return
	}

	percent := r.Progress
	if kind == notifier.KindSuccess {
		percent = 100
	}

	if err := b.notifier.UpdateProgress(ctx, h, percent, text); err != nil {
		logger.Warn("failed to update notification", "download_id", r.ID, "err", err)
	}

	if kind == notifier.KindSuccess {
		grace := b.successGrace
		if r.IsGroup() {
			grace = b.groupGrace
		}

		b.scheduleUnbind(logctx.Detach(ctx), r.ID, h, grace)
	}
}

// scheduleUnbind dismisses h after the grace period, unless id has been bound to another
// notification by then.
func (b *Bridge) scheduleUnbind(ctx context.Context, id string, h notifier.Handle, after time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if t, ok := b.timers[id]; ok {
		t.Stop()
	}

	b.timers[id] = time.AfterFunc(after, func() {
		b.mu.Lock()
		if current, ok := b.handles[id]; !ok || current != h {
			b.mu.Unlock()

			return
		}

		b.detach(id)
		b.mu.Unlock()

		b.dismiss(ctx, id, h)
	})
}

func progressText(r Record, group *GroupProgress) string {
	if r.IsGroup() && group != nil {
		return fmt.Sprintf("%s - %d/%d files", r.Name, group.Completed, group.Total)
	}

	return fmt.Sprintf("%s - %d%%", r.Name, r.Progress)
}

func successText(r Record) string {
	if r.IsGroup() {
		return fmt.Sprintf("%s - Installation completed!", r.Name)
	}

	return fmt.Sprintf("%s - Completed!", r.Name)
}
