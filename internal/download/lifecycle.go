package download

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
)

type operation string

const (
	opStart    operation = "start"
	opPause    operation = "pause"
	opResume   operation = "resume"
	opCancel   operation = "cancel"
	opRetry    operation = "retry"
	opComplete operation = "complete"
	opFail     operation = "fail"
)

// CancelledMessage is the error text of a record stopped by the user.
const CancelledMessage = "cancelled"

type transition struct {
	from []Status
	to   Status
}

// transitions is the leaf state machine. Groups are finished by the installer only.
var transitions = map[operation]transition{
	opStart:    {from: []Status{StatusPending}, to: StatusDownloading},
	opPause:    {from: []Status{StatusDownloading}, to: StatusPaused},
	opResume:   {from: []Status{StatusPaused}, to: StatusDownloading},
	opCancel:   {from: []Status{StatusPending, StatusDownloading, StatusPaused}, to: StatusError},
	opRetry:    {from: []Status{StatusCompleted, StatusError}, to: StatusDownloading},
	opComplete: {from: []Status{StatusPending, StatusDownloading, StatusPaused}, to: StatusCompleted},
	opFail:     {from: []Status{StatusPending, StatusDownloading, StatusPaused}, to: StatusError},
}

// next returns the status op leads to from the current one.
func next(op operation, from Status) (Status, error) {
	tr, ok := transitions[op]
	if !ok || !slices.Contains(tr.from, from) {
		return from, fmt.Errorf("%w: cannot %s a %s download", ErrInvalidTransition, op, from)
	}

	return tr.to, nil
}

// apply moves leaf id through op and lets fn adjust the record in the same mutation.
// Illegal transitions, unknown ids and group records are no-ops reported as false.
// Groups containing the leaf are re-summed; the ids of every touched record are returned.
func (e *Engine) apply(ctx context.Context, id string, op operation, fn func(r *Record)) (bool, []string) {
	var (
		applied bool
		touched []string
		reason  error
	)

	now := e.now()

	e.store.update(ctx, func(t *tx) {
		r, ok := t.get(id)
		if !ok {
			reason = fmt.Errorf("%w: %s", ErrNotFound, id)

			return
		}

		if r.IsGroup() {
			reason = fmt.Errorf("%w: cannot %s a group install", ErrInvalidTransition, op)

			return
		}

		to, err := next(op, r.Status)
		if err != nil {
			reason = err

			return
		}

		r.Status = to
		if fn != nil {
			fn(&r)
		}

		t.put(r)

		applied = true
		touched = append([]string{id}, e.aggregator.recomputeGroups(t, id, now)...)
	})

	e.cfg.Telemetry.RecordLifecycleTransition(string(op), applied)

	if !applied {
		logctx.LoggerFromContext(ctx).Debug("lifecycle operation ignored",
			"download_id", id,
			"operation", op,
			"reason", reason)
	}

	return applied, touched
}

// start moves a pending leaf to downloading and hands it to the transport.
func (e *Engine) start(ctx context.Context, id string) bool {
	applied, touched := e.apply(ctx, id, opStart, nil)
	if !applied {
		return false
	}

	e.syncNotifications(ctx, touched)
	e.startTransfer(id, false)

	return true
}

// Pause stops the transfer of a downloading leaf, keeping its bytes.
func (e *Engine) Pause(ctx context.Context, id string) bool {
	applied, touched := e.apply(ctx, id, opPause, func(r *Record) { r.Speed = 0 })
	if !applied {
		return false
	}

	e.stopTransfer(id)
	e.syncNotifications(ctx, touched)

	return true
}

// Resume restarts a paused leaf through the start path without resetting its bytes.
func (e *Engine) Resume(ctx context.Context, id string) bool {
	applied, touched := e.apply(ctx, id, opResume, nil)
	if !applied {
		return false
	}

	e.syncNotifications(ctx, touched)
	e.startTransfer(id, true)

	return true
}

// Cancel stops a leaf for good, or stops a running group install before its next file.
func (e *Engine) Cancel(ctx context.Context, id string) bool {
	if r, ok := e.store.Get(id); ok && r.IsGroup() {
		return e.cancelInstall(ctx, id)
	}

	now := e.now()

	var name string

	applied, touched := e.apply(ctx, id, opCancel, func(r *Record) {
		name = r.Name
		r.Error = CancelledMessage
		r.EndTime = now
		r.Speed = 0
	})
	if !applied {
		return false
	}

	e.stopTransfer(id)
	e.syncNotifications(ctx, touched)
	e.resolveWaiter(id, &LeafError{ID: id, Name: name, Message: CancelledMessage})

	return true
}

// Retry restarts a finished leaf from scratch.
func (e *Engine) Retry(ctx context.Context, id string) bool {
	now := e.now()

	applied, touched := e.apply(ctx, id, opRetry, func(r *Record) {
		r.Progress = 0
		r.DownloadedBytes = 0
		r.Speed = 0
		r.StartTime = now
		r.EndTime = time.Time{}
		r.Path = ""
		r.Error = ""
	})
	if !applied {
		return false
	}

	// The finished run's notification may still be waiting for its dismissal.
	if r, ok := e.store.Get(id); ok && r.Kind == KindSingle {
		e.bridge.Bind(ctx, id, r.Name, progressText(r, nil))
	}

	e.syncNotifications(ctx, touched)
	e.startTransfer(id, false)

	return true
}

// finish applies a terminal transport event. Events for records that are already
// terminal, or unknown, are dropped.
func (e *Engine) finish(ctx context.Context, id string, op operation, fn func(r *Record)) (Record, bool) {
	applied, touched := e.apply(ctx, id, op, fn)
	if !applied {
		return Record{}, false
	}

	e.syncNotifications(ctx, touched)

	r, _ := e.store.Get(id)

	return r, true
}
