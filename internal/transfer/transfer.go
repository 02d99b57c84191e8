package transfer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
)

// Request describes one file to fetch.
type Request struct {
	ID       string
	URL      string
	Filename string
	// SHA1 is the expected hex digest; empty skips verification.
	SHA1 string
	// Resume asks the fetcher to continue from a partial file left by a paused transfer.
	Resume bool
}

// Events receives the outcome of a transfer, keyed by request id. At most one of
// OnComplete and OnError is delivered per Start.
type Events interface {
	OnProgress(ctx context.Context, id string, fraction float64)
	OnComplete(ctx context.Context, id, path string)
	OnError(ctx context.Context, id, message string)
}

// Transport starts a transfer and reports back through Events without blocking the caller.
// Cancelling ctx stops the transfer silently: no terminal event is delivered. The returned
// channel is closed once the transfer has returned: it delivers no more events and no
// longer touches its files.
type Transport interface {
	Start(ctx context.Context, req Request, events Events) <-chan struct{}
}

// ProgressFunc receives the completed fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Fetcher performs one blocking transfer and returns the final path on disk.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}

// Orchestrator adapts a blocking Fetcher into an asynchronous Transport, one goroutine
// per transfer.
type Orchestrator struct {
	fetcher Fetcher
	wg      sync.WaitGroup
}

func NewOrchestrator(fetcher Fetcher) *Orchestrator {
	return &Orchestrator{fetcher: fetcher}
}

func (o *Orchestrator) Start(ctx context.Context, req Request, events Events) <-chan struct{} {
	done := make(chan struct{})

	o.wg.Add(1)

	go func() {
		defer close(done)

		o.run(ctx, req, events)
	}()

	return done
}

// Wait blocks until every started transfer has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, req Request, events Events) {
	defer o.wg.Done()

	ctx = logctx.WithDownload(ctx, req.ID)
	logger := logctx.LoggerFromContext(ctx)

	// Event delivery must not be cut short by the cancellation that stops the fetch.
	eventCtx := logctx.Detach(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer panic",
				"operation", "fetch",
				"panic", r,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				events.OnError(eventCtx, req.ID, fmt.Sprintf("internal error: %v", r))
			}
		}
	}()

	path, err := o.fetcher.Fetch(ctx, req, func(fraction float64) {
		if ctx.Err() == nil {
			events.OnProgress(eventCtx, req.ID, fraction)
		}
	})

	if ctx.Err() != nil {
		logger.Info("transfer stopped", "reason", context.Cause(ctx))

		return
	}

	if err != nil {
		logger.Error("transfer failed", "url", req.URL, "err", err)
		events.OnError(eventCtx, req.ID, err.Error())

		return
	}

	events.OnComplete(eventCtx, req.ID, path)
}
