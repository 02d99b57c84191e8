package transfer

import (
	"context"

	"github.com/drklauncher/launcher_downloads/internal/telemetry"
)

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
	kind      string
}

// NewInstrumentedFetcher creates a new instrumented fetcher. kind labels the transport ("http").
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, kind string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
		kind:      kind,
	}
}

// Fetch runs the wrapped fetch inside a download span and records its outcome.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req Request, progress ProgressFunc) (string, error) {
	var path string

	err := f.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return f.telemetry.InstrumentTransport(ctx, f.kind, "fetch", func(ctx context.Context) error {
			var err error

			path, err = f.fetcher.Fetch(ctx, req, progress)

			return err
		})
	})
	if err != nil {
		return "", err
	}

	return path, nil
}
