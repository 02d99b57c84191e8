package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes here feed metric series, so they must stay low cardinality:
// operation names, status values, transport kinds. Record ids, file names and URLs
// belong in logs or span events, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with component and operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentStoreOperation instruments blob store reads and writes.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "store", fn)

	t.RecordStoreOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentTransport instruments a single call into a transport (fetch, resolve).
func (t *Telemetry) InstrumentTransport(ctx context.Context, transport, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "transport_"+operation, "transport", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("transport.type", transport))

		return fn(ctx)
	})

	t.RecordTransportOperation(transport, operation, statusOf(err))

	return err
}

// InstrumentDownload instruments one leaf transfer from first byte to terminal state.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "downloader", fn)

	t.RecordDownload(statusOf(err), time.Since(start))

	return err
}

// InstrumentInstall instruments a whole sequential group installation.
func (t *Telemetry) InstrumentInstall(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveInstalls()
	defer t.DecrementActiveInstalls()

	err := t.InstrumentOperation(ctx, "install_group", "installer", fn)

	t.RecordInstall(statusOf(err), time.Since(start))

	return err
}

// InstrumentNotification instruments calls to the external notification API.
func (t *Telemetry) InstrumentNotification(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "notification_"+operation, "notifier", fn)

	t.RecordNotification(operation, statusOf(err))

	return err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
