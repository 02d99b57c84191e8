package notifier

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

type Notification struct {
	Title        string
	Message      string
	Kind         Kind
	ShowProgress bool
}

// Handle identifies a notification previously shown.
type Handle string

// Notifier is the external notification API the engine drives.
type Notifier interface {
	Show(ctx context.Context, n Notification) (Handle, error)
	UpdateProgress(ctx context.Context, h Handle, percent int, message string) error
	Dismiss(ctx context.Context, h Handle) error
}

// LogNotifier writes notifications to the structured log. Used when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Show(ctx context.Context, n Notification) (Handle, error) {
	h := Handle(uuid.NewString())

	l.log(ctx).InfoContext(ctx, "notification shown",
		"notification_id", h,
		"title", n.Title,
		"message", n.Message,
		"kind", n.Kind)

	return h, nil
}

func (l *LogNotifier) UpdateProgress(ctx context.Context, h Handle, percent int, message string) error {
	l.log(ctx).DebugContext(ctx, "notification updated", "notification_id", h, "percent", percent, "message", message)

	return nil
}

func (l *LogNotifier) Dismiss(ctx context.Context, h Handle) error {
	l.log(ctx).DebugContext(ctx, "notification dismissed", "notification_id", h)

	return nil
}

func (l *LogNotifier) log(ctx context.Context) *slog.Logger {
	if l.logger != nil {
		return l.logger
	}

	return logctx.LoggerFromContext(ctx)
}

// InstrumentedNotifier wraps a Notifier with telemetry.
type InstrumentedNotifier struct {
	notifier  Notifier
	telemetry *telemetry.Telemetry
}

func NewInstrumentedNotifier(n Notifier, tel *telemetry.Telemetry) *InstrumentedNotifier {
	return &InstrumentedNotifier{notifier: n, telemetry: tel}
}

func (i *InstrumentedNotifier) Show(ctx context.Context, n Notification) (Handle, error) {
	var h Handle

	err := i.telemetry.InstrumentNotification(ctx, "show", func(ctx context.Context) error {
		var err error

		h, err = i.notifier.Show(ctx, n)

		return err
	})

	return h, err
}

func (i *InstrumentedNotifier) UpdateProgress(ctx context.Context, h Handle, percent int, message string) error {
	return i.telemetry.InstrumentNotification(ctx, "update", func(ctx context.Context) error {
		return i.notifier.UpdateProgress(ctx, h, percent, message)
	})
}

func (i *InstrumentedNotifier) Dismiss(ctx context.Context, h Handle) error {
	return i.telemetry.InstrumentNotification(ctx, "dismiss", func(ctx context.Context) error {
		return i.notifier.Dismiss(ctx, h)
	})
}
