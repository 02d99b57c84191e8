package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drklauncher/launcher_downloads/internal/cleanup"
	"github.com/drklauncher/launcher_downloads/internal/config"
	"github.com/drklauncher/launcher_downloads/internal/download"
	"github.com/drklauncher/launcher_downloads/internal/downloader"
	"github.com/drklauncher/launcher_downloads/internal/http/rest"
	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/notifier"
	"github.com/drklauncher/launcher_downloads/internal/storage/sqlite"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
	"github.com/drklauncher/launcher_downloads/internal/transfer"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewJSONHandler(os.Stdout, cfg.SlogLevel()))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("launcher downloads starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(logctx.Detach(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := download.NewStore(sqlite.NewInstrumentedBlobRepository(database, tel), download.StoreConfig{
		Key: cfg.StorageKey,
		Retention: cleanup.Policy{
			CompletedRetention: cfg.CompletedRetention,
			ErrorRetention:     cfg.ErrorRetention,
		},
		PersistInterval: cfg.ProgressPersistInterval,
		Telemetry:       tel,
	})

	if err := store.Load(ctx); err != nil {
		// History is best effort; the engine starts empty.
		logger.Warn("failed to load download history", "err", err)
	}

	// =========================================================================
	// Start Transport
	transport, err := buildTransport(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	// =========================================================================
	// Start Engine
	engine := download.NewEngine(ctx, store, transport, buildNotifier(ctx, cfg, tel), download.Config{
		AverageFileSize:    cfg.AverageFileSize,
		SingleDownloadSize: cfg.SingleDownloadSize,
		SuccessGrace:       cfg.SuccessNotificationGrace,
		GroupGrace:         cfg.GroupNotificationGrace,
		GroupCleanupDelay:  cfg.GroupCleanupDelay,
		ActiveProfile:      cfg.ActiveProfile,
		Telemetry:          tel,
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, engine, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(logctx.Detach(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		engine.Close(shutdownCtx)
		transport.Wait()

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"db_path", cfg.DBPath,
		"active_profile", cfg.ActiveProfile,
	)

	return g.Wait()
}

// buildTransport assembles the HTTP fetcher, with put.io links when a token is configured.
func buildTransport(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*transfer.Orchestrator, error) {
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.HTTPTimeout,
	}

	opts := []downloader.Option{downloader.WithTelemetry(tel)}

	if cfg.PutioToken != "" {
		resolver, err := downloader.NewPutioResolver(cfg.PutioToken, cfg.PutioBaseURL, client, tel)
		if err != nil {
			return nil, err
		}

		if err := resolver.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		opts = append(opts, downloader.WithResolver(resolver))
	}

	d := downloader.NewDownloader(cfg.DownloadDir, client, cfg.ProgressReportInterval, opts...)

	return transfer.NewOrchestrator(transfer.NewInstrumentedFetcher(d, tel, "http")), nil
}

// buildNotifier picks Discord when a webhook is configured and falls back to logging.
func buildNotifier(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) notifier.Notifier {
	var n notifier.Notifier = notifier.NewLogNotifier(logctx.LoggerFromContext(ctx))

	if cfg.DiscordWebhookURL != "" {
		n = &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
	}

	return notifier.NewInstrumentedNotifier(n, tel)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, engine *download.Engine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(engine).Routes())

	var handler http.Handler = r
	handler = otelhttp.NewHandler(handler, "launcher_downloads")
	handler = telemetry.RequestID(handler)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler,
		// Event streams end when the process is signalled.
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
