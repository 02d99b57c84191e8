package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	StorageKey  string `envconfig:"STORAGE_KEY" default:"launcher_downloads_v1"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// Size heuristics used before the real size of a file is known.
	AverageFileSize    int64 `envconfig:"AVERAGE_FILE_SIZE" default:"5242880"`
	SingleDownloadSize int64 `envconfig:"SINGLE_DOWNLOAD_SIZE" default:"104857600"`

	CompletedRetention time.Duration `envconfig:"COMPLETED_RETENTION" default:"360h"`
	ErrorRetention     time.Duration `envconfig:"ERROR_RETENTION" default:"168h"`

	SuccessNotificationGrace time.Duration `envconfig:"SUCCESS_NOTIFICATION_GRACE" default:"3s"`
	GroupNotificationGrace   time.Duration `envconfig:"GROUP_NOTIFICATION_GRACE" default:"5s"`
	GroupCleanupDelay        time.Duration `envconfig:"GROUP_CLEANUP_DELAY" default:"10s"`
	ProgressPersistInterval  time.Duration `envconfig:"PROGRESS_PERSIST_INTERVAL" default:"2s"`
	ProgressReportInterval   int64         `envconfig:"PROGRESS_REPORT_INTERVAL" default:"262144"`
	HTTPTimeout              time.Duration `envconfig:"HTTP_TIMEOUT" default:"30m"`

	ActiveProfile     string `envconfig:"ACTIVE_PROFILE"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	PutioBaseURL string `envconfig:"PUTIO_BASE_URL"`
	PutioToken   string `envconfig:"PUTIO_TOKEN"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"launcher_downloads"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	if c.AverageFileSize <= 0 {
		return fmt.Errorf("AVERAGE_FILE_SIZE must be positive, got %d", c.AverageFileSize)
	}

	if c.SingleDownloadSize <= 0 {
		return fmt.Errorf("SINGLE_DOWNLOAD_SIZE must be positive, got %d", c.SingleDownloadSize)
	}

	if c.ProgressReportInterval <= 0 {
		return fmt.Errorf("PROGRESS_REPORT_INTERVAL must be positive, got %d", c.ProgressReportInterval)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
