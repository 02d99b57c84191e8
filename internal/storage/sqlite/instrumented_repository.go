package sqlite

import (
	"context"
	"database/sql"

	"github.com/drklauncher/launcher_downloads/internal/telemetry"
)

// InstrumentedBlobRepository wraps BlobRepository with telemetry.
type InstrumentedBlobRepository struct {
	repo      *BlobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedBlobRepository creates a new instrumented blob repository.
func NewInstrumentedBlobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedBlobRepository {
	return &InstrumentedBlobRepository{
		repo:      NewBlobRepository(dbConn),
		telemetry: tel,
	}
}

// Get reads a blob with telemetry.
func (r *InstrumentedBlobRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := r.telemetry.InstrumentStoreOperation(ctx, "get", func(ctx context.Context) error {
		var err error

		value, found, err = r.repo.Get(ctx, key)

		return err
	})
	if err != nil {
		return "", false, err
	}

	return value, found, nil
}

// Set writes a blob with telemetry.
func (r *InstrumentedBlobRepository) Set(ctx context.Context, key, value string) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "set", func(ctx context.Context) error {
		return r.repo.Set(ctx, key, value)
	})
}
