package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/drklauncher/launcher_downloads/internal/storage"
)

// BlobRepository implements storage.BlobStore on top of the blobs table.
type BlobRepository struct {
	db *sql.DB
}

func NewBlobRepository(dbConn *sql.DB) *BlobRepository {
	return &BlobRepository{db: dbConn}
}

func (r *BlobRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := r.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, &storage.PersistenceError{Operation: "get", Key: key, Err: err}
	}

	return value, true, nil
}

func (r *BlobRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return &storage.PersistenceError{Operation: "set", Key: key, Err: err}
	}

	return nil
}
