package cleanup

import (
	"context"
	"time"

	"github.com/drklauncher/launcher_downloads/internal/logctx"
)

// Status values the retention policy cares about.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Policy is the age-based retention applied to finished history.
type Policy struct {
	CompletedRetention time.Duration
	ErrorRetention     time.Duration
}

// DefaultPolicy keeps completed records for 15 days and failed ones for 7.
func DefaultPolicy() Policy {
	return Policy{
		CompletedRetention: 15 * 24 * time.Hour,
		ErrorRetention:     7 * 24 * time.Hour,
	}
}

// Expired reports whether a record with the given status and end time is past retention.
// Records without an end time and any non-terminal status are never expired.
func (p Policy) Expired(status string, endTime time.Time, now time.Time) bool {
	if endTime.IsZero() {
		return false
	}

	switch status {
	case StatusCompleted:
		return now.Sub(endTime) > p.CompletedRetention
	case StatusError:
		return now.Sub(endTime) > p.ErrorRetention
	default:
		return false
	}
}

// SweepExpired returns the records of rs that survive the policy, in their original order,
// along with the number dropped.
func SweepExpired[T any](ctx context.Context, rs []T, p Policy, now time.Time, describe func(T) (id, status string, endTime time.Time)) ([]T, int) {
	logger := logctx.LoggerFromContext(ctx)

	kept := make([]T, 0, len(rs))

	for _, r := range rs {
		id, status, endTime := describe(r)

		if p.Expired(status, endTime, now) {
			logger.Debug("dropping expired download record", "download_id", id, "status", status, "ended_at", endTime)

			continue
		}

		kept = append(kept, r)
	}

	removed := len(rs) - len(kept)
	if removed > 0 {
		logger.Info("retention sweep removed records", "removed", removed, "kept", len(kept))
	}

	return kept, removed
}
