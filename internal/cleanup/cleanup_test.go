package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type rec struct {
	id     string
	status string
	end    time.Time
}

func describe(r rec) (string, string, time.Time) {
	return r.id, r.status, r.end
}

func TestPolicy_Expired(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	p := DefaultPolicy()

	tests := []struct {
		name   string
		status string
		end    time.Time
		want   bool
	}{
		{"completed 16 days ago", StatusCompleted, now.Add(-16 * day), true},
		{"completed 14 days ago", StatusCompleted, now.Add(-14 * day), false},
		{"error 8 days ago", StatusError, now.Add(-8 * day), true},
		{"error 6 days ago", StatusError, now.Add(-6 * day), false},
		{"downloading ancient", "downloading", now.Add(-100 * day), false},
		{"paused ancient", "paused", now.Add(-100 * day), false},
		{"pending ancient", "pending", now.Add(-100 * day), false},
		{"completed without end time", StatusCompleted, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Expired(tt.status, tt.end, now))
		})
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	day := 24 * time.Hour

	records := []rec{
		{"a", StatusCompleted, now.Add(-16 * day)},
		{"b", StatusCompleted, now.Add(-14 * day)},
		{"c", StatusError, now.Add(-8 * day)},
		{"d", "downloading", time.Time{}},
		{"e", StatusError, now.Add(-time.Hour)},
	}

	kept, removed := SweepExpired(context.Background(), records, DefaultPolicy(), now, describe)

	assert.Equal(t, 2, removed)

	ids := make([]string, 0, len(kept))
	for _, r := range kept {
		ids = append(ids, r.id)
	}

	assert.Equal(t, []string{"b", "d", "e"}, ids)
}

func TestSweepExpired_Empty(t *testing.T) {
	kept, removed := SweepExpired(context.Background(), nil, DefaultPolicy(), time.Now(), describe)

	assert.Empty(t, kept)
	assert.Zero(t, removed)
}
