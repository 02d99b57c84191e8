package download

import (
	"context"
	"math"
	"time"
)

// Aggregator folds leaf progress into the leaf record and every group containing it.
// Group figures are always re-summed from the current member records, never accumulated,
// so duplicated or reordered events cannot make them drift.
type Aggregator struct {
	store *Store
	now   func() time.Time
}

func NewAggregator(store *Store, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}

	return &Aggregator{store: store, now: now}
}

// OnLeafProgress records fraction for leafID and recomputes its groups. It returns the
// ids of the records whose state changed, leaf first.
func (a *Aggregator) OnLeafProgress(ctx context.Context, leafID string, fraction float64) []string {
	var touched []string

	a.store.update(ctx, func(t *tx) {
		touched = a.applyProgress(t, leafID, fraction)
	})

	return touched
}

func (a *Aggregator) applyProgress(t *tx, leafID string, fraction float64) []string {
	leaf, ok := t.get(leafID)
	if !ok || leaf.IsGroup() || leaf.Status != StatusDownloading {
		return nil
	}

	if math.IsNaN(fraction) {
		return nil
	}

	fraction = min(max(fraction, 0), 1)
	now := a.now()

	// Progress never moves backwards while downloading; replays are no-ops.
	downloaded := max(int64(math.Round(float64(leaf.TotalBytes)*fraction)), leaf.DownloadedBytes)

	leaf.DownloadedBytes = downloaded
	leaf.Progress = percentOf(downloaded, leaf.TotalBytes)
	leaf.Speed = speedOf(downloaded, leaf.StartTime, now)
	t.put(leaf)

	return append([]string{leafID}, a.recomputeGroups(t, leafID, now)...)
}

// recomputeGroups re-sums every group whose member list contains leafID.
func (a *Aggregator) recomputeGroups(t *tx, leafID string, now time.Time) []string {
	var touched []string

	for _, groupID := range t.groupsContaining(leafID) {
		if a.recomputeGroup(t, groupID, now) {
			touched = append(touched, groupID)
		}
	}

	return touched
}

func (a *Aggregator) recomputeGroup(t *tx, groupID string, now time.Time) bool {
	group, ok := t.get(groupID)
	gp := t.group(groupID)

	// Finished groups are frozen; only the installer finishes a group.
	if !ok || gp == nil || group.Status.Terminal() {
		return false
	}

	var downloaded, total int64

	for _, memberID := range gp.Members {
		if m, ok := t.get(memberID); ok {
			downloaded += m.DownloadedBytes
			total += m.TotalBytes
		}
	}

	total = max(total, gp.estimatedBytes)

	group.DownloadedBytes = downloaded
	group.TotalBytes = total
	group.Progress = percentOf(downloaded, total)
	group.Speed = speedOf(downloaded, group.StartTime, now)
	t.put(group)

	return true
}
