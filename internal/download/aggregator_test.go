package download

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedGroup builds a running group with the given member totals, all downloading.
func seedGroup(t *testing.T, store *Store, start time.Time, totals ...int64) (string, []string) {
	t.Helper()

	ctx := context.Background()
	groupID := "instance_test"

	var members []string

	store.update(ctx, func(w *tx) {
		w.groups[groupID] = &GroupProgress{Total: len(totals)}
		w.put(Record{ID: groupID, Status: StatusDownloading, Kind: KindGroup, StartTime: start})

		for i, total := range totals {
			id := string(rune('a'+i)) + ".jar"
			w.put(Record{ID: id, Status: StatusDownloading, Kind: KindMember, GroupID: groupID, TotalBytes: total, StartTime: start})
			w.groups[groupID].Members = append(w.groups[groupID].Members, id)
		}
	})

	for i := range totals {
		members = append(members, string(rune('a'+i))+".jar")
	}

	return groupID, members
}

func TestAggregator_GroupIsSumOfMembers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 1000, 3000, 500)

	clock.Advance(10 * time.Second)

	events := []struct {
		id       string
		fraction float64
	}{
		{members[0], 0.3},
		{members[1], 0.1},
		{members[0], 0.9},
		{members[2], 1},
		{members[1], 0.55},
	}

	for _, ev := range events {
		touched := agg.OnLeafProgress(ctx, ev.id, ev.fraction)
		assert.Equal(t, []string{ev.id, groupID}, touched)

		group, _ := store.Get(groupID)

		var downloaded int64
		for _, id := range members {
			m, _ := store.Get(id)
			downloaded += m.DownloadedBytes
		}

		require.Equal(t, downloaded, group.DownloadedBytes)
		require.Equal(t, int64(4500), group.TotalBytes)
		require.Equal(t, percentOf(group.DownloadedBytes, group.TotalBytes), group.Progress)
	}

	group, _ := store.Get(groupID)
	assert.Equal(t, int64(900+1650+500), group.DownloadedBytes)
	assert.Equal(t, 68, group.Progress)
	assert.InDelta(t, 305.0, group.Speed, 0.001)
}

func TestAggregator_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 1000, 1000)
	clock.Advance(time.Second)

	agg.OnLeafProgress(ctx, members[0], 0.4)
	leafOnce, _ := store.Get(members[0])
	groupOnce, _ := store.Get(groupID)

	agg.OnLeafProgress(ctx, members[0], 0.4)
	leafTwice, _ := store.Get(members[0])
	groupTwice, _ := store.Get(groupID)

	assert.Equal(t, leafOnce, leafTwice)
	assert.Equal(t, groupOnce, groupTwice)
}

func TestAggregator_OutOfOrderProgressDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 1000)

	agg.OnLeafProgress(ctx, members[0], 0.8)
	agg.OnLeafProgress(ctx, members[0], 0.2)

	leaf, _ := store.Get(members[0])
	group, _ := store.Get(groupID)

	assert.Equal(t, int64(800), leaf.DownloadedBytes)
	assert.Equal(t, int64(800), group.DownloadedBytes)
}

func TestAggregator_FractionEdges(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		want     int64
		progress int
	}{
		{"negative clamps to zero", -0.5, 0, 0},
		{"above one clamps to total", 1.7, 1000, 100},
		{"rounds half away from zero", 0.0625, 63, 6},
		{"exact", 0.25, 250, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := NewStore(nil, StoreConfig{Now: clock.Now})
			agg := NewAggregator(store, clock.Now)

			_, members := seedGroup(t, store, clock.Now(), 1000)

			agg.OnLeafProgress(ctx, members[0], tt.fraction)

			leaf, _ := store.Get(members[0])
			assert.Equal(t, tt.want, leaf.DownloadedBytes)
			assert.Equal(t, tt.progress, leaf.Progress)
		})
	}
}

func TestAggregator_IgnoredEvents(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 1000)

	assert.Nil(t, agg.OnLeafProgress(ctx, "unknown", 0.5), "unknown id")
	assert.Nil(t, agg.OnLeafProgress(ctx, groupID, 0.5), "group id")
	assert.Nil(t, agg.OnLeafProgress(ctx, members[0], math.NaN()), "NaN")

	store.Mutate(ctx, members[0], func(r *Record) { r.Status = StatusPaused })
	assert.Nil(t, agg.OnLeafProgress(ctx, members[0], 0.5), "paused leaf")

	leaf, _ := store.Get(members[0])
	assert.Zero(t, leaf.DownloadedBytes)
}

func TestAggregator_ZeroTotalReportsZeroPercent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 0)

	agg.OnLeafProgress(ctx, members[0], 0.5)

	group, _ := store.Get(groupID)
	assert.Zero(t, group.Progress)
	assert.Zero(t, group.TotalBytes)
}

func TestAggregator_FinishedGroupIsFrozen(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(nil, StoreConfig{Now: clock.Now})
	agg := NewAggregator(store, clock.Now)

	groupID, members := seedGroup(t, store, clock.Now(), 1000, 1000)

	store.Mutate(ctx, groupID, func(r *Record) {
		r.Status = StatusError
		r.Progress = 10
	})

	touched := agg.OnLeafProgress(ctx, members[1], 0.5)
	assert.Equal(t, []string{members[1]}, touched)

	group, _ := store.Get(groupID)
	assert.Equal(t, 10, group.Progress)
}
