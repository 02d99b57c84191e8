package download

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drklauncher/launcher_downloads/internal/notifier"
)

func TestBridge_Texts(t *testing.T) {
	tests := []struct {
		name        string
		record      Record
		group       *GroupProgress
		wantPercent int
		wantText    string
	}{
		{
			name:        "leaf progress",
			record:      Record{ID: "x", Name: "mod.jar", Status: StatusDownloading, Progress: 42, Kind: KindSingle},
			wantPercent: 42,
			wantText:    "mod.jar - 42%",
		},
		{
			name:        "group progress",
			record:      Record{ID: "x", Name: "Survival", Status: StatusDownloading, Progress: 60, Kind: KindGroup},
			group:       &GroupProgress{Total: 5, Completed: 3},
			wantPercent: 60,
			wantText:    "Survival - 3/5 files",
		},
		{
			name:        "leaf completed",
			record:      Record{ID: "x", Name: "mod.jar", Status: StatusCompleted, Progress: 100, Kind: KindSingle},
			wantPercent: 100,
			wantText:    "mod.jar - Completed!",
		},
		{
			name:        "group completed",
			record:      Record{ID: "x", Name: "Survival", Status: StatusCompleted, Progress: 100, Kind: KindGroup},
			group:       &GroupProgress{Total: 5, Completed: 5},
			wantPercent: 100,
			wantText:    "Survival - Installation completed!",
		},
		{
			name:        "error",
			record:      Record{ID: "x", Name: "mod.jar", Status: StatusError, Progress: 30, Kind: KindSingle, Error: "connection reset"},
			wantPercent: 30,
			wantText:    "mod.jar - Error: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			n := &fakeNotifier{}
			b := NewBridge(n, time.Hour, time.Hour)
			defer b.Close()

			b.Bind(ctx, "x", tt.record.Name, "starting")
			b.Sync(ctx, tt.record, tt.group)

			got, ok := n.lastUpdate()
			require.True(t, ok)
			assert.Equal(t, notifier.Handle("h1"), got.handle)
			assert.Equal(t, tt.wantPercent, got.percent)
			assert.Equal(t, tt.wantText, got.message)
		})
	}
}

func TestBridge_SkipsRedundantUpdates(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Hour, time.Hour)

	r := Record{ID: "x", Name: "mod.jar", Status: StatusDownloading, Progress: 10}

	b.Bind(ctx, "x", r.Name, "starting")
	b.Sync(ctx, r, nil)
	b.Sync(ctx, r, nil)

	r.Progress = 11
	b.Sync(ctx, r, nil)

	assert.Len(t, n.updates, 2)
}

func TestBridge_IgnoresMembersAndUnbound(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Hour, time.Hour)

	b.Sync(ctx, Record{ID: "m", Kind: KindMember, Status: StatusCompleted}, nil)
	b.Sync(ctx, Record{ID: "u", Kind: KindSingle, Status: StatusDownloading, Progress: 50}, nil)

	assert.Zero(t, n.shownCount())
	assert.Empty(t, n.updates)
}

func TestBridge_SuccessIsDismissedAfterGrace(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, 20*time.Millisecond, time.Hour)
	defer b.Close()

	b.Bind(ctx, "x", "mod.jar", "starting")
	b.Sync(ctx, Record{ID: "x", Name: "mod.jar", Status: StatusCompleted, Kind: KindSingle}, nil)

	assert.True(t, b.Bound("x"))

	require.Eventually(t, func() bool { return n.dismissedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, b.Bound("x"))
}

func TestBridge_GroupUsesGroupGrace(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Hour, 20*time.Millisecond)
	defer b.Close()

	b.Bind(ctx, "g", "Survival", "starting")
	b.Sync(ctx, Record{ID: "g", Name: "Survival", Status: StatusCompleted, Kind: KindGroup}, &GroupProgress{Total: 1, Completed: 1})

	require.Eventually(t, func() bool { return n.dismissedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_ErrorStaysUntilDismissed(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Millisecond, time.Millisecond)
	defer b.Close()

	b.Bind(ctx, "x", "mod.jar", "starting")
	b.Sync(ctx, Record{ID: "x", Name: "mod.jar", Status: StatusError, Error: "boom"}, nil)

	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, n.dismissedCount())
	assert.False(t, b.Bound("x"))
}

func TestBridge_OneShotForUnboundTerminal(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Hour, time.Hour)

	b.Sync(ctx, Record{ID: "x", Name: "mod.jar", Status: StatusCompleted, Kind: KindSingle}, nil)
	b.Sync(ctx, Record{ID: "y", Name: "pack.zip", Status: StatusError, Kind: KindSingle, Error: "404"}, nil)

	require.Len(t, n.shown, 2)
	assert.Equal(t, notifier.KindSuccess, n.shown[0].Kind)
	assert.Equal(t, "mod.jar - Completed!", n.shown[0].Message)
	assert.Equal(t, notifier.KindError, n.shown[1].Kind)
	assert.Equal(t, "pack.zip - Error: 404", n.shown[1].Message)
}

func TestBridge_ShowFailureLeavesUnbound(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{showErr: errDiskFull}
	b := NewBridge(n, time.Hour, time.Hour)

	b.Bind(ctx, "x", "mod.jar", "starting")

	assert.False(t, b.Bound("x"))
}

func TestBridge_UnbindDismisses(t *testing.T) {
	ctx := context.Background()
	n := &fakeNotifier{}
	b := NewBridge(n, time.Hour, time.Hour)

	b.Bind(ctx, "x", "mod.jar", "starting")
	b.Unbind(ctx, "x")
	b.Unbind(ctx, "x")

	assert.Equal(t, 1, n.dismissedCount())
}
