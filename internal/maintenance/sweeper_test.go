package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"api-guard/internal/abuse"
	"api-guard/internal/clock"
	"api-guard/internal/ratelimit"
	"api-guard/internal/storage"
	"api-guard/internal/testutil"
)

var sweepStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSweeper(store *testutil.MockStorage, fake *clock.Fake, config Config) (*Sweeper, *ratelimit.WindowStore, *abuse.PatternTracker) {
	windows := ratelimit.NewWindowStore(time.Hour, fake)
	tracker := abuse.NewPatternTracker(abuse.DefaultTrackerConfig(), fake)
	return NewSweeper(store, windows, tracker, fake, config), windows, tracker
}

func TestSweeper_DeactivatesExpiredBlocks(t *testing.T) {
	fake := clock.NewFake(sweepStart)
	store := testutil.NewMockStorage()
	sweeper, _, _ := newTestSweeper(store, fake, Config{})

	expired := testutil.AppBlock("10.0.0.1", sweepStart, 15*time.Minute)
	live := testutil.AppBlock("10.0.0.2", sweepStart, 2*time.Hour)
	firewall := testutil.FirewallBlock("10.0.0.3", sweepStart)
	require.NoError(t, store.CreateBlock(context.Background(), expired))
	require.NoError(t, store.CreateBlock(context.Background(), live))
	require.NoError(t, store.CreateBlock(context.Background(), firewall))

	fake.Advance(30 * time.Minute)
	sweeper.RunOnce()

	got, err := store.GetBlock(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	got, err = store.GetBlock(context.Background(), live.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	got, err = store.GetBlock(context.Background(), firewall.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive, "firewall blocks never expire")
}

func TestSweeper_EvictsIdleMemoryState(t *testing.T) {
	fake := clock.NewFake(sweepStart)
	store := testutil.NewMockStorage()
	sweeper, windows, tracker := newTestSweeper(store, fake, Config{})

	windows.Consume("ip:10.0.0.1", 100)
	tracker.Record("10.0.0.1", "curl/8.0", false)
	require.Equal(t, 1, windows.Len())

	fake.Advance(2 * time.Hour)
	sweeper.RunOnce()

	assert.Equal(t, 0, windows.Len())
}

func TestSweeper_StoreErrorDoesNotPanic(t *testing.T) {
	fake := clock.NewFake(sweepStart)
	store := testutil.NewMockStorage()
	store.ErrorOnMethod["DeactivateExpiredBlocks"] = fmt.Errorf("connection refused")
	sweeper, _, _ := newTestSweeper(store, fake, Config{})

	assert.NotPanics(t, sweeper.RunOnce)
}

func TestSweeper_LogTrim(t *testing.T) {
	fake := clock.NewFake(sweepStart)
	store := testutil.NewMockStorage()
	sweeper, _, _ := newTestSweeper(store, fake, Config{LogRetention: 30 * 24 * time.Hour})

	old := &storage.RequestLog{ID: uuid.NewString(), Method: "GET", Path: "/v1",
		IP: "10.0.0.1", Tier: "anonymous", CreatedAt: sweepStart.Add(-31 * 24 * time.Hour)}
	recent := &storage.RequestLog{ID: uuid.NewString(), Method: "GET", Path: "/v1",
		IP: "10.0.0.1", Tier: "anonymous", CreatedAt: sweepStart.Add(-time.Hour)}
	require.NoError(t, store.CreateRequestLog(context.Background(), old))
	require.NoError(t, store.CreateRequestLog(context.Background(), recent))

	sweeper.runLogTrim()

	assert.Equal(t, 1, store.LogCount())
	logs, _, err := store.ListRequestLogs(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, recent.ID, logs[0].ID)
}

func TestSweeper_StartAndStop(t *testing.T) {
	store := testutil.NewMockStorage()
	sweeper, _, _ := newTestSweeper(store, clock.NewFake(sweepStart), Config{
		SweepInterval: time.Minute,
		LogRetention:  24 * time.Hour,
	})

	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
