package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
)

func setupRetention(t *testing.T) (*RetentionPolicy, *state.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(filepath.Join(dir, "db", "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { stateMgr.Close() })

	// limit of 100% so only age-based expiry triggers
	monitor := NewDiskMonitor(dir, 100, log)
	policy := NewRetentionPolicy(14, monitor, stateMgr, log)
	return policy, stateMgr, dir
}

func addSession(t *testing.T, m *state.Manager, baseDir, id string, endedAgo time.Duration, ended bool) string {
	t.Helper()
	ctx := context.Background()
	sessionDir := filepath.Join(baseDir, "sessions", id)
	require.NoError(t, os.MkdirAll(sessionDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "x.jpg"), []byte("data"), 0644))

	require.NoError(t, m.CreateSession(ctx, state.SessionRecord{
		ID:        id,
		DataDir:   sessionDir,
		StartedAt: time.Now().Add(-endedAgo - time.Hour),
	}))
	if ended {
		require.NoError(t, m.EndSession(ctx, id, time.Now().Add(-endedAgo)))
	}
	return sessionDir
}

func TestEnforceDeletesExpiredSessions(t *testing.T) {
	policy, stateMgr, dir := setupRetention(t)
	ctx := context.Background()

	expiredDir := addSession(t, stateMgr, dir, "expired", 30*24*time.Hour, true)
	recentDir := addSession(t, stateMgr, dir, "recent", 2*24*time.Hour, true)
	runningDir := addSession(t, stateMgr, dir, "running", 0, false)

	require.NoError(t, policy.Enforce(ctx, "running"))

	assert.NoDirExists(t, expiredDir)
	assert.DirExists(t, recentDir)
	assert.DirExists(t, runningDir)

	expired, err := stateMgr.GetSession(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, expired)

	recent, err := stateMgr.GetSession(ctx, "recent")
	require.NoError(t, err)
	assert.NotNil(t, recent)
}

func TestEnforceSkipsActiveSession(t *testing.T) {
	policy, stateMgr, dir := setupRetention(t)
	ctx := context.Background()

	// ended long ago but still marked active, must survive
	activeDir := addSession(t, stateMgr, dir, "active", 30*24*time.Hour, true)

	require.NoError(t, policy.Enforce(ctx, "active"))

	assert.DirExists(t, activeDir)
	got, err := stateMgr.GetSession(ctx, "active")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestEnforceDeletesCropRows(t *testing.T) {
	policy, stateMgr, dir := setupRetention(t)
	ctx := context.Background()

	sessionDir := addSession(t, stateMgr, dir, "expired", 30*24*time.Hour, true)
	require.NoError(t, stateMgr.SaveCropEntry(ctx, state.CropEntry{
		SessionID: "expired",
		TrackID:   1,
		Label:     "insect",
		Path:      filepath.Join(sessionDir, "x.jpg"),
		SizeBytes: 4,
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	}))

	require.NoError(t, policy.Enforce(ctx, ""))

	crops, err := stateMgr.ListSessionCrops(ctx, "expired")
	require.NoError(t, err)
	assert.Empty(t, crops)
}

// fakeDiskChecker reports pressure until enough invalidated re-checks have
// happened, standing in for space freed by deletions.
type fakeDiskChecker struct {
	overChecks  int // checks that report over the limit before usage drops
	checks      int
	invalidated int
}

func (f *fakeDiskChecker) OverLimit(ctx context.Context) (bool, error) {
	f.checks++
	return f.checks <= f.overChecks, nil
}

func (f *fakeDiskChecker) Invalidate() { f.invalidated++ }

func TestFreeDiskSpaceStopsAtThreshold(t *testing.T) {
	dir := t.TempDir()
	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(filepath.Join(dir, "db", "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { stateMgr.Close() })

	// three finished sessions, none old enough to expire by age
	oldest := addSession(t, stateMgr, dir, "oldest", 3*24*time.Hour, true)
	middle := addSession(t, stateMgr, dir, "middle", 2*24*time.Hour, true)
	newest := addSession(t, stateMgr, dir, "newest", 1*24*time.Hour, true)

	// one deletion is enough to get back under the limit
	checker := &fakeDiskChecker{overChecks: 1}
	policy := NewRetentionPolicy(14, checker, stateMgr, log)

	require.NoError(t, policy.Enforce(context.Background(), ""))

	assert.NoDirExists(t, oldest)
	assert.DirExists(t, middle)
	assert.DirExists(t, newest)

	// the re-check after the deletion must not reuse a stale sample
	assert.GreaterOrEqual(t, checker.invalidated, 2)
	assert.Equal(t, 2, checker.checks)
}

func TestFreeDiskSpaceDeletesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(filepath.Join(dir, "db", "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { stateMgr.Close() })

	oldest := addSession(t, stateMgr, dir, "oldest", 3*24*time.Hour, true)
	middle := addSession(t, stateMgr, dir, "middle", 2*24*time.Hour, true)
	newest := addSession(t, stateMgr, dir, "newest", 1*24*time.Hour, true)

	// pressure clears only after two deletions
	checker := &fakeDiskChecker{overChecks: 2}
	policy := NewRetentionPolicy(14, checker, stateMgr, log)

	require.NoError(t, policy.Enforce(context.Background(), ""))

	assert.NoDirExists(t, oldest)
	assert.NoDirExists(t, middle)
	assert.DirExists(t, newest)
}

func TestDiskMonitorUsage(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80, logger.NewNopLogger())

	usage, err := monitor.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, int64(0))
	assert.GreaterOrEqual(t, usage.UsagePercent, 0.0)
	assert.LessOrEqual(t, usage.UsagePercent, 100.0)

	// second read comes from the cache and must agree
	cached, err := monitor.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, usage.TotalBytes, cached.TotalBytes)
}
