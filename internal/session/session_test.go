package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
)

func setupSessionManager(t *testing.T) (*Manager, *state.Manager) {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(filepath.Join(dir, "db", "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { stateMgr.Close() })

	return NewManager(filepath.Join(dir, "sessions"), stateMgr, log), stateMgr
}

func TestBeginCreatesSession(t *testing.T) {
	mgr, stateMgr := setupSessionManager(t)
	ctx := context.Background()

	sess, err := mgr.Begin(ctx)
	require.NoError(t, err)
	defer sess.Recorder.Close()

	assert.NotEmpty(t, sess.ID)
	assert.DirExists(t, sess.Dir)
	assert.Equal(t, sess.Name, filepath.Base(sess.Dir))

	// metadata file is created immediately with its header
	metaPath := filepath.Join(sess.Dir, sess.Name+"_metadata.csv")
	info, err := os.Stat(metaPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	record, err := stateMgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, sess.Dir, record.DataDir)
	assert.Nil(t, record.EndedAt)
}

func TestEndStampsSession(t *testing.T) {
	mgr, stateMgr := setupSessionManager(t)
	ctx := context.Background()

	sess, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.End(ctx, sess))

	record, err := stateMgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotNil(t, record.EndedAt)
}

func TestSessionsGetDistinctIDs(t *testing.T) {
	mgr, _ := setupSessionManager(t)
	ctx := context.Background()

	first, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.End(ctx, first))

	second, err := mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.End(ctx, second))

	assert.NotEqual(t, first.ID, second.ID)
}
