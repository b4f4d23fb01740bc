package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/record"
	"github.com/ecovision/trapsync/internal/state"
)

// Session is one recording run: a directory of crops plus a metadata file,
// registered in the state database under a UUID.
type Session struct {
	ID        string
	Name      string
	Dir       string
	StartedAt time.Time
	Recorder  *record.Recorder
}

// Manager starts and ends recording sessions.
type Manager struct {
	logger      *logger.Logger
	stateMgr    *state.Manager
	sessionsDir string
}

// NewManager creates a session manager writing under sessionsDir.
func NewManager(sessionsDir string, stateMgr *state.Manager, log *logger.Logger) *Manager {
	return &Manager{
		logger:      log,
		stateMgr:    stateMgr,
		sessionsDir: sessionsDir,
	}
}

// Begin opens a new session: registers it in state and creates its recorder.
func (m *Manager) Begin(ctx context.Context) (*Session, error) {
	startedAt := time.Now()
	name := record.SessionDirName(startedAt)
	dir := filepath.Join(m.sessionsDir, name)
	id := uuid.New().String()

	if err := m.stateMgr.CreateSession(ctx, state.SessionRecord{
		ID:        id,
		DataDir:   dir,
		StartedAt: startedAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	recorder, err := record.NewRecorder(record.RecorderConfig{
		Dir:       dir,
		SessionID: id,
		Registry:  m.stateMgr,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	m.logger.Info("Session started", "session_id", id, "dir", dir)

	return &Session{
		ID:        id,
		Name:      name,
		Dir:       dir,
		StartedAt: startedAt,
		Recorder:  recorder,
	}, nil
}

// End closes a session's recorder and stamps its end time.
func (m *Manager) End(ctx context.Context, s *Session) error {
	if err := s.Recorder.Close(); err != nil {
		m.logger.Warn("Failed to close recorder cleanly", "session_id", s.ID, "error", err)
	}

	if err := m.stateMgr.EndSession(ctx, s.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	m.logger.Info("Session ended", "session_id", s.ID)
	return nil
}
