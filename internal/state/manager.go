package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
)

// SessionRecord describes one recording session.
type SessionRecord struct {
	ID        string
	DataDir   string
	StartedAt time.Time
	EndedAt   *time.Time
}

// CropEntry describes one persisted crop file.
type CropEntry struct {
	ID         int64
	SessionID  string
	TrackID    int
	Label      string
	Confidence float64
	Sequence   uint64
	Path       string
	SizeBytes  int64
	CreatedAt  time.Time
}

// CropTotals aggregates the crop registry.
type CropTotals struct {
	Count      int
	TotalBytes int64
}

// Manager provides typed access to the state database.
type Manager struct {
	db     *Database
	logger *logger.Logger
}

// NewManager creates a state manager on top of the given database path.
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB exposes the raw connection for components that need direct queries.
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// CreateSession registers a new recording session.
func (m *Manager) CreateSession(ctx context.Context, session SessionRecord) error {
	query := `INSERT INTO sessions (id, data_dir, started_at) VALUES (?, ?, ?)`
	if _, err := m.db.GetDB().ExecContext(ctx, query, session.ID, session.DataDir, session.StartedAt); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// EndSession records the end time of a session.
func (m *Manager) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	query := `UPDATE sessions SET ended_at = ? WHERE id = ?`
	if _, err := m.db.GetDB().ExecContext(ctx, query, endedAt, sessionID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// GetSession returns one session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := `SELECT id, data_dir, started_at, ended_at FROM sessions WHERE id = ?`

	var s SessionRecord
	var endedAt sql.NullTime
	err := m.db.GetDB().QueryRowContext(ctx, query, sessionID).Scan(&s.ID, &s.DataDir, &s.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

// ListSessions returns sessions ordered oldest first.
func (m *Manager) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	query := `SELECT id, data_dir, started_at, ended_at FROM sessions ORDER BY started_at ASC`

	rows, err := m.db.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var s SessionRecord
		var endedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.DataDir, &s.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SaveCropEntry registers a persisted crop file.
func (m *Manager) SaveCropEntry(ctx context.Context, entry CropEntry) error {
	query := `
		INSERT INTO crops (session_id, track_id, label, confidence, sequence, path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		entry.SessionID, entry.TrackID, entry.Label, entry.Confidence,
		entry.Sequence, entry.Path, entry.SizeBytes, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save crop entry: %w", err)
	}
	return nil
}

// ListRecentCrops returns the newest crop entries, newest first.
func (m *Manager) ListRecentCrops(ctx context.Context, limit int) ([]CropEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, track_id, label, confidence, sequence, path, size_bytes, created_at
		FROM crops ORDER BY id DESC LIMIT ?
	`
	return m.queryCrops(ctx, query, limit)
}

// ListTrackCrops returns all crops of one track within a session, oldest first.
func (m *Manager) ListTrackCrops(ctx context.Context, sessionID string, trackID int) ([]CropEntry, error) {
	query := `
		SELECT id, session_id, track_id, label, confidence, sequence, path, size_bytes, created_at
		FROM crops WHERE session_id = ? AND track_id = ? ORDER BY id ASC
	`
	return m.queryCrops(ctx, query, sessionID, trackID)
}

// ListSessionCrops returns all crops of a session, oldest first.
func (m *Manager) ListSessionCrops(ctx context.Context, sessionID string) ([]CropEntry, error) {
	query := `
		SELECT id, session_id, track_id, label, confidence, sequence, path, size_bytes, created_at
		FROM crops WHERE session_id = ? ORDER BY id ASC
	`
	return m.queryCrops(ctx, query, sessionID)
}

// ListTrackIDs returns the distinct track IDs recorded in a session.
func (m *Manager) ListTrackIDs(ctx context.Context, sessionID string) ([]int, error) {
	query := `SELECT DISTINCT track_id FROM crops WHERE session_id = ? ORDER BY track_id ASC`

	rows, err := m.db.GetDB().QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list track IDs: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan track ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSessionCrops removes the crop registry rows of a session.
func (m *Manager) DeleteSessionCrops(ctx context.Context, sessionID string) error {
	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM crops WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session crops: %w", err)
	}
	return nil
}

// DeleteSession removes a session row.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetCropTotals returns count and total size across the crop registry.
func (m *Manager) GetCropTotals(ctx context.Context) (*CropTotals, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM crops`

	var totals CropTotals
	if err := m.db.GetDB().QueryRowContext(ctx, query).Scan(&totals.Count, &totals.TotalBytes); err != nil {
		return nil, fmt.Errorf("failed to get crop totals: %w", err)
	}
	return &totals, nil
}

// SetSystemState stores a key/value pair in the system state table.
func (m *Manager) SetSystemState(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := m.db.GetDB().ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set system state: %w", err)
	}
	return nil
}

// GetSystemState reads a value from the system state table.
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}
	return value, nil
}

// queryCrops runs a crop query and scans the rows.
func (m *Manager) queryCrops(ctx context.Context, query string, args ...interface{}) ([]CropEntry, error) {
	rows, err := m.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crops: %w", err)
	}
	defer rows.Close()

	var entries []CropEntry
	for rows.Next() {
		var e CropEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TrackID, &e.Label, &e.Confidence,
			&e.Sequence, &e.Path, &e.SizeBytes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan crop entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
