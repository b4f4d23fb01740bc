package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
)

// DiskChecker reports recording filesystem pressure for retention
// decisions. DiskMonitor implements it.
type DiskChecker interface {
	OverLimit(ctx context.Context) (bool, error)
	Invalidate()
}

// RetentionPolicy ages out recorded sessions. The trap records unattended
// for weeks, so finished sessions are deleted once they exceed the
// retention period, and the oldest ones go early when the disk fills up.
type RetentionPolicy struct {
	retentionDays int
	diskMonitor   DiskChecker
	stateMgr      *state.Manager
	logger        *logger.Logger
	mu            sync.Mutex
	enforcing     bool
}

// NewRetentionPolicy creates a retention policy over the session registry
func NewRetentionPolicy(retentionDays int, diskMonitor DiskChecker, stateMgr *state.Manager, log *logger.Logger) *RetentionPolicy {
	if retentionDays <= 0 {
		retentionDays = 14
	}

	return &RetentionPolicy{
		retentionDays: retentionDays,
		diskMonitor:   diskMonitor,
		stateMgr:      stateMgr,
		logger:        log,
	}
}

// Enforce deletes expired sessions, then keeps deleting the oldest finished
// sessions while the disk stays over its usage limit
func (r *RetentionPolicy) Enforce(ctx context.Context, activeSessionID string) error {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return fmt.Errorf("retention policy is already being enforced")
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	if err := r.deleteExpiredSessions(ctx, activeSessionID); err != nil {
		r.logger.Warn("Failed to delete expired sessions", "error", err)
	}

	if err := r.freeDiskSpace(ctx, activeSessionID); err != nil {
		r.logger.Warn("Failed to free disk space", "error", err)
	}

	return nil
}

// deleteExpiredSessions removes sessions older than the retention period
func (r *RetentionPolicy) deleteExpiredSessions(ctx context.Context, activeSessionID string) error {
	expiration := time.Now().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)

	sessions, err := r.stateMgr.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	deleted := 0
	for _, s := range sessions {
		if s.ID == activeSessionID || s.EndedAt == nil {
			continue
		}
		if s.EndedAt.Before(expiration) {
			if err := r.deleteSession(ctx, s); err != nil {
				r.logger.Warn("Failed to delete expired session", "session_id", s.ID, "error", err)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		r.logger.Info("Deleted expired sessions", "count", deleted)
	}
	return nil
}

// freeDiskSpace deletes the oldest finished sessions while over the limit
func (r *RetentionPolicy) freeDiskSpace(ctx context.Context, activeSessionID string) error {
	// expired sessions may just have been removed, measure fresh
	r.diskMonitor.Invalidate()

	over, err := r.diskMonitor.OverLimit(ctx)
	if err != nil {
		return fmt.Errorf("failed to check disk usage: %w", err)
	}
	if !over {
		return nil
	}

	sessions, err := r.stateMgr.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, s := range sessions { // oldest first
		if s.ID == activeSessionID || s.EndedAt == nil {
			continue
		}

		if err := r.deleteSession(ctx, s); err != nil {
			r.logger.Warn("Failed to delete session under disk pressure", "session_id", s.ID, "error", err)
			continue
		}
		r.logger.Warn("Deleted session under disk pressure", "session_id", s.ID, "dir", s.DataDir)

		// the cached sample predates the deletion, it would keep the
		// loop running until every finished session is gone
		r.diskMonitor.Invalidate()
		over, err = r.diskMonitor.OverLimit(ctx)
		if err != nil {
			return fmt.Errorf("failed to re-check disk usage: %w", err)
		}
		if !over {
			return nil
		}
	}

	if over {
		r.logger.Error("Disk still over limit after deleting all finished sessions")
	}
	return nil
}

// deleteSession removes a session's directory and its registry rows
func (r *RetentionPolicy) deleteSession(ctx context.Context, s state.SessionRecord) error {
	if err := os.RemoveAll(s.DataDir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	if err := r.stateMgr.DeleteSessionCrops(ctx, s.ID); err != nil {
		return err
	}
	return r.stateMgr.DeleteSession(ctx, s.ID)
}
