package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth returns process liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleStatus returns the pipeline counters and the latest telemetry.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"uptime":   time.Since(s.startTime).String(),
		"pipeline": s.pipeline.Stats(),
	}
	if s.sessionID != nil {
		resp["session_id"] = s.sessionID()
	}
	if s.collector != nil {
		resp["telemetry"] = s.collector.Collect(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

// handleListSessions returns all recorded sessions.
func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.stateMgr.ListSessions(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// handleListRecords returns the newest crop records.
func (s *Server) handleListRecords(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 1000"})
			return
		}
		limit = parsed
	}

	records, err := s.stateMgr.ListRecentCrops(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list records", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list records"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// handleUploadTrack triggers an upload of one track from the current
// session to the classification endpoint.
func (s *Server) handleUploadTrack(c *gin.Context) {
	if s.uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload is not configured"})
		return
	}

	trackID, err := strconv.Atoi(c.Param("track_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "track_id must be an integer"})
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" && s.sessionID != nil {
		sessionID = s.sessionID()
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no active session, pass session_id"})
		return
	}

	if err := s.uploader.SendTrack(c.Request.Context(), sessionID, trackID); err != nil {
		s.logger.Error("Track upload failed", "track_id", trackID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploaded": trackID, "session_id": sessionID})
}
