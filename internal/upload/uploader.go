package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/state"
)

const timestampLayout = "2006-01-02T15:04:05.000000"

// Uploader sends one track's crops and time window to the remote
// classification endpoint.
type Uploader struct {
	endpoint   string
	token      string
	httpClient *http.Client
	stateMgr   *state.Manager
	logger     *logger.Logger
}

// UploaderConfig contains uploader configuration. Token falls back to the
// API_TOKEN environment variable.
type UploaderConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// NewUploader creates an uploader over the crop registry.
func NewUploader(config UploaderConfig, stateMgr *state.Manager, log *logger.Logger) *Uploader {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	token := config.Token
	if token == "" {
		token = os.Getenv("API_TOKEN")
	}

	return &Uploader{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		stateMgr: stateMgr,
		logger:   log,
	}
}

// SendTrack uploads all crops of one track together with the track's
// observation window. A track with no recorded crops is a no-op.
func (u *Uploader) SendTrack(ctx context.Context, sessionID string, trackID int) error {
	entries, err := u.stateMgr.ListTrackCrops(ctx, sessionID, trackID)
	if err != nil {
		return fmt.Errorf("failed to list track crops: %w", err)
	}
	if len(entries) == 0 {
		u.logger.Debug("No crops recorded for track, skipping upload", "track_id", trackID)
		return nil
	}

	start := entries[0].CreatedAt
	end := entries[0].CreatedAt
	for _, e := range entries[1:] {
		if e.CreatedAt.Before(start) {
			start = e.CreatedAt
		}
		if e.CreatedAt.After(end) {
			end = e.CreatedAt
		}
	}
	duration := int(end.Sub(start).Seconds())

	body, contentType, err := u.buildMultipart(entries, start, end, duration)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/classify/%d", u.endpoint, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, string(respBody))
	}

	u.logger.Info("Track uploaded",
		"track_id", trackID,
		"files", len(entries),
		"duration_s", duration,
	)
	return nil
}

// SendSession uploads every track recorded in the session. Individual track
// failures are logged and counted, not fatal for the remaining tracks.
func (u *Uploader) SendSession(ctx context.Context, sessionID string) error {
	trackIDs, err := u.stateMgr.ListTrackIDs(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}

	failed := 0
	for _, trackID := range trackIDs {
		if err := u.SendTrack(ctx, sessionID, trackID); err != nil {
			u.logger.Warn("Track upload failed", "track_id", trackID, "error", err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d track uploads failed", failed, len(trackIDs))
	}
	return nil
}

// buildMultipart assembles the form: the observation window fields plus one
// file part per crop.
func (u *Uploader) buildMultipart(entries []state.CropEntry, start, end time.Time, duration int) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"start_date": start.Format(timestampLayout),
		"end_date":   end.Format(timestampLayout),
		"duration_s": strconv.Itoa(duration),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}

	for _, entry := range entries {
		file, err := os.Open(entry.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open crop file: %w", err)
		}

		part, err := writer.CreateFormFile("files", filepath.Base(entry.Path))
		if err != nil {
			file.Close()
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			file.Close()
			return nil, "", fmt.Errorf("failed to copy crop data: %w", err)
		}
		file.Close()
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
