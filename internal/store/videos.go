// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"
)

// ProcessingStatus tracks where a video sits in the progressive pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusExtracting ProcessingStatus = "extracting"
	StatusCaptioning ProcessingStatus = "captioning"
	StatusAnalyzing  ProcessingStatus = "analyzing"
	StatusComplete   ProcessingStatus = "complete"
	StatusError      ProcessingStatus = "error"
)

// Video is the unit of ingestion.
type Video struct {
	VideoID         string
	Filename        string
	FilePath        string
	Duration        float64
	ThumbnailPath   string
	UploadTimestamp time.Time
	Status          ProcessingStatus
	DeletedAt       *time.Time
}

// UpsertVideo creates or refreshes a video row. The processing status of an
// existing row is preserved.
func (s *Store) UpsertVideo(ctx context.Context, v Video) error {
	if v.Status == "" {
		v.Status = StatusPending
	}
	if v.UploadTimestamp.IsZero() {
		v.UploadTimestamp = time.Now().UTC()
	}
	_, err := s.ExecuteUpdate(ctx, `
		INSERT INTO videos (video_id, filename, file_path, duration, thumbnail_path, upload_timestamp, processing_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			filename = excluded.filename,
			file_path = excluded.file_path,
			duration = excluded.duration,
			thumbnail_path = excluded.thumbnail_path`,
		v.VideoID, v.Filename, v.FilePath, v.Duration,
		nullable(v.ThumbnailPath), v.UploadTimestamp.Format(time.RFC3339), string(v.Status))
	return err
}

// GetVideo fetches a video by id; soft-deleted rows are excluded.
func (s *Store) GetVideo(ctx context.Context, videoID string) (*Video, error) {
	rows, err := s.ExecuteQuery(ctx, `
		SELECT video_id, filename, file_path, duration, thumbnail_path, upload_timestamp, processing_status, deleted_at
		FROM videos WHERE video_id = ? AND deleted_at IS NULL`, videoID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return videoFromRow(rows[0]), nil
}

// ListVideos returns non-deleted videos ordered by upload time, newest first.
func (s *Store) ListVideos(ctx context.Context, limit int) ([]Video, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ExecuteQuery(ctx, `
		SELECT video_id, filename, file_path, duration, thumbnail_path, upload_timestamp, processing_status, deleted_at
		FROM videos WHERE deleted_at IS NULL
		ORDER BY upload_timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Video, 0, len(rows))
	for _, r := range rows {
		out = append(out, *videoFromRow(r))
	}
	return out, nil
}

// UpdateProcessingStatus advances the pipeline status of a video. Only the
// progressive processor calls this.
func (s *Store) UpdateProcessingStatus(ctx context.Context, videoID string, status ProcessingStatus) error {
	n, err := s.ExecuteUpdate(ctx,
		"UPDATE videos SET processing_status = ? WHERE video_id = ?",
		string(status), videoID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteVideo marks a video deleted without removing rows. Physical
// removal happens through reconciliation after archival.
func (s *Store) SoftDeleteVideo(ctx context.Context, videoID string) error {
	n, err := s.ExecuteUpdate(ctx,
		"UPDATE videos SET deleted_at = ? WHERE video_id = ? AND deleted_at IS NULL",
		time.Now().UTC().Format(time.RFC3339), videoID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeVideo physically removes a soft-deleted video and its context rows.
// Lineage is retained for audit.
func (s *Store) PurgeVideo(ctx context.Context, videoID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM video_context WHERE video_id = ?", videoID); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, "DELETE FROM videos WHERE video_id = ? AND deleted_at IS NOT NULL", videoID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func videoFromRow(r Row) *Video {
	v := &Video{
		VideoID:  str(r["video_id"]),
		Filename: str(r["filename"]),
		FilePath: str(r["file_path"]),
		Status:   ProcessingStatus(str(r["processing_status"])),
	}
	if d, ok := r["duration"].(float64); ok {
		v.Duration = d
	}
	if tp := str(r["thumbnail_path"]); tp != "" {
		v.ThumbnailPath = tp
	}
	if ts, err := time.Parse(time.RFC3339, str(r["upload_timestamp"])); err == nil {
		v.UploadTimestamp = ts
	}
	if del := str(r["deleted_at"]); del != "" {
		if ts, err := time.Parse(time.RFC3339, del); err == nil {
			v.DeletedAt = &ts
		}
	}
	return v
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func nullable(s string) any {
	if s == "" {
		return sql.NullString{}
	}
	return s
}
