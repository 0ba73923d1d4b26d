// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// ContextRecord is one unit of analysis output about a video at a time
// offset. The Data column carries the JSON-serialized payload; in-memory
// payloads are the typed variants in internal/validate and convert exactly
// at this boundary.
type ContextRecord struct {
	ContextID        string
	VideoID          string
	ContextType      string
	Timestamp        float64
	Data             string // JSON payload
	ToolName         string
	ToolVersion      string
	ModelVersion     string
	ProcessingParams string // JSON
	CreatedAt        time.Time
}

// InsertContextRecords writes a batch of context records inside the given
// transaction using INSERT OR IGNORE, so replays with stable context ids
// do not duplicate. Returns the number of rows actually inserted.
func (t *Tx) InsertContextRecords(ctx context.Context, recs []ContextRecord) (int64, error) {
	var inserted int64
	for _, r := range recs {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		n, err := t.Exec(ctx, `
			INSERT OR IGNORE INTO video_context
			(context_id, video_id, context_type, timestamp, data, tool_name, tool_version, model_version, processing_params, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ContextID, r.VideoID, r.ContextType, r.Timestamp, r.Data,
			r.ToolName, r.ToolVersion, r.ModelVersion, r.ProcessingParams,
			created.Format(time.RFC3339))
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// CountContexts returns the row count for (video_id, context_type) inside
// the transaction. Used for the post-write advancement check.
func (t *Tx) CountContexts(ctx context.Context, videoID, contextType string) (int64, error) {
	var n int64
	err := t.QueryRow(ctx,
		"SELECT COUNT(*) FROM video_context WHERE video_id = ? AND context_type = ?",
		[]any{&n}, videoID, contextType)
	return n, err
}

// CountContextsByType returns row counts per context_type for a video.
func (s *Store) CountContextsByType(ctx context.Context, videoID string) (map[string]int64, error) {
	rows, err := s.ExecuteQuery(ctx, `
		SELECT context_type, COUNT(*) AS n
		FROM video_context WHERE video_id = ?
		GROUP BY context_type`, videoID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		if n, ok := r["n"].(int64); ok {
			out[str(r["context_type"])] = n
		}
	}
	return out, nil
}

// ContextsForVideo returns records for one video and type ordered by
// timestamp ascending. A zero limit returns everything.
func (s *Store) ContextsForVideo(ctx context.Context, videoID, contextType string, limit int) ([]ContextRecord, error) {
	q := `
		SELECT context_id, video_id, context_type, timestamp, data, tool_name, tool_version, model_version, processing_params, created_at
		FROM video_context WHERE video_id = ? AND context_type = ?
		ORDER BY timestamp ASC`
	args := []any{videoID, contextType}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.ExecuteQuery(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]ContextRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, contextFromRow(r))
	}
	return out, nil
}

// DeleteContexts removes every context record for a video in one
// transaction and returns the number removed.
func (s *Store) DeleteContexts(ctx context.Context, videoID string) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Exec(ctx, "DELETE FROM video_context WHERE video_id = ?", videoID)
		return err
	})
	return n, err
}

// HasIdempotencyKey reports whether the sentinel for (video_id, tool_name,
// key) exists. The sentinel is a context record of type "idempotency" whose
// data column holds the key.
func (s *Store) HasIdempotencyKey(ctx context.Context, videoID, toolName, key string) (bool, error) {
	rows, err := s.ExecuteQuery(ctx, `
		SELECT 1 FROM video_context
		WHERE video_id = ? AND context_type = 'idempotency' AND tool_name = ? AND data = ?
		LIMIT 1`, videoID, toolName, key)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func contextFromRow(r Row) ContextRecord {
	rec := ContextRecord{
		ContextID:        str(r["context_id"]),
		VideoID:          str(r["video_id"]),
		ContextType:      str(r["context_type"]),
		Data:             str(r["data"]),
		ToolName:         str(r["tool_name"]),
		ToolVersion:      str(r["tool_version"]),
		ModelVersion:     str(r["model_version"]),
		ProcessingParams: str(r["processing_params"]),
	}
	if ts, ok := r["timestamp"].(float64); ok {
		rec.Timestamp = ts
	}
	if ts, err := time.Parse(time.RFC3339, str(r["created_at"])); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}
