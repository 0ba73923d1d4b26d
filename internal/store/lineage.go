// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// LineageRecord is an append-only audit row describing which tool, version
// and parameters produced a set of context records. Never mutated.
type LineageRecord struct {
	LineageID    string
	VideoID      string
	ContextID    string // optional
	Operation    string // create|reprocess
	ToolName     string
	ToolVersion  string
	ModelVersion string
	Parameters   string // JSON
	UserID       string
	Timestamp    time.Time
}

// InsertLineage appends a batch of lineage rows. Written after the data
// commit, best-effort; callers log failures rather than rolling back data.
func (s *Store) InsertLineage(ctx context.Context, recs []LineageRecord) error {
	args := make([][]any, 0, len(recs))
	for _, r := range recs {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		args = append(args, []any{
			r.LineageID, r.VideoID, nullable(r.ContextID), r.Operation,
			r.ToolName, r.ToolVersion, r.ModelVersion, r.Parameters,
			r.UserID, ts.Format(time.RFC3339),
		})
	}
	_, err := s.ExecuteBatch(ctx, `
		INSERT INTO data_lineage
		(lineage_id, video_id, context_id, operation, tool_name, tool_version, model_version, parameters, user_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args, 100)
	return err
}

// LineageForVideo returns audit rows for a video, newest first.
func (s *Store) LineageForVideo(ctx context.Context, videoID string, limit int) ([]LineageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ExecuteQuery(ctx, `
		SELECT lineage_id, video_id, context_id, operation, tool_name, tool_version, model_version, parameters, user_id, timestamp
		FROM data_lineage WHERE video_id = ?
		ORDER BY timestamp DESC LIMIT ?`, videoID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LineageRecord, 0, len(rows))
	for _, r := range rows {
		rec := LineageRecord{
			LineageID:    str(r["lineage_id"]),
			VideoID:      str(r["video_id"]),
			ContextID:    str(r["context_id"]),
			Operation:    str(r["operation"]),
			ToolName:     str(r["tool_name"]),
			ToolVersion:  str(r["tool_version"]),
			ModelVersion: str(r["model_version"]),
			Parameters:   str(r["parameters"]),
			UserID:       str(r["user_id"]),
		}
		if ts, err := time.Parse(time.RFC3339, str(r["timestamp"])); err == nil {
			rec.Timestamp = ts
		}
		out = append(out, rec)
	}
	return out, nil
}
