// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"time"
)

// schemaVersion is the version this binary requires. A database reporting a
// higher version was written by a newer binary and is refused.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		video_id          TEXT PRIMARY KEY,
		filename          TEXT NOT NULL,
		file_path         TEXT NOT NULL,
		duration          REAL NOT NULL CHECK (duration > 0),
		thumbnail_path    TEXT,
		upload_timestamp  TEXT NOT NULL,
		processing_status TEXT NOT NULL DEFAULT 'pending',
		deleted_at        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS video_context (
		context_id        TEXT PRIMARY KEY,
		video_id          TEXT NOT NULL REFERENCES videos(video_id),
		context_type      TEXT NOT NULL,
		timestamp         REAL NOT NULL CHECK (timestamp >= 0),
		data              TEXT NOT NULL,
		tool_name         TEXT NOT NULL DEFAULT '',
		tool_version      TEXT NOT NULL DEFAULT '',
		model_version     TEXT NOT NULL DEFAULT '',
		processing_params TEXT NOT NULL DEFAULT '{}',
		created_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_lineage (
		lineage_id    TEXT PRIMARY KEY,
		video_id      TEXT NOT NULL REFERENCES videos(video_id),
		context_id    TEXT,
		operation     TEXT NOT NULL,
		tool_name     TEXT NOT NULL,
		tool_version  TEXT NOT NULL DEFAULT '',
		model_version TEXT NOT NULL DEFAULT '',
		parameters    TEXT NOT NULL DEFAULT '{}',
		user_id       TEXT NOT NULL DEFAULT '',
		timestamp     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		letter_id   TEXT PRIMARY KEY,
		video_id    TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		payload     TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_context_video_ts
		ON video_context(video_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_context_video_type_ts
		ON video_context(video_id, context_type, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_status
		ON videos(processing_status)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_deleted
		ON videos(deleted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_lineage_video_ts
		ON data_lineage(video_id, timestamp DESC)`,
}

// InitSchema idempotently creates tables, indexes and the migration ledger,
// and verifies the recorded schema version is compatible.
func (s *Store) InitSchema(ctx context.Context) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}

		var current int
		err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM schema_version", []any{&current})
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return &Error{Kind: KindFatal, Op: "schema",
				Err: fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)}
		}
		if current < schemaVersion {
			_, err = tx.Exec(ctx,
				"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
				schemaVersion, "initial schema", time.Now().UTC().Format(time.RFC3339))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Int("version", schemaVersion).Msg("schema initialized")
	return nil
}
