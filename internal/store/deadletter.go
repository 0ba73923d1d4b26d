// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// DeadLetter parks a persistence batch that exhausted its retries. The
// payload column carries the original tool output so the batch can be
// re-driven later.
type DeadLetter struct {
	LetterID  string
	VideoID   string
	ToolName  string
	Payload   string // JSON tool output
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InsertDeadLetter parks a failed batch.
func (s *Store) InsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.ExecuteUpdate(ctx, `
		INSERT INTO dead_letters (letter_id, video_id, tool_name, payload, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.LetterID, dl.VideoID, dl.ToolName, dl.Payload, dl.Attempts, dl.LastError, now, now)
	return err
}

// ListDeadLetters returns parked batches with fewer than maxAttempts
// redrive attempts, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, maxAttempts, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ExecuteQuery(ctx, `
		SELECT letter_id, video_id, tool_name, payload, attempts, last_error, created_at, updated_at
		FROM dead_letters WHERE attempts < ?
		ORDER BY created_at ASC LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(rows))
	for _, r := range rows {
		dl := DeadLetter{
			LetterID:  str(r["letter_id"]),
			VideoID:   str(r["video_id"]),
			ToolName:  str(r["tool_name"]),
			Payload:   str(r["payload"]),
			LastError: str(r["last_error"]),
		}
		if n, ok := r["attempts"].(int64); ok {
			dl.Attempts = int(n)
		}
		if ts, err := time.Parse(time.RFC3339, str(r["created_at"])); err == nil {
			dl.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339, str(r["updated_at"])); err == nil {
			dl.UpdatedAt = ts
		}
		out = append(out, dl)
	}
	return out, nil
}

// MarkDeadLetterAttempt bumps the attempt counter and records the error.
func (s *Store) MarkDeadLetterAttempt(ctx context.Context, letterID, lastError string) error {
	_, err := s.ExecuteUpdate(ctx, `
		UPDATE dead_letters SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE letter_id = ?`,
		lastError, time.Now().UTC().Format(time.RFC3339), letterID)
	return err
}

// DeleteDeadLetter removes a parked batch after a successful redrive.
func (s *Store) DeleteDeadLetter(ctx context.Context, letterID string) error {
	_, err := s.ExecuteUpdate(ctx, "DELETE FROM dead_letters WHERE letter_id = ?", letterID)
	return err
}
