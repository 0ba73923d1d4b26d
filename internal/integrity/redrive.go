// SPDX-License-Identifier: MIT

package integrity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/persist"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// RedriveResult summarizes one redrive pass over the dead-letter queue.
type RedriveResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Exhausted int      `json:"exhausted"`
	Letters   []string `json:"letters,omitempty"`
}

// Redriver replays parked persistence batches through the persistence
// service, so redriven writes get the same validation and atomicity as the
// original attempt.
type Redriver struct {
	store       *store.Store
	persist     *persist.Service
	maxAttempts int
	logger      zerolog.Logger
}

// NewRedriver builds the redriver. Letters that have failed maxAttempts
// redrives stay parked and are only counted.
func NewRedriver(st *store.Store, ps *persist.Service, maxAttempts int) *Redriver {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Redriver{
		store:       st,
		persist:     ps,
		maxAttempts: maxAttempts,
		logger:      vflog.WithComponent("redrive"),
	}
}

// Redrive replays up to limit parked batches, oldest first. A successful
// replay removes the letter; a failed one bumps its attempt counter.
func (r *Redriver) Redrive(ctx context.Context, limit int) (*RedriveResult, error) {
	letters, err := r.store.ListDeadLetters(ctx, r.maxAttempts, limit)
	if err != nil {
		return nil, err
	}

	result := &RedriveResult{}
	for _, dl := range letters {
		result.Attempted++
		result.Letters = append(result.Letters, dl.LetterID)

		if err := r.replay(ctx, dl); err != nil {
			result.Failed++
			if markErr := r.store.MarkDeadLetterAttempt(ctx, dl.LetterID, err.Error()); markErr != nil {
				r.logger.Error().Err(markErr).Str("letter_id", dl.LetterID).Msg("attempt bump failed")
			}
			if dl.Attempts+1 >= r.maxAttempts {
				result.Exhausted++
			}
			r.logger.Warn().Err(err).
				Str("letter_id", dl.LetterID).
				Str("video_id", dl.VideoID).
				Int("attempts", dl.Attempts+1).
				Msg("redrive failed")
			continue
		}

		if err := r.store.DeleteDeadLetter(ctx, dl.LetterID); err != nil {
			r.logger.Error().Err(err).Str("letter_id", dl.LetterID).Msg("letter cleanup failed")
		}
		result.Succeeded++
		r.logger.Info().
			Str("letter_id", dl.LetterID).
			Str("video_id", dl.VideoID).
			Str("tool", dl.ToolName).
			Msg("dead letter redriven")
	}
	return result, nil
}

func (r *Redriver) replay(ctx context.Context, dl store.DeadLetter) error {
	kind, ok := persist.ContextTypeForTool(dl.ToolName)
	if !ok {
		return fmt.Errorf("integrity: letter %s names unknown tool %q", dl.LetterID, dl.ToolName)
	}

	payloads, err := validate.DecodeBatch(kind, json.RawMessage(dl.Payload))
	if err != nil {
		return fmt.Errorf("integrity: letter %s payload: %w", dl.LetterID, err)
	}

	// The letter id doubles as the idempotency key so a redrive that raced
	// a concurrent one stays harmless.
	_, err = r.persist.StoreToolResults(ctx, dl.VideoID, dl.ToolName, payloads, persist.Options{
		IdempotencyKey: dl.LetterID,
		Operation:      "reprocess",
	})
	return err
}
