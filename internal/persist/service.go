// SPDX-License-Identifier: MIT

// Package persist is the single writer of context and lineage records. All
// tool output flows through Service.StoreToolResults, which validates,
// writes atomically, records lineage and honors idempotency keys.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Alexi5000/videoforge/internal/cache"
	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/metrics"
	"github.com/Alexi5000/videoforge/internal/resilience"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// toolContextTypes routes a tool name to the context type it produces.
var toolContextTypes = map[string]validate.Type{
	"extract_frames":   validate.TypeFrame,
	"caption_frames":   validate.TypeCaption,
	"transcribe_audio": validate.TypeTranscript,
	"detect_objects":   validate.TypeObject,
}

// ContextTypeForTool resolves the payload kind a tool produces.
func ContextTypeForTool(toolName string) (validate.Type, bool) {
	t, ok := toolContextTypes[toolName]
	return t, ok
}

// Options carries lineage metadata and the idempotency key for one write.
type Options struct {
	IdempotencyKey string
	ToolVersion    string
	ModelVersion   string
	Params         map[string]any
	UserID         string
	Operation      string // create|reprocess, defaults to create
}

// Service coordinates validated, idempotent writes of tool output.
type Service struct {
	store  *store.Store
	cache  *cache.Tiered // may be nil; used for write-path invalidation
	policy resilience.RetryPolicy
	logger zerolog.Logger
}

// New builds the persistence service. cache may be nil.
func New(st *store.Store, tc *cache.Tiered) *Service {
	policy := resilience.DefaultRetryPolicy()
	policy.Retryable = store.IsTransient
	return &Service{
		store:  st,
		cache:  tc,
		policy: policy,
		logger: vflog.WithComponent("persist"),
	}
}

// StoreToolResults persists one tool's output for a video. The whole batch
// is validated first; any validation error fails the call with nothing
// written. The data write is transactional with a savepoint-guarded
// advancement check, retried on transient store errors. Lineage and the
// idempotency sentinel follow the commit.
func (s *Service) StoreToolResults(ctx context.Context, videoID, toolName string, payloads []validate.Payload, opts Options) (map[string]int64, error) {
	kind, ok := ContextTypeForTool(toolName)
	if !ok {
		return nil, fmt.Errorf("persist: no context type for tool %q", toolName)
	}
	if len(payloads) == 0 {
		// An empty batch would pass the advancement check trivially; a tool
		// that produced nothing has nothing to persist.
		return nil, validate.NewError("payload", "batch must contain at least one record")
	}

	if opts.IdempotencyKey != "" {
		done, err := s.store.HasIdempotencyKey(ctx, videoID, toolName, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if done {
			s.logger.Debug().
				Str("video_id", videoID).
				Str("tool", toolName).
				Str("idempotency_key", opts.IdempotencyKey).
				Msg("idempotent replay, returning current counts")
			return s.currentCounts(ctx, videoID)
		}
	}

	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}

	if err := validate.Batch(kind, payloads, video.Duration); err != nil {
		return nil, err
	}

	recs, err := s.buildRecords(videoID, toolName, kind, payloads, opts)
	if err != nil {
		return nil, err
	}

	err = resilience.Retry(ctx, s.policy, func() error {
		if err := s.writeBatch(ctx, videoID, kind, recs); err != nil {
			if store.IsTransient(err) {
				metrics.IncPersistenceRetry()
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.parkDeadLetter(ctx, videoID, toolName, payloads, err)
		return nil, err
	}

	metrics.AddContextRecords(string(kind), len(recs))

	// Lineage after commit: best-effort, logged on failure, never rolls
	// back the data write.
	s.writeLineage(ctx, videoID, toolName, recs, opts)

	if opts.IdempotencyKey != "" {
		s.writeSentinel(ctx, videoID, toolName, opts.IdempotencyKey)
	}

	if s.cache != nil {
		s.cache.InvalidatePattern(ctx, "video:"+videoID+":*")
	}

	return s.currentCounts(ctx, videoID)
}

// writeBatch inserts the records inside one immediate transaction with a
// savepoint and verifies the row count for (video_id, context_type)
// advanced by the batch size.
func (s *Service) writeBatch(ctx context.Context, videoID string, kind validate.Type, recs []store.ContextRecord) error {
	return s.store.WithTx(ctx, func(tx *store.Tx) error {
		before, err := tx.CountContexts(ctx, videoID, string(kind))
		if err != nil {
			return err
		}

		sp, err := tx.Savepoint(ctx)
		if err != nil {
			return err
		}

		if _, err := tx.InsertContextRecords(ctx, recs); err != nil {
			_ = tx.RollbackTo(ctx, sp)
			return err
		}

		after, err := tx.CountContexts(ctx, videoID, string(kind))
		if err != nil {
			_ = tx.RollbackTo(ctx, sp)
			return err
		}
		if after < before+int64(len(recs)) {
			_ = tx.RollbackTo(ctx, sp)
			return &store.Error{Kind: store.KindFatal, Op: "persist.verify",
				Err: fmt.Errorf("row count advanced %d, expected %d", after-before, len(recs))}
		}

		return tx.Release(ctx, sp)
	})
}

func (s *Service) buildRecords(videoID, toolName string, kind validate.Type, payloads []validate.Payload, opts Options) ([]store.ContextRecord, error) {
	params := "{}"
	if opts.Params != nil {
		b, err := json.Marshal(opts.Params)
		if err != nil {
			return nil, validate.NewError("processing_params", fmt.Sprintf("parameters are not JSON-serializable: %v", err))
		}
		params = string(b)
	}

	recs := make([]store.ContextRecord, 0, len(payloads))
	now := time.Now().UTC()
	for _, p := range payloads {
		data, err := validate.MarshalPayload(p)
		if err != nil {
			return nil, err
		}
		recs = append(recs, store.ContextRecord{
			ContextID:        uuid.NewString(),
			VideoID:          videoID,
			ContextType:      string(kind),
			Timestamp:        p.PrimaryTimestamp(),
			Data:             data,
			ToolName:         toolName,
			ToolVersion:      opts.ToolVersion,
			ModelVersion:     opts.ModelVersion,
			ProcessingParams: params,
			CreatedAt:        now,
		})
	}
	return recs, nil
}

func (s *Service) writeLineage(ctx context.Context, videoID, toolName string, recs []store.ContextRecord, opts Options) {
	op := opts.Operation
	if op == "" {
		op = "create"
	}
	params := "{}"
	if opts.Params != nil {
		if b, err := json.Marshal(opts.Params); err == nil {
			params = string(b)
		}
	}

	lineage := make([]store.LineageRecord, 0, len(recs))
	for _, r := range recs {
		lineage = append(lineage, store.LineageRecord{
			LineageID:    uuid.NewString(),
			VideoID:      videoID,
			ContextID:    r.ContextID,
			Operation:    op,
			ToolName:     toolName,
			ToolVersion:  opts.ToolVersion,
			ModelVersion: opts.ModelVersion,
			Parameters:   params,
			UserID:       opts.UserID,
		})
	}
	if err := s.store.InsertLineage(ctx, lineage); err != nil {
		s.logger.Warn().Err(err).
			Str("video_id", videoID).
			Str("tool", toolName).
			Msg("lineage write failed after data commit")
	}
}

// writeSentinel records that the operation identified by the idempotency
// key completed. INSERT OR IGNORE keeps concurrent replays harmless.
func (s *Service) writeSentinel(ctx context.Context, videoID, toolName, key string) {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.InsertContextRecords(ctx, []store.ContextRecord{{
			ContextID:   sentinelID(videoID, toolName, key),
			VideoID:     videoID,
			ContextType: string(validate.TypeIdempotency),
			Timestamp:   0,
			Data:        key,
			ToolName:    toolName,
		}})
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("video_id", videoID).
			Str("tool", toolName).
			Msg("idempotency sentinel write failed")
	}
}

// sentinelID derives a stable context id so replays collide on the primary
// key instead of duplicating the sentinel.
func sentinelID(videoID, toolName, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(videoID+"|"+toolName+"|"+key)).String()
}

func (s *Service) parkDeadLetter(ctx context.Context, videoID, toolName string, payloads []validate.Payload, cause error) {
	// Only store-level failures are worth a redrive; validation failures
	// would fail identically again.
	var se *store.Error
	if !errors.As(cause, &se) {
		return
	}
	body, err := json.Marshal(payloads)
	if err != nil {
		return
	}
	dl := store.DeadLetter{
		LetterID:  uuid.NewString(),
		VideoID:   videoID,
		ToolName:  toolName,
		Payload:   string(body),
		LastError: cause.Error(),
	}
	if err := s.store.InsertDeadLetter(ctx, dl); err != nil {
		s.logger.Error().Err(err).Str("video_id", videoID).Msg("dead letter insert failed")
		return
	}
	metrics.IncDeadLetter()
	s.logger.Warn().
		Str("video_id", videoID).
		Str("tool", toolName).
		Str("letter_id", dl.LetterID).
		Msg("persistence batch parked in dead-letter queue")
}

func (s *Service) currentCounts(ctx context.Context, videoID string) (map[string]int64, error) {
	counts, err := s.store.CountContextsByType(ctx, videoID)
	if err != nil {
		return nil, err
	}
	delete(counts, string(validate.TypeIdempotency))
	return counts, nil
}
