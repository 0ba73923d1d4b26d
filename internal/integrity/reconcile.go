// SPDX-License-Identifier: MIT

package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/store"
)

// ReconcileResult summarizes what a reconciliation run changed.
type ReconcileResult struct {
	OrphanContextsRemoved int64    `json:"orphan_contexts_removed"`
	OrphanLineageRemoved  int64    `json:"orphan_lineage_removed"`
	MarkedComplete        []string `json:"marked_complete,omitempty"`
	MarkedError           []string `json:"marked_error,omitempty"`
	PurgedVideos          []string `json:"purged_videos,omitempty"`
}

// ReconcilerConfig carries the age thresholds for the repairs.
type ReconcilerConfig struct {
	// StalledCutoff is how old a video with zero context records must be
	// before it gets marked error.
	StalledCutoff time.Duration
	// Retention is how long soft-deleted videos stay before physical purge.
	Retention time.Duration
}

// Reconciler repairs the drift the checker reports. Rows are removed only
// when nothing references them; status repairs follow the data.
type Reconciler struct {
	store  *store.Store
	cfg    ReconcilerConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewReconciler builds the reconciler.
func NewReconciler(st *store.Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.StalledCutoff <= 0 {
		cfg.StalledCutoff = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Reconciler{
		store:  st,
		cfg:    cfg,
		logger: vflog.WithComponent("reconcile"),
		now:    time.Now,
	}
}

// Reconcile removes orphaned context and lineage rows, repairs processing
// status drift and purges soft-deleted videos past retention.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	n, err := r.store.ExecuteUpdate(ctx, `
		DELETE FROM video_context WHERE video_id NOT IN (SELECT video_id FROM videos)`)
	if err != nil {
		return nil, err
	}
	result.OrphanContextsRemoved = n

	n, err = r.store.ExecuteUpdate(ctx, `
		DELETE FROM data_lineage WHERE video_id NOT IN (SELECT video_id FROM videos)`)
	if err != nil {
		return nil, err
	}
	result.OrphanLineageRemoved = n

	if err := r.repairStatusDrift(ctx, result); err != nil {
		return nil, err
	}
	if err := r.purgeSoftDeleted(ctx, result); err != nil {
		return nil, err
	}

	r.logger.Info().
		Int64("orphan_contexts", result.OrphanContextsRemoved).
		Int64("orphan_lineage", result.OrphanLineageRemoved).
		Int("marked_complete", len(result.MarkedComplete)).
		Int("marked_error", len(result.MarkedError)).
		Int("purged", len(result.PurgedVideos)).
		Msg("reconciliation finished")
	return result, nil
}

// repairStatusDrift makes processing_status agree with the stored data: a
// video holding all four payload kinds is complete regardless of where its
// pipeline run died; a complete video missing kinds drops to error; a video
// with no data at all past the stalled cutoff drops to error.
func (r *Reconciler) repairStatusDrift(ctx context.Context, result *ReconcileResult) error {
	videos, err := r.store.ListVideos(ctx, 10000)
	if err != nil {
		return err
	}
	for _, v := range videos {
		counts, err := r.store.CountContextsByType(ctx, v.VideoID)
		if err != nil {
			return err
		}
		delete(counts, "idempotency")

		allKinds := true
		for _, kind := range requiredKinds {
			if counts[string(kind)] == 0 {
				allKinds = false
				break
			}
		}
		total := int64(0)
		for _, n := range counts {
			total += n
		}

		switch {
		case allKinds && v.Status != store.StatusComplete:
			if err := r.setStatus(ctx, v.VideoID, store.StatusComplete); err != nil {
				return err
			}
			result.MarkedComplete = append(result.MarkedComplete, v.VideoID)
		case !allKinds && v.Status == store.StatusComplete:
			if err := r.setStatus(ctx, v.VideoID, store.StatusError); err != nil {
				return err
			}
			result.MarkedError = append(result.MarkedError, v.VideoID)
		case total == 0 && v.Status != store.StatusError &&
			r.now().Sub(v.UploadTimestamp) > r.cfg.StalledCutoff:
			if err := r.setStatus(ctx, v.VideoID, store.StatusError); err != nil {
				return err
			}
			result.MarkedError = append(result.MarkedError, v.VideoID)
		}
	}
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, videoID string, status store.ProcessingStatus) error {
	if err := r.store.UpdateProcessingStatus(ctx, videoID, status); err != nil {
		return fmt.Errorf("integrity: repairing %s: %w", videoID, err)
	}
	r.logger.Warn().Str("video_id", videoID).Str("status", string(status)).Msg("processing status repaired")
	return nil
}

// purgeSoftDeleted physically removes videos soft-deleted longer ago than
// the retention window, along with their context rows. Lineage stays for
// audit.
func (r *Reconciler) purgeSoftDeleted(ctx context.Context, result *ReconcileResult) error {
	cutoff := r.now().UTC().Add(-r.cfg.Retention).Format(time.RFC3339)
	rows, err := r.store.ExecuteQuery(ctx,
		"SELECT video_id FROM videos WHERE deleted_at IS NOT NULL AND deleted_at < ?", cutoff)
	if err != nil {
		return err
	}
	for _, row := range rows {
		id := rowStr(row, "video_id")
		if err := r.store.PurgeVideo(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("video_id", id).Msg("purge failed")
			continue
		}
		result.PurgedVideos = append(result.PurgedVideos, id)
	}
	return nil
}
