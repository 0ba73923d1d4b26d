// SPDX-License-Identifier: MIT

// Package integrity holds the offline consistency tooling: a checker that
// audits the store for violations, a reconciler that repairs what it safely
// can, and the dead-letter redrive.
package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/metrics"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// Violation kinds reported by the checker.
const (
	ViolationOrphanContext  = "orphan_context"
	ViolationOrphanLineage  = "orphan_lineage"
	ViolationOrdering       = "ordering"
	ViolationInvalidPayload = "invalid_payload"
	ViolationStatusMismatch = "status_mismatch"
	ViolationTimestampRange = "timestamp_range"
)

// Violation is one inconsistency found during a check.
type Violation struct {
	Kind    string `json:"kind"`
	VideoID string `json:"video_id,omitempty"`
	Detail  string `json:"detail"`
}

// Report aggregates a check run.
type Report struct {
	CheckedVideos int            `json:"checked_videos"`
	Violations    []Violation    `json:"violations"`
	ByKind        map[string]int `json:"by_kind"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      string         `json:"duration"`
}

// requiredKinds must all be present before a video may be marked complete.
var requiredKinds = []validate.Type{
	validate.TypeFrame,
	validate.TypeCaption,
	validate.TypeTranscript,
	validate.TypeObject,
}

// Checker audits the store without modifying it.
type Checker struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewChecker builds the checker.
func NewChecker(st *store.Store) *Checker {
	return &Checker{store: st, logger: vflog.WithComponent("integrity")}
}

// Check audits every non-deleted video plus the referential invariants that
// span tables. It reads everything and mutates nothing.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{
		StartedAt: started.UTC(),
		ByKind:    make(map[string]int),
	}

	if err := c.checkOrphans(ctx, report); err != nil {
		return nil, err
	}

	videos, err := c.store.ListVideos(ctx, 10000)
	if err != nil {
		return nil, err
	}
	for _, v := range videos {
		if err := c.checkVideo(ctx, v, report); err != nil {
			return nil, err
		}
	}
	report.CheckedVideos = len(videos)
	report.Duration = time.Since(started).Round(time.Millisecond).String()

	for kind, n := range report.ByKind {
		metrics.SetConsistencyViolations(kind, n)
	}
	c.logger.Info().
		Int("videos", report.CheckedVideos).
		Int("violations", len(report.Violations)).
		Msg("consistency check finished")
	return report, nil
}

// checkOrphans finds context and lineage rows whose video vanished. Foreign
// keys prevent these under normal operation; they appear after restores or
// manual surgery.
func (c *Checker) checkOrphans(ctx context.Context, report *Report) error {
	rows, err := c.store.ExecuteQuery(ctx, `
		SELECT vc.context_id, vc.video_id FROM video_context vc
		LEFT JOIN videos v ON v.video_id = vc.video_id
		WHERE v.video_id IS NULL`)
	if err != nil {
		return err
	}
	for _, r := range rows {
		report.add(Violation{
			Kind:    ViolationOrphanContext,
			VideoID: rowStr(r, "video_id"),
			Detail:  fmt.Sprintf("context %s references missing video", rowStr(r, "context_id")),
		})
	}

	rows, err = c.store.ExecuteQuery(ctx, `
		SELECT dl.lineage_id, dl.video_id FROM data_lineage dl
		LEFT JOIN videos v ON v.video_id = dl.video_id
		WHERE v.video_id IS NULL`)
	if err != nil {
		return err
	}
	for _, r := range rows {
		report.add(Violation{
			Kind:    ViolationOrphanLineage,
			VideoID: rowStr(r, "video_id"),
			Detail:  fmt.Sprintf("lineage %s references missing video", rowStr(r, "lineage_id")),
		})
	}
	return nil
}

func (c *Checker) checkVideo(ctx context.Context, v store.Video, report *Report) error {
	counts, err := c.store.CountContextsByType(ctx, v.VideoID)
	if err != nil {
		return err
	}

	// A complete video must carry every required payload kind.
	if v.Status == store.StatusComplete {
		for _, kind := range requiredKinds {
			if counts[string(kind)] == 0 {
				report.add(Violation{
					Kind:    ViolationStatusMismatch,
					VideoID: v.VideoID,
					Detail:  fmt.Sprintf("status complete but no %s records", kind),
				})
			}
		}
	}

	for _, kind := range requiredKinds {
		if counts[string(kind)] == 0 {
			continue
		}
		recs, err := c.store.ContextsForVideo(ctx, v.VideoID, string(kind), 0)
		if err != nil {
			return err
		}
		c.checkRecords(v, kind, recs, report)
	}
	return nil
}

func (c *Checker) checkRecords(v store.Video, kind validate.Type, recs []store.ContextRecord, report *Report) {
	prev := -1.0
	for _, rec := range recs {
		if rec.Timestamp < prev {
			report.add(Violation{
				Kind:    ViolationOrdering,
				VideoID: v.VideoID,
				Detail:  fmt.Sprintf("%s context %s timestamp %.3f precedes %.3f", kind, rec.ContextID, rec.Timestamp, prev),
			})
		}
		prev = rec.Timestamp

		if rec.Timestamp > v.Duration+transcriptSlack(kind) {
			report.add(Violation{
				Kind:    ViolationTimestampRange,
				VideoID: v.VideoID,
				Detail:  fmt.Sprintf("%s context %s timestamp %.3f exceeds duration %.3f", kind, rec.ContextID, rec.Timestamp, v.Duration),
			})
		}

		payloads, err := validate.DecodeBatch(kind, json.RawMessage("["+rec.Data+"]"))
		if err == nil {
			err = payloads[0].Validate()
		}
		if err != nil {
			report.add(Violation{
				Kind:    ViolationInvalidPayload,
				VideoID: v.VideoID,
				Detail:  fmt.Sprintf("%s context %s: %v", kind, rec.ContextID, err),
			})
		}
	}
}

// transcriptSlack mirrors the write-path tolerance for transcript segments
// that run slightly past the container duration.
func transcriptSlack(kind validate.Type) float64 {
	if kind == validate.TypeTranscript {
		return 0.5
	}
	return 0
}

func (r *Report) add(v Violation) {
	r.Violations = append(r.Violations, v)
	r.ByKind[v.Kind]++
}

func rowStr(r store.Row, key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}
