// SPDX-License-Identifier: MIT

package persist

import (
	"context"

	"github.com/Alexi5000/videoforge/internal/validate"
)

// CompletenessReport summarizes which analysis kinds a video has.
type CompletenessReport struct {
	VideoID  string           `json:"video_id"`
	Counts   map[string]int64 `json:"counts"`
	Complete bool             `json:"complete"`
	Missing  []string         `json:"missing"`
}

// requiredKinds are the four analysis kinds a fully processed video carries.
var requiredKinds = []validate.Type{
	validate.TypeFrame,
	validate.TypeCaption,
	validate.TypeTranscript,
	validate.TypeObject,
}

// VerifyVideoDataCompleteness reports per-kind row counts and whether all
// four kinds are present.
func (s *Service) VerifyVideoDataCompleteness(ctx context.Context, videoID string) (*CompletenessReport, error) {
	if _, err := s.store.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}

	counts, err := s.currentCounts(ctx, videoID)
	if err != nil {
		return nil, err
	}

	report := &CompletenessReport{
		VideoID:  videoID,
		Counts:   make(map[string]int64, len(requiredKinds)),
		Complete: true,
		Missing:  []string{},
	}
	for _, kind := range requiredKinds {
		n := counts[string(kind)]
		report.Counts[string(kind)] = n
		if n == 0 {
			report.Complete = false
			report.Missing = append(report.Missing, string(kind))
		}
	}
	return report, nil
}

// DeleteVideoData removes every context record for a video in a single
// transaction. Lineage is retained for audit.
func (s *Service) DeleteVideoData(ctx context.Context, videoID string) (int64, error) {
	n, err := s.store.DeleteContexts(ctx, videoID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.InvalidatePattern(ctx, "video:"+videoID+":*")
	}
	s.logger.Info().Str("video_id", videoID).Int64("removed", n).Msg("video context data deleted")
	return n, nil
}
