// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexi5000/videoforge/internal/cache"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/validate"
)

func newTestService(t *testing.T) (*Service, *store.Store, *cache.Tiered) {
	t.Helper()
	st, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	tc := cache.NewTiered(cache.Config{L1Capacity: 16, DefaultTTL: time.Minute}, nil, zerolog.Nop())
	return New(st, tc), st, tc
}

func addVideo(t *testing.T, st *store.Store, id string, duration float64) {
	t.Helper()
	require.NoError(t, st.UpsertVideo(context.Background(), store.Video{
		VideoID: id, Filename: id + ".mp4", FilePath: "/videos/" + id + ".mp4", Duration: duration,
	}))
}

func frames(ts ...float64) []validate.Payload {
	out := make([]validate.Payload, len(ts))
	for i, t := range ts {
		out[i] = validate.Frame{Timestamp: t, FrameNumber: i}
	}
	return out
}

func TestStoreToolResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	counts, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0, 2, 4), Options{
		ToolVersion: "1.0", ModelVersion: "ffmpeg-6",
		Params: map[string]any{"interval": 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["frame"])

	recs, err := st.ContextsForVideo(ctx, "v1", "frame", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "extract_frames", recs[0].ToolName)
	assert.Equal(t, "1.0", recs[0].ToolVersion)

	// Lineage follows the data write.
	lineage, err := st.LineageForVideo(ctx, "v1", 10)
	require.NoError(t, err)
	assert.Len(t, lineage, 3)
	assert.Equal(t, "create", lineage[0].Operation)
}

func TestStoreToolResultsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	opts := Options{IdempotencyKey: "op-123"}
	first, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0, 2), opts)
	require.NoError(t, err)

	// Replays with the same key are effective no-ops.
	for i := 0; i < 3; i++ {
		again, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0, 2), opts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["frame"])
}

func TestStoreToolResultsRejectsInvalidBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	bad := []validate.Payload{
		validate.Frame{Timestamp: 0, FrameNumber: 0},
		validate.Frame{Timestamp: -1, FrameNumber: 1},
	}
	_, err := svc.StoreToolResults(ctx, "v1", "extract_frames", bad, Options{})
	require.Error(t, err)
	var ve *validate.Error
	assert.ErrorAs(t, err, &ve)

	// All-or-nothing: the valid record must not have been written either.
	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Zero(t, counts["frame"])
}

func TestStoreToolResultsRejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	// Zero records is a validation failure, not a silent success.
	_, err := svc.StoreToolResults(ctx, "v1", "extract_frames", nil, Options{})
	require.Error(t, err)
	var ve *validate.Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload", ve.Field)

	_, err = svc.StoreToolResults(ctx, "v1", "extract_frames", []validate.Payload{}, Options{})
	require.Error(t, err)

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestStoreToolResultsRangeCheckUsesDuration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 10)

	_, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(11), Options{})
	assert.Error(t, err, "frame beyond video duration")

	// Transcript end tolerance still applies through the service.
	_, err = svc.StoreToolResults(ctx, "v1", "transcribe_audio", []validate.Payload{
		validate.Transcript{Start: 9, End: 10.4, Text: "bye"},
	}, Options{})
	assert.NoError(t, err)
}

func TestStoreToolResultsUnknownVideo(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	_, err := svc.StoreToolResults(context.Background(), "ghost", "extract_frames", frames(0), Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreToolResultsUnknownTool(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)
	_, err := svc.StoreToolResults(context.Background(), "v1", "paint_frames", frames(0), Options{})
	assert.Error(t, err)
}

func TestStoreToolResultsInvalidatesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, tc := newTestService(t)
	addVideo(t, st, "v1", 60)

	tc.Set(ctx, "video:v1:extract_frames:h", "stale", 0)
	tc.Set(ctx, "video:v2:extract_frames:h", "other", 0)

	_, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0), Options{})
	require.NoError(t, err)

	_, ok := tc.Get(ctx, "video:v1:extract_frames:h")
	assert.False(t, ok, "write must invalidate the video's cache namespace")
	_, ok = tc.Get(ctx, "video:v2:extract_frames:h")
	assert.True(t, ok)
}

func TestVerifyVideoDataCompleteness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	report, err := svc.VerifyVideoDataCompleteness(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.ElementsMatch(t, []string{"frame", "caption", "transcript", "object"}, report.Missing)

	_, err = svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0, 2), Options{})
	require.NoError(t, err)
	_, err = svc.StoreToolResults(ctx, "v1", "caption_frames", []validate.Payload{
		validate.Caption{FrameTimestamp: 0, Text: "a dog"},
	}, Options{})
	require.NoError(t, err)
	_, err = svc.StoreToolResults(ctx, "v1", "transcribe_audio", []validate.Payload{
		validate.Transcript{Start: 0, End: 2, Text: "hello"},
	}, Options{})
	require.NoError(t, err)
	_, err = svc.StoreToolResults(ctx, "v1", "detect_objects", []validate.Payload{
		validate.ObjectSet{FrameTimestamp: 0, Objects: []validate.Detection{{ClassName: "dog", Confidence: 0.9}}},
	}, Options{})
	require.NoError(t, err)

	report, err = svc.VerifyVideoDataCompleteness(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Empty(t, report.Missing)
	assert.Equal(t, int64(2), report.Counts["frame"])
	assert.Equal(t, int64(1), report.Counts["caption"])
}

func TestDeleteVideoData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	addVideo(t, st, "v1", 60)

	_, err := svc.StoreToolResults(ctx, "v1", "extract_frames", frames(0, 2, 4), Options{})
	require.NoError(t, err)

	removed, err := svc.DeleteVideoData(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, counts)

	// Lineage is retained for audit.
	lineage, err := st.LineageForVideo(ctx, "v1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, lineage)
}

func TestContextTypeForTool(t *testing.T) {
	t.Parallel()

	kind, ok := ContextTypeForTool("detect_objects")
	require.True(t, ok)
	assert.Equal(t, validate.TypeObject, kind)

	_, ok = ContextTypeForTool("paint_frames")
	assert.False(t, ok)
}
