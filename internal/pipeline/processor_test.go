// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexi5000/videoforge/internal/cache"
	"github.com/Alexi5000/videoforge/internal/persist"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/tools"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// fakeBackend implements tools.Backend and Prober with canned data and
// switchable per-call failures.
type fakeBackend struct {
	errExtract    error
	errCaption    error
	errTranscribe error
	errDetect     error
	emptyExtract  bool
	probed        int
}

func (f *fakeBackend) ExtractFrames(context.Context, string, string, float64, int) ([]validate.Frame, tools.Meta, error) {
	if f.errExtract != nil {
		return nil, tools.Meta{}, f.errExtract
	}
	if f.emptyExtract {
		return []validate.Frame{}, tools.Meta{ToolVersion: "fake"}, nil
	}
	return []validate.Frame{{Timestamp: 0, FrameNumber: 0}, {Timestamp: 2, FrameNumber: 1}}, tools.Meta{ToolVersion: "fake"}, nil
}

func (f *fakeBackend) CaptionFrames(_ context.Context, _ string, frames []validate.Frame) ([]validate.Caption, tools.Meta, error) {
	if f.errCaption != nil {
		return nil, tools.Meta{}, f.errCaption
	}
	out := make([]validate.Caption, len(frames))
	for i, fr := range frames {
		out[i] = validate.Caption{FrameTimestamp: fr.Timestamp, Text: "a scene"}
	}
	return out, tools.Meta{ToolVersion: "fake"}, nil
}

func (f *fakeBackend) TranscribeAudio(context.Context, string, string, string) ([]validate.Transcript, tools.Meta, error) {
	if f.errTranscribe != nil {
		return nil, tools.Meta{}, f.errTranscribe
	}
	return []validate.Transcript{{Start: 0, End: 2, Text: "hello"}}, tools.Meta{ToolVersion: "fake"}, nil
}

func (f *fakeBackend) DetectObjects(_ context.Context, _ string, frames []validate.Frame, _ []string) ([]validate.ObjectSet, tools.Meta, error) {
	if f.errDetect != nil {
		return nil, tools.Meta{}, f.errDetect
	}
	out := make([]validate.ObjectSet, len(frames))
	for i, fr := range frames {
		out[i] = validate.ObjectSet{FrameTimestamp: fr.Timestamp, Objects: []validate.Detection{
			{ClassName: "dog", Confidence: 0.9},
		}}
	}
	return out, tools.Meta{ToolVersion: "fake"}, nil
}

func (f *fakeBackend) Probe(context.Context, string, string) (tools.VideoMeta, error) {
	f.probed++
	return tools.VideoMeta{Filename: "probed.mp4", DurationSeconds: 60}, nil
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *fakeBackend) {
	t.Helper()
	st, err := store.Open(store.DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	tc := cache.NewTiered(cache.Config{L1Capacity: 64, DefaultTTL: time.Minute}, nil, zerolog.Nop())
	ps := persist.New(st, tc)

	reg := tools.NewRegistry()
	backend := &fakeBackend{}
	require.NoError(t, tools.RegisterBuiltin(reg, backend, st, tools.BuiltinConfig{FrameInterval: 2, MaxFramesPerVid: 100}))
	d := tools.NewDispatcher(reg, tc, ps, tools.DispatcherConfig{ToolTimeout: 5 * time.Second})

	return New(d, st, backend), st, backend
}

func TestPlan(t *testing.T) {
	t.Parallel()
	plan := Plan()
	require.Len(t, plan, 3)
	assert.Equal(t, StageExtracting, plan[0].Stage)
	assert.Equal(t, StageCaptioning, plan[1].Stage)
	assert.Equal(t, StageAnalyzing, plan[2].Stage)
}

func TestProcessCompletesAllStages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)

	require.NoError(t, p.Process(ctx, "v1", "/videos/v1.mp4"))

	// The video row was created from the probe.
	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, v.Status)
	assert.Equal(t, "probed.mp4", v.Filename)
	assert.Equal(t, 60.0, v.Duration)
	assert.Equal(t, 1, backend.probed)

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["frame"])
	assert.Equal(t, int64(2), counts["caption"])
	assert.Equal(t, int64(1), counts["transcript"])
	assert.Equal(t, int64(2), counts["object"])

	// Terminal videos no longer report in-flight progress.
	_, ok := p.GetProgress("v1")
	assert.False(t, ok)
}

func TestProcessSkipsProbeForKnownVideo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)

	require.NoError(t, st.UpsertVideo(ctx, store.Video{
		VideoID: "v1", Filename: "v1.mp4", FilePath: "/videos/v1.mp4", Duration: 30,
	}))
	require.NoError(t, p.Process(ctx, "v1", "/videos/v1.mp4"))
	assert.Zero(t, backend.probed)
}

func TestProcessMandatoryStageFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)
	backend.errExtract = errors.New("ffmpeg crashed")

	err := p.Process(ctx, "v1", "/videos/v1.mp4")
	require.Error(t, err)

	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, v.Status)
}

func TestProcessZeroFramesFailsExtraction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)
	backend.emptyExtract = true

	// A frame extractor that returns nothing must fail the mandatory
	// extraction stage, not advance the video to captioning.
	err := p.Process(ctx, "v1", "/videos/v1.mp4")
	require.Error(t, err)

	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, v.Status)

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Zero(t, counts["frame"])
	assert.Zero(t, counts["caption"], "captioning must never run without frames")
}

func TestProcessCaptioningFailureStopsPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)
	backend.errCaption = errors.New("captioner down")

	require.Error(t, p.Process(ctx, "v1", "/videos/v1.mp4"))

	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, v.Status)

	// Frames from the completed first stage survive.
	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["frame"])
	assert.Zero(t, counts["transcript"], "analysis never ran")
}

func TestProcessOneAnalysisFailureStillCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)
	backend.errTranscribe = errors.New("whisper timeout")

	require.NoError(t, p.Process(ctx, "v1", "/videos/v1.mp4"))

	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, v.Status)

	counts, err := st.CountContextsByType(ctx, "v1")
	require.NoError(t, err)
	assert.Zero(t, counts["transcript"])
	assert.Equal(t, int64(2), counts["object"])
}

func TestProcessBothAnalysesFailing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, st, backend := newTestProcessor(t)
	backend.errTranscribe = errors.New("whisper down")
	backend.errDetect = errors.New("yolo down")

	require.Error(t, p.Process(ctx, "v1", "/videos/v1.mp4"))

	v, err := st.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, v.Status)
}

func TestSubscribeReceivesProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _, _ := newTestProcessor(t)

	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.Process(ctx, "v1", "/videos/v1.mp4"))

	var stages []Stage
	var final Progress
collect:
	for {
		select {
		case prog := <-ch:
			stages = append(stages, prog.Stage)
			final = prog
			if prog.Stage == StageComplete || prog.Stage == StageError {
				break collect
			}
		case <-time.After(time.Second):
			t.Fatal("expected a terminal progress event")
		}
	}

	assert.Contains(t, stages, StageExtracting)
	assert.Contains(t, stages, StageCaptioning)
	assert.Contains(t, stages, StageAnalyzing)
	assert.Equal(t, StageComplete, final.Stage)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, int64(2), final.Counts["frame"])
}
