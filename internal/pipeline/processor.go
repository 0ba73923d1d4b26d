// SPDX-License-Identifier: MIT

// Package pipeline drives one video through the three progressive stages:
// EXTRACTING, CAPTIONING and ANALYZING. The processor owns the video's
// processing_status; context records are written by the tools through the
// persistence service, never here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/metrics"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/tools"
)

// Stage identifies one latency tier of the pipeline.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageCaptioning Stage = "captioning"
	StageAnalyzing  Stage = "analyzing"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// StagePlan describes the tiers and their soft latency budgets, returned to
// clients when a job is enqueued.
type StagePlan struct {
	Stage  Stage  `json:"stage"`
	Budget string `json:"budget"`
}

// Plan returns the declared stage order with budgets.
func Plan() []StagePlan {
	return []StagePlan{
		{Stage: StageExtracting, Budget: "10s"},
		{Stage: StageCaptioning, Budget: "60s"},
		{Stage: StageAnalyzing, Budget: "120s"},
	}
}

// Progress is the event emitted on every stage transition.
type Progress struct {
	VideoID   string           `json:"video_id"`
	Stage     Stage            `json:"stage"`
	Percent   int              `json:"percent"`
	Message   string           `json:"message"`
	Counts    map[string]int64 `json:"counts,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Prober resolves video metadata at ingestion; the tool backend implements
// it alongside the analysis calls.
type Prober interface {
	Probe(ctx context.Context, videoID, videoPath string) (tools.VideoMeta, error)
}

// Processor advances videos through the stages by dispatching tools.
type Processor struct {
	dispatcher *tools.Dispatcher
	store      *store.Store
	prober     Prober
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[string]Progress
	subs   map[int]chan Progress
	nextID int
}

// New builds the processor.
func New(d *tools.Dispatcher, st *store.Store, prober Prober) *Processor {
	return &Processor{
		dispatcher: d,
		store:      st,
		prober:     prober,
		logger:     vflog.WithComponent("pipeline"),
		active:     make(map[string]Progress),
		subs:       make(map[int]chan Progress),
	}
}

// Subscribe registers a progress listener. Events are dropped rather than
// blocking the processor when the subscriber falls behind. The returned
// func unsubscribes.
func (p *Processor) Subscribe() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Progress, 64)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// GetProgress returns the current progress for an in-flight video. False
// once the video reaches a terminal state.
func (p *Processor) GetProgress(videoID string) (Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prog, ok := p.active[videoID]
	return prog, ok
}

// Process runs the full stage machine for one video. It blocks until the
// video reaches a terminal state and returns the error that stopped a
// mandatory stage, if any.
func (p *Processor) Process(ctx context.Context, videoID, videoPath string) error {
	log := vflog.WithVideo("pipeline", videoID)

	if err := p.ensureVideo(ctx, videoID, videoPath); err != nil {
		return err
	}

	defer func() {
		p.mu.Lock()
		delete(p.active, videoID)
		p.mu.Unlock()
	}()

	// Stage 1: EXTRACTING. Mandatory; nothing downstream works without
	// frames.
	if err := p.runStage(ctx, videoID, StageExtracting, 0, "extracting frames", "extract_frames"); err != nil {
		p.fail(ctx, videoID, StageExtracting, err)
		return err
	}
	p.emit(ctx, videoID, StageExtracting, 33, "frames extracted")

	// Stage 2: CAPTIONING. Also mandatory.
	if err := p.runStage(ctx, videoID, StageCaptioning, 33, "captioning frames", "caption_frames"); err != nil {
		p.fail(ctx, videoID, StageCaptioning, err)
		return err
	}
	p.emit(ctx, videoID, StageCaptioning, 66, "frames captioned")

	// Stage 3: ANALYZING. Transcription and object detection run
	// concurrently with no mutual ordering; one success is enough to
	// complete the video, failures are logged.
	p.setStatus(ctx, videoID, store.StatusAnalyzing)
	p.emit(ctx, videoID, StageAnalyzing, 66, "analyzing audio and objects")

	start := time.Now()
	var (
		resMu     sync.Mutex
		succeeded int
		lastErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, tool := range []string{"transcribe_audio", "detect_objects"} {
		tool := tool
		g.Go(func() error {
			res, err := p.dispatcher.Execute(gctx, tool, videoID, nil, "")
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil || res.Status != "success" {
				if err == nil {
					err = fmt.Errorf("%s: %s", tool, res.Error)
				}
				lastErr = err
				log.Warn().Err(err).Str("tool", tool).Msg("optional analysis sub-task failed")
				return nil
			}
			succeeded++
			return nil
		})
	}
	_ = g.Wait()
	metrics.ObserveStageDuration(string(StageAnalyzing), time.Since(start).Seconds())

	if succeeded == 0 {
		err := fmt.Errorf("pipeline: analyzing stage failed: %w", lastErr)
		p.fail(ctx, videoID, StageAnalyzing, err)
		return err
	}
	p.emit(ctx, videoID, StageAnalyzing, 95, "analysis gathered")

	p.setStatus(ctx, videoID, store.StatusComplete)
	p.emit(ctx, videoID, StageComplete, 100, "processing complete")
	metrics.IncVideoProcessed("complete")
	log.Info().Msg("video processing complete")
	return nil
}

// stageRecordKinds names the context kind each mandatory stage must leave
// behind; downstream stages consume these records.
var stageRecordKinds = map[Stage]string{
	StageExtracting: "frame",
	StageCaptioning: "caption",
}

// runStage updates the status, emits the entry event and executes the
// stage's tool. An error Result counts as stage failure, as does a
// success that persisted no records of the stage's kind.
func (p *Processor) runStage(ctx context.Context, videoID string, stage Stage, percent int, message, tool string) error {
	status := map[Stage]store.ProcessingStatus{
		StageExtracting: store.StatusExtracting,
		StageCaptioning: store.StatusCaptioning,
	}[stage]
	p.setStatus(ctx, videoID, status)
	p.emit(ctx, videoID, stage, percent, message)

	start := time.Now()
	res, err := p.dispatcher.Execute(ctx, tool, videoID, nil, "")
	metrics.ObserveStageDuration(string(stage), time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("pipeline: %s: %w", stage, err)
	}
	if res.Status != "success" {
		return fmt.Errorf("pipeline: %s: tool %s failed: %s", stage, tool, res.Error)
	}
	if kind := stageRecordKinds[stage]; kind != "" && res.Counts[kind] == 0 {
		return fmt.Errorf("pipeline: %s: tool %s produced no %s records", stage, tool, kind)
	}
	return nil
}

// ensureVideo creates the video row at ingestion when it does not exist
// yet, probing the backend for duration metadata.
func (p *Processor) ensureVideo(ctx context.Context, videoID, videoPath string) error {
	_, err := p.store.GetVideo(ctx, videoID)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	meta, err := p.prober.Probe(ctx, videoID, videoPath)
	if err != nil {
		return fmt.Errorf("pipeline: probing %s: %w", videoID, err)
	}
	filename := meta.Filename
	if filename == "" {
		filename = filepath.Base(videoPath)
	}
	return p.store.UpsertVideo(ctx, store.Video{
		VideoID:  videoID,
		Filename: filename,
		FilePath: videoPath,
		Duration: meta.DurationSeconds,
	})
}

func (p *Processor) fail(ctx context.Context, videoID string, stage Stage, err error) {
	p.setStatus(ctx, videoID, store.StatusError)
	p.emit(ctx, videoID, StageError, 100, err.Error())
	metrics.IncVideoProcessed("error")
	log := vflog.WithVideo("pipeline", videoID)
	log.Error().Err(err).Str("stage", string(stage)).Msg("video processing failed")
}

func (p *Processor) setStatus(ctx context.Context, videoID string, status store.ProcessingStatus) {
	if status == "" {
		return
	}
	if err := p.store.UpdateProcessingStatus(ctx, videoID, status); err != nil {
		p.logger.Warn().Err(err).
			Str("video_id", videoID).
			Str("status", string(status)).
			Msg("processing status update failed")
	}
}

// emit records the progress point and fans it out to subscribers. Counts
// come from the store so the event reflects persisted reality.
func (p *Processor) emit(ctx context.Context, videoID string, stage Stage, percent int, message string) {
	counts, err := p.store.CountContextsByType(ctx, videoID)
	if err != nil {
		counts = nil
	}
	delete(counts, "idempotency")

	prog := Progress{
		VideoID:   videoID,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Counts:    counts,
		UpdatedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	if stage != StageComplete && stage != StageError {
		p.active[videoID] = prog
	}
	for _, ch := range p.subs {
		select {
		case ch <- prog:
		default: // slow subscriber, drop
		}
	}
	p.mu.Unlock()
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
