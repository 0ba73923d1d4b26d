// SPDX-License-Identifier: MIT

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alexi5000/videoforge/internal/validate"
)

// HTTPBackend invokes the external ML tool implementations over a uniform
// JSON-over-HTTP RPC: POST {base}/tools/{name} with a request body, a JSON
// result envelope back.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPBackend builds the RPC client. Per-call deadlines come from the
// caller's context; the transport timeout is a safety net only.
func NewHTTPBackend(baseURL string, logger zerolog.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Minute},
		logger:  logger,
	}
}

type rpcEnvelope struct {
	Result       json.RawMessage `json:"result"`
	ToolVersion  string          `json:"tool_version"`
	ModelVersion string          `json:"model_version"`
	Error        string          `json:"error"`
}

func (b *HTTPBackend) invoke(ctx context.Context, tool string, req any, out any) (Meta, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Meta{}, fmt.Errorf("tools: encoding %s request: %w", tool, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return Meta{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Meta{}, fmt.Errorf("tools: %s call failed: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Meta{}, fmt.Errorf("tools: reading %s response: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("tools: %s returned status %d", tool, resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Meta{}, fmt.Errorf("tools: decoding %s response: %w", tool, err)
	}
	if env.Error != "" {
		return Meta{}, fmt.Errorf("tools: %s failed: %s", tool, env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return Meta{}, fmt.Errorf("tools: decoding %s result: %w", tool, err)
	}
	return Meta{ToolVersion: env.ToolVersion, ModelVersion: env.ModelVersion}, nil
}

// Probe resolves duration and filename metadata for a source file.
func (b *HTTPBackend) Probe(ctx context.Context, videoID, videoPath string) (VideoMeta, error) {
	var meta VideoMeta
	_, err := b.invoke(ctx, "probe_video", map[string]any{
		"video_id":   videoID,
		"video_path": videoPath,
	}, &meta)
	return meta, err
}

func (b *HTTPBackend) ExtractFrames(ctx context.Context, videoID, videoPath string, interval float64, maxFrames int) ([]validate.Frame, Meta, error) {
	var frames []validate.Frame
	meta, err := b.invoke(ctx, "extract_frames", map[string]any{
		"video_id":   videoID,
		"video_path": videoPath,
		"interval":   interval,
		"max_frames": maxFrames,
	}, &frames)
	return frames, meta, err
}

func (b *HTTPBackend) CaptionFrames(ctx context.Context, videoID string, frames []validate.Frame) ([]validate.Caption, Meta, error) {
	var captions []validate.Caption
	meta, err := b.invoke(ctx, "caption_frames", map[string]any{
		"video_id": videoID,
		"frames":   frames,
	}, &captions)
	return captions, meta, err
}

func (b *HTTPBackend) TranscribeAudio(ctx context.Context, videoID, videoPath, language string) ([]validate.Transcript, Meta, error) {
	var segments []validate.Transcript
	meta, err := b.invoke(ctx, "transcribe_audio", map[string]any{
		"video_id":   videoID,
		"video_path": videoPath,
		"language":   language,
	}, &segments)
	return segments, meta, err
}

func (b *HTTPBackend) DetectObjects(ctx context.Context, videoID string, frames []validate.Frame, classes []string) ([]validate.ObjectSet, Meta, error) {
	var sets []validate.ObjectSet
	meta, err := b.invoke(ctx, "detect_objects", map[string]any{
		"video_id": videoID,
		"frames":   frames,
		"classes":  classes,
	}, &sets)
	return sets, meta, err
}
