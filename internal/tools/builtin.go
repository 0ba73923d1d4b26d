// SPDX-License-Identifier: MIT

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/validate"
)

// Backend is the uniform RPC boundary to the external ML tool
// implementations. The daemon treats the models as black boxes behind this
// interface.
type Backend interface {
	ExtractFrames(ctx context.Context, videoID, videoPath string, interval float64, maxFrames int) ([]validate.Frame, Meta, error)
	CaptionFrames(ctx context.Context, videoID string, frames []validate.Frame) ([]validate.Caption, Meta, error)
	TranscribeAudio(ctx context.Context, videoID, videoPath, language string) ([]validate.Transcript, Meta, error)
	DetectObjects(ctx context.Context, videoID string, frames []validate.Frame, classes []string) ([]validate.ObjectSet, Meta, error)
}

// BuiltinConfig carries the defaults the built-in tools fall back to when
// parameters are omitted.
type BuiltinConfig struct {
	FrameInterval   float64
	MaxFramesPerVid int
}

// RegisterBuiltin registers the four analysis tools. Tools that need frames
// and receive none in their parameters read the previously extracted frames
// through the store; that read is their only store coupling.
func RegisterBuiltin(reg *Registry, backend Backend, st *store.Store, cfg BuiltinConfig) error {
	builtins := []*Tool{
		{
			Name:        "extract_frames",
			Description: "Extracts still frames from the video at a fixed interval.",
			RawSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"interval": {"type": "number", "exclusiveMinimum": 0},
					"max_frames": {"type": "integer", "minimum": 1},
					"frames": {"type": "array"}
				},
				"additionalProperties": true
			}`),
			Execute: extractFramesExec(backend, st, cfg),
		},
		{
			Name:        "caption_frames",
			Description: "Generates a natural-language caption for each extracted frame.",
			RawSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"captions": {"type": "array"},
					"frames": {"type": "array"}
				},
				"additionalProperties": true
			}`),
			Execute: captionFramesExec(backend, st),
		},
		{
			Name:        "transcribe_audio",
			Description: "Transcribes the audio track into timed text segments.",
			RawSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"language": {"type": "string"},
					"segments": {"type": "array"}
				},
				"additionalProperties": true
			}`),
			Execute: transcribeAudioExec(backend, st),
		},
		{
			Name:        "detect_objects",
			Description: "Detects and classifies objects within extracted frames.",
			RawSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"classes": {"type": "array", "items": {"type": "string"}},
					"detections": {"type": "array"},
					"frames": {"type": "array"}
				},
				"additionalProperties": true
			}`),
			Execute: detectObjectsExec(backend, st),
		},
	}

	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func extractFramesExec(backend Backend, st *store.Store, cfg BuiltinConfig) ExecFunc {
	return func(ctx context.Context, videoID string, params map[string]any) ([]validate.Payload, Meta, error) {
		// Caller-supplied frames bypass the backend entirely; used for
		// re-ingestion and by tests.
		if raw, ok := rawList(params, "frames"); ok {
			payloads, err := validate.DecodeBatch(validate.TypeFrame, raw)
			return payloads, Meta{ToolVersion: "inline"}, err
		}

		video, err := st.GetVideo(ctx, videoID)
		if err != nil {
			return nil, Meta{}, err
		}

		interval := floatParam(params, "interval", cfg.FrameInterval)
		maxFrames := intParam(params, "max_frames", cfg.MaxFramesPerVid)

		frames, meta, err := backend.ExtractFrames(ctx, videoID, video.FilePath, interval, maxFrames)
		if err != nil {
			return nil, meta, err
		}
		return framePayloads(frames), meta, nil
	}
}

func captionFramesExec(backend Backend, st *store.Store) ExecFunc {
	return func(ctx context.Context, videoID string, params map[string]any) ([]validate.Payload, Meta, error) {
		if raw, ok := rawList(params, "captions"); ok {
			payloads, err := validate.DecodeBatch(validate.TypeCaption, raw)
			return payloads, Meta{ToolVersion: "inline"}, err
		}

		frames, err := framesForVideo(ctx, st, params, videoID)
		if err != nil {
			return nil, Meta{}, err
		}

		captions, meta, err := backend.CaptionFrames(ctx, videoID, frames)
		if err != nil {
			return nil, meta, err
		}
		out := make([]validate.Payload, len(captions))
		for i, c := range captions {
			out[i] = c
		}
		return out, meta, nil
	}
}

func transcribeAudioExec(backend Backend, st *store.Store) ExecFunc {
	return func(ctx context.Context, videoID string, params map[string]any) ([]validate.Payload, Meta, error) {
		if raw, ok := rawList(params, "segments"); ok {
			payloads, err := validate.DecodeBatch(validate.TypeTranscript, raw)
			return payloads, Meta{ToolVersion: "inline"}, err
		}

		video, err := st.GetVideo(ctx, videoID)
		if err != nil {
			return nil, Meta{}, err
		}

		language, _ := params["language"].(string)
		segments, meta, err := backend.TranscribeAudio(ctx, videoID, video.FilePath, language)
		if err != nil {
			return nil, meta, err
		}
		out := make([]validate.Payload, len(segments))
		for i, seg := range segments {
			out[i] = seg
		}
		return out, meta, nil
	}
}

func detectObjectsExec(backend Backend, st *store.Store) ExecFunc {
	return func(ctx context.Context, videoID string, params map[string]any) ([]validate.Payload, Meta, error) {
		if raw, ok := rawList(params, "detections"); ok {
			payloads, err := validate.DecodeBatch(validate.TypeObject, raw)
			return payloads, Meta{ToolVersion: "inline"}, err
		}

		frames, err := framesForVideo(ctx, st, params, videoID)
		if err != nil {
			return nil, Meta{}, err
		}

		var classes []string
		if cs, ok := params["classes"].([]any); ok {
			for _, c := range cs {
				if s, ok := c.(string); ok {
					classes = append(classes, s)
				}
			}
		}

		sets, meta, err := backend.DetectObjects(ctx, videoID, frames, classes)
		if err != nil {
			return nil, meta, err
		}
		out := make([]validate.Payload, len(sets))
		for i, os := range sets {
			out[i] = os
		}
		return out, meta, nil
	}
}

// framesForVideo resolves the frame list a tool should work on: explicit
// frames from parameters when given, otherwise the frames previously
// extracted and persisted for the video.
func framesForVideo(ctx context.Context, st *store.Store, params map[string]any, videoID string) ([]validate.Frame, error) {
	if raw, ok := rawList(params, "frames"); ok {
		var frames []validate.Frame
		if err := json.Unmarshal(raw, &frames); err != nil {
			return nil, validate.NewError("frames", fmt.Sprintf("malformed frame list: %v", err))
		}
		return frames, nil
	}

	recs, err := st.ContextsForVideo(ctx, videoID, string(validate.TypeFrame), 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, validate.NewError("frames",
			fmt.Sprintf("no extracted frames found for video %s; run extract_frames first", videoID))
	}

	frames := make([]validate.Frame, 0, len(recs))
	for _, rec := range recs {
		var f validate.Frame
		if err := json.Unmarshal([]byte(rec.Data), &f); err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func framePayloads(frames []validate.Frame) []validate.Payload {
	out := make([]validate.Payload, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	return out
}

// rawList re-encodes a parameter list back to JSON so it can decode into
// typed payloads.
func rawList(params map[string]any, key string) (json.RawMessage, bool) {
	v, ok := params[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key].(float64); ok && v > 0 {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key].(float64); ok && v >= 1 {
		return int(v)
	}
	return def
}
