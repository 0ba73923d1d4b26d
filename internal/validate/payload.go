// SPDX-License-Identifier: MIT

// Package validate holds the typed payload variants for every context type
// and the pure validation rules applied before anything reaches the store.
package validate

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the context record kinds.
type Type string

const (
	TypeFrame       Type = "frame"
	TypeCaption     Type = "caption"
	TypeTranscript  Type = "transcript"
	TypeObject      Type = "object"
	TypeIdempotency Type = "idempotency"
)

// Payload is one typed analysis result. Implementations serialize to JSON
// exactly at the store boundary.
type Payload interface {
	Type() Type
	// PrimaryTimestamp is the offset used for ordering and range checks.
	PrimaryTimestamp() float64
	Validate() error
}

// Frame is a single extracted video frame.
type Frame struct {
	Timestamp   float64 `json:"timestamp"`
	FrameNumber int     `json:"frame_number"`
	ImagePath   string  `json:"image_path,omitempty"`
	ImageBase64 string  `json:"image_base64,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

func (f Frame) Type() Type                { return TypeFrame }
func (f Frame) PrimaryTimestamp() float64 { return f.Timestamp }

func (f Frame) Validate() error {
	if f.Timestamp < 0 {
		return NewError("timestamp", "Frame timestamp cannot be negative")
	}
	if f.FrameNumber < 0 {
		return NewError("frame_number", "Frame number cannot be negative")
	}
	if f.Width < 0 {
		return NewError("width", "Frame width cannot be negative")
	}
	if f.Height < 0 {
		return NewError("height", "Frame height cannot be negative")
	}
	return nil
}

// Caption is a model-generated description of one frame.
type Caption struct {
	FrameTimestamp float64  `json:"frame_timestamp"`
	Text           string   `json:"text"`
	Confidence     *float64 `json:"confidence,omitempty"`
	ModelVersion   string   `json:"model_version,omitempty"`
}

func (c Caption) Type() Type                { return TypeCaption }
func (c Caption) PrimaryTimestamp() float64 { return c.FrameTimestamp }

func (c Caption) Validate() error {
	if c.FrameTimestamp < 0 {
		return NewError("frame_timestamp", "Caption timestamp cannot be negative")
	}
	if isBlank(c.Text) {
		return NewError("text", "Caption text cannot be empty")
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return NewError("confidence", "Caption confidence must be within [0,1]")
	}
	return nil
}

// Transcript is one speech-to-text segment.
type Transcript struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Language   string   `json:"language,omitempty"`
}

func (t Transcript) Type() Type                { return TypeTranscript }
func (t Transcript) PrimaryTimestamp() float64 { return t.Start }

func (t Transcript) Validate() error {
	if t.Start < 0 {
		return NewError("start", "Transcript start cannot be negative")
	}
	if t.End <= t.Start {
		return NewError("end", "Transcript end must be after start")
	}
	if isBlank(t.Text) {
		return NewError("text", "Transcript text cannot be empty")
	}
	if t.Confidence != nil && (*t.Confidence < 0 || *t.Confidence > 1) {
		return NewError("confidence", "Transcript confidence must be within [0,1]")
	}
	return nil
}

// Detection is one detected object within a frame.
type Detection struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
	TrackID    string    `json:"track_id,omitempty"`
}

// ObjectSet is the object-detection result for one frame.
type ObjectSet struct {
	FrameTimestamp float64     `json:"frame_timestamp"`
	Objects        []Detection `json:"objects"`
}

func (o ObjectSet) Type() Type                { return TypeObject }
func (o ObjectSet) PrimaryTimestamp() float64 { return o.FrameTimestamp }

func (o ObjectSet) Validate() error {
	if o.FrameTimestamp < 0 {
		return NewError("frame_timestamp", "Detection timestamp cannot be negative")
	}
	if o.Objects == nil {
		return NewError("objects", "Detection objects list is required")
	}
	for i, d := range o.Objects {
		if isBlank(d.ClassName) {
			return NewError(fmt.Sprintf("objects[%d].class_name", i), "Object class name is required")
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return NewError(fmt.Sprintf("objects[%d].confidence", i), "Object confidence must be within [0,1]")
		}
		if d.BBox != nil {
			if len(d.BBox) != 4 {
				return NewError(fmt.Sprintf("objects[%d].bbox", i), "Bounding box must have exactly 4 elements")
			}
			for _, v := range d.BBox {
				if v < 0 {
					return NewError(fmt.Sprintf("objects[%d].bbox", i), "Bounding box values cannot be negative")
				}
			}
		}
	}
	return nil
}

// MarshalPayload serializes a payload for the store's data column. Typed
// payloads are always serializable; the error path guards derived callers
// that pass raw maps.
func MarshalPayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", NewError("payload", fmt.Sprintf("payload is not JSON-serializable: %v", err))
	}
	return string(b), nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
