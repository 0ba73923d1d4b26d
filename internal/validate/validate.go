// SPDX-License-Identifier: MIT

package validate

import (
	"encoding/json"
	"fmt"
)

// Error reports which field broke which rule. Never retried.
type Error struct {
	Field  string
	Reason string
	Index  int // position within a batch, -1 when standalone
}

// NewError builds a standalone validation error, one not tied to a batch
// position.
func NewError(field, reason string) *Error {
	return &Error{Field: field, Reason: reason, Index: -1}
}

func (e *Error) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("validation failed at record %d, field %q: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed, field %q: %s", e.Field, e.Reason)
}

// transcriptEndTolerance allows a segment end to overshoot the video
// duration slightly; speech models round segment boundaries up.
const transcriptEndTolerance = 0.5

// Batch applies per-record validation, ordering and duration-range checks
// to a homogeneous batch. videoDuration <= 0 skips the range check (the
// caller has no video row in hand).
func Batch(t Type, payloads []Payload, videoDuration float64) error {
	prev := -1.0
	for i, p := range payloads {
		if p.Type() != t {
			return &Error{Index: i, Field: "context_type",
				Reason: fmt.Sprintf("expected %s record, got %s", t, p.Type())}
		}
		if err := p.Validate(); err != nil {
			if ve, ok := err.(*Error); ok {
				ve.Index = i
				return ve
			}
			return err
		}
		ts := p.PrimaryTimestamp()
		if ts < prev {
			return &Error{Index: i, Field: "timestamp",
				Reason: fmt.Sprintf("timestamps must be non-decreasing, %g after %g", ts, prev)}
		}
		prev = ts
		if videoDuration > 0 {
			if err := checkRange(p, videoDuration); err != nil {
				if ve, ok := err.(*Error); ok {
					ve.Index = i
				}
				return err
			}
		}
	}
	return nil
}

func checkRange(p Payload, duration float64) error {
	switch v := p.(type) {
	case Transcript:
		if v.Start > duration {
			return NewError("start", "Transcript start exceeds video duration")
		}
		if v.End > duration+transcriptEndTolerance {
			return NewError("end", "Transcript end exceeds video duration")
		}
	default:
		if p.PrimaryTimestamp() > duration {
			return NewError("timestamp", "Timestamp exceeds video duration")
		}
	}
	return nil
}

// DecodeBatch converts a raw JSON array into typed payloads for the given
// context type. Unknown fields are dropped; shape errors surface as
// validation failures, not decode panics.
func DecodeBatch(t Type, raw json.RawMessage) ([]Payload, error) {
	switch t {
	case TypeFrame:
		return decodeAs[Frame](raw)
	case TypeCaption:
		return decodeAs[Caption](raw)
	case TypeTranscript:
		return decodeAs[Transcript](raw)
	case TypeObject:
		return decodeAs[ObjectSet](raw)
	default:
		return nil, NewError("context_type", fmt.Sprintf("unknown context type %q", t))
	}
}

func decodeAs[T Payload](raw json.RawMessage) ([]Payload, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, NewError("payload", fmt.Sprintf("malformed payload list: %v", err))
	}
	out := make([]Payload, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out, nil
}
