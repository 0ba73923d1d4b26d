// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Alexi5000/videoforge/internal/validate"
)

const (
	maxBodyBytes   = 10 << 20 // request body cap
	maxParamsBytes = 1 << 20  // tool parameters cap inside the body
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

var allowedVideoExts = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

type executeRequest struct {
	VideoID    string         `json:"video_id" validate:"required,max=256"`
	Parameters map[string]any `json:"parameters"`
}

type processRequest struct {
	Tools []string `json:"tools" validate:"omitempty,dive,min=1,max=128"`
}

type progressiveRequest struct {
	VideoPath string `json:"video_path" validate:"required,max=4096"`
}

// decodeBody parses and struct-validates a JSON request body. An empty body
// is allowed when the DTO has no required fields.
func decodeBody(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err.Error() == "EOF" {
			return structValidateOrNil(dst)
		}
		return validate.NewError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	return structValidateOrNil(dst)
}

func structValidateOrNil(dst any) error {
	if err := structValidator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return validate.NewError(strings.ToLower(fe.Field()), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
		return validate.NewError("body", err.Error())
	}
	return nil
}

// checkVideoID rejects ids that could traverse paths or smuggle control
// characters into logs or filenames.
func checkVideoID(id string) error {
	if id == "" {
		return validate.NewError("video_id", "must not be empty")
	}
	if len(id) > 256 {
		return validate.NewError("video_id", "exceeds 256 characters")
	}
	if strings.Contains(id, "..") {
		return validate.NewError("video_id", "must not contain '..'")
	}
	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return validate.NewError("video_id", "must not contain control characters")
		}
		if strings.ContainsRune(`/\<>|*?`, c) {
			return validate.NewError("video_id", fmt.Sprintf("must not contain %q", c))
		}
	}
	return nil
}

// checkVideoPath enforces the recognized container extensions and rejects
// traversal sequences.
func checkVideoPath(path string) error {
	if path == "" {
		return validate.NewError("video_path", "must not be empty")
	}
	if strings.Contains(path, "..") {
		return validate.NewError("video_path", "must not contain '..'")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedVideoExts[ext] {
		return validate.NewError("video_path", fmt.Sprintf("unsupported extension %q", ext))
	}
	return nil
}

// checkParamsSize bounds the serialized tool parameters.
func checkParamsSize(params map[string]any) error {
	if params == nil {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return validate.NewError("parameters", "parameters are not JSON-serializable")
	}
	if len(b) > maxParamsBytes {
		return validate.NewError("parameters", "parameters exceed 1 MB")
	}
	return nil
}
