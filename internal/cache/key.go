// SPDX-License-Identifier: MIT

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Key assembles a namespaced cache key from colon-separated segments, e.g.
// Key("video", videoID, toolName, hash) -> "video:v1:caption_frames:ab12…".
func Key(segments ...string) string {
	return strings.Join(segments, ":")
}

// HashParams produces a stable hash over canonicalized parameters. Maps are
// serialized with sorted keys so logically equal inputs share a key.
func HashParams(params map[string]any) string {
	canonical := canonicalize(params)
	b, err := json.Marshal(canonical)
	if err != nil {
		// Non-serializable params never reach here in practice; the
		// validator rejects them upstream. Fall back to an empty hash.
		b = []byte("{}")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}

// canonicalize sorts map keys recursively so JSON encoding is stable.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalize(t[k]))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// MatchPattern matches a key against a pattern at colon-segment
// granularity. "*" matches exactly one segment; a trailing "*" matches any
// remaining segments.
func MatchPattern(pattern, key string) bool {
	ps := strings.Split(pattern, ":")
	ks := strings.Split(key, ":")
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return len(ks) >= i
		}
		if i >= len(ks) {
			return false
		}
		if p != "*" && p != ks[i] {
			return false
		}
	}
	return len(ps) == len(ks)
}
