package desformat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/valyala/bytebufferpool"
)

// CanonicalizeMeta serializes a per-file metadata value to the canonical JSON
// form every writer and reader in this module agrees on (spec §9, Open
// Question: "the precise JSON canonicalization rule... is not bit-fixed").
//
// The rule chosen here: marshal through encoding/json with HTML-escaping
// disabled and no indentation, relying on encoding/json's own behavior of
// emitting object keys in sorted order for map[string]any values. NaN/Inf
// floats are rejected outright rather than silently re-encoded, since
// encoding/json already refuses them and the caller should know why add()
// failed.
func CanonicalizeMeta(meta any) ([]byte, error) {
	if err := rejectNonFiniteFloats(meta); err != nil {
		return nil, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("canonicalize meta: %w", err)
	}
	// json.Encoder.Encode always appends a trailing newline; the canonical
	// form does not carry one. Copy out of buf before it returns to the
	// pool and gets reused by the next Add call.
	trimmed := bytes.TrimRight(buf.Bytes(), "\n")
	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

func rejectNonFiniteFloats(v any) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonicalize meta: non-finite float %v", t)
		}
	case map[string]any:
		for _, vv := range t {
			if err := rejectNonFiniteFloats(vv); err != nil {
				return err
			}
		}
	case []any:
		for _, vv := range t {
			if err := rejectNonFiniteFloats(vv); err != nil {
				return err
			}
		}
	}
	return nil
}
