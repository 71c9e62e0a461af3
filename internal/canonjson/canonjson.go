// Package canonjson produces the canonical JSON encoding TaskProperties
// is hashed over for dedup identity. encoding/json's map key sort order
// is stable but its escaping (HTML entities, certain unicode) is not
// guaranteed byte-identical across encodings of equivalent values, so
// RequestStore needs a dedicated encoder rather than the standard
// library's Marshal: sorted keys, no HTML escaping, "," / ":" separators
// with no extra whitespace, matching the original implementation's
// utils.encode_to_json.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal renders v as canonical JSON. v must already be, or convert
// cleanly via json.Marshal/Unmarshal into, a tree of map[string]any,
// []any, string, float64/int, bool and nil — the same dynamic shape
// TaskProperties.ToCanonical() produces.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonjson: renormalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case float64:
		buf.WriteString(formatNumber(val))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var scratch bytes.Buffer
	enc := json.NewEncoder(&scratch)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonjson: encode string: %w", err)
	}
	// Encoder.Encode appends a trailing newline; strip it.
	buf.Write(bytes.TrimRight(scratch.Bytes(), "\n"))
	return nil
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
