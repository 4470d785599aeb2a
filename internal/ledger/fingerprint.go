package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint returns the SHA-256 hex digest of the canonical serialization
// of input. Mapping keys are sorted recursively, so semantically identical
// inputs with different key order hash identically. Total: values that do not
// serialize as JSON are stringified instead, and empty input hashes the empty
// canonical form.
func Fingerprint(input any) string {
	var buf bytes.Buffer
	writeCanonical(&buf, normalize(input))
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// normalize round-trips input through JSON so structs, typed maps and slices
// all collapse to the generic map[string]any / []any / primitive forms that
// writeCanonical understands.
func normalize(input any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(input))
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
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
			keyJSON, _ := json.Marshal(k)
			buf.Write(keyJSON)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		leaf, err := json.Marshal(val)
		if err != nil {
			leaf, _ = json.Marshal(fmt.Sprint(val))
		}
		buf.Write(leaf)
	}
}

// summarize renders a truncated human-readable form of the input. Not
// authoritative; the fingerprint is.
func summarize(input any, maxLen int) string {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = []byte(fmt.Sprint(input))
	}
	runes := []rune(string(raw))
	if len(runes) <= maxLen {
		return string(runes)
	}
	return string(runes[:maxLen])
}
