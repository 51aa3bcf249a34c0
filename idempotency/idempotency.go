// Package idempotency derives the stable identifiers used to detect
// duplicate submissions and transport corruption. Two submissions of the
// same logical edit always collapse to the same key; any content change
// produces a new one.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Checksum returns the hex-encoded SHA-256 of payload's canonical JSON
// form. Object keys are sorted recursively, so two JSON documents that
// differ only in member order hash identically. Array order is preserved:
// it is semantically significant.
func Checksum(payload []byte) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Key derives the idempotency key for one logical edit. It is stable
// across retries of the same edit and changes when the edit's content
// (via checksum) changes.
func Key(entityType, entityID, operationType, checksum string) string {
	h := sha256.New()
	// Length-prefixed fields so no two inputs can collide by concatenation.
	for _, part := range []string{entityType, entityID, operationType, checksum} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether payload still matches checksum. Used on reads
// from the local store to detect corruption.
func Verify(payload []byte, checksum string) bool {
	sum, err := Checksum(payload)
	if err != nil {
		return false
	}
	return sum == checksum
}

// canonicalize re-encodes a JSON document with recursively sorted object
// keys. Numbers pass through as their original literals to avoid
// float round-trip drift.
func canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
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
			encKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil

	case bool:
		buf.WriteString(strconv.FormatBool(val))
		return nil

	case nil:
		buf.WriteString("null")
		return nil

	default:
		return fmt.Errorf("unsupported JSON value type %T", v)
	}
}
