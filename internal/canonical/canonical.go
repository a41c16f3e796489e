// Package canonical produces deterministic JSON for content-addressed ids.
//
// The encoding follows RFC 8785: object keys ordered by UTF-16 code units,
// strings NFC normalized, no HTML escaping, and only quote, backslash and
// control characters escaped. Floats and null are refused so that the same
// logical value always hashes the same on every device.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes keep hashes of different record kinds from colliding.
const (
	DomainEvidence = "floorlog/evidence/v1"
	DomainEvent    = "floorlog/event/v1"
)

// Marshal encodes v canonically. Supported values are string, bool, int,
// int64, []string, []any and map[string]any nested arbitrarily.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns hex(SHA-256(domain || 0x00 || Marshal(v))).
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash %s: %w", domain, err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		writeString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, s)
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys, err := sortedKeys(val)
		if err != nil {
			return err
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k.normalized)
			buf.WriteByte(':')
			if err := encode(buf, val[k.original]); err != nil {
				return fmt.Errorf("object[%q]: %w", k.original, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xf])
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

type objectKey struct {
	original   string
	normalized string
}

// sortedKeys orders keys by UTF-16 code units, which differs from byte order
// for characters outside the basic multilingual plane.
func sortedKeys(m map[string]any) ([]objectKey, error) {
	keys := make([]objectKey, 0, len(m))
	for k := range m {
		keys = append(keys, objectKey{original: k, normalized: norm.NFC.String(k)})
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i].normalized, keys[j].normalized)
	})
	for i := 1; i < len(keys); i++ {
		if keys[i].normalized == keys[i-1].normalized {
			return nil, fmt.Errorf("keys %q and %q collide after NFC normalization", keys[i-1].original, keys[i].original)
		}
	}
	return keys, nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
