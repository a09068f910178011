// Package canonical provides the deterministic JSON encoding used to
// content-address event payloads, and the SHA-256 digests built on it.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrSerialization is matched (errors.Is) by every error returned for a payload
// that has no canonical representation.
var ErrSerialization = errors.New("serialization error")

// ErrDigestMismatch is returned by Verify when a payload does not hash to the expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// SerializationError reports where in the payload canonicalization failed.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("canonical: %v", e.Err)
	}
	return fmt.Sprintf("canonical: %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	return []error{ErrSerialization, e.Err}
}

func serErr(path string, format string, args ...interface{}) error {
	return &SerializationError{Path: path, Err: fmt.Errorf(format, args...)}
}

// MarshalCanonical returns deterministic JSON bytes for an arbitrary JSON-like value.
// Rules:
//   - Objects: keys sorted lexicographically (after NFC normalization).
//   - Arrays: order preserved.
//   - Strings: NFC normalized, no HTML escaping; invalid UTF-8 is rejected.
//   - Numbers: integers printed without exponent or fraction, other values use the
//     shortest float64 form, so 1, 1.0 and json.Number("1") encode identically.
//   - NaN and infinities are rejected.
//
// Structs are encoded through their JSON tags. []byte values are the only way to
// carry binary data (base64 per encoding/json).
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	canon, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashHex(canon), nil
}

// Matches recomputes the digest of v and compares it with digest.
func Matches(v interface{}, digest string) (bool, error) {
	got, err := Hash(v)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, digest), nil
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

func encode(buf *bytes.Buffer, v interface{}, path string) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := canonicalNumber(vv)
		if err != nil {
			return serErr(path, "%v", err)
		}
		buf.WriteString(s)
	case float64:
		s, err := canonicalFloat(vv)
		if err != nil {
			return serErr(path, "%v", err)
		}
		buf.WriteString(s)
	case string:
		return writeString(buf, vv, path)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		// Normalize keys first so that NFC-equal keys sort and collide the same way.
		normalized := make(map[string]interface{}, len(vv))
		keys := make([]string, 0, len(vv))
		for k, elem := range vv {
			if !utf8.ValidString(k) {
				return serErr(path, "object key is not valid UTF-8")
			}
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return serErr(path, "duplicate key %q after normalization", nk)
			}
			normalized[nk] = elem
			keys = append(keys, nk)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, normalized[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// encoding/json silently replaces invalid UTF-8, so check strings before it runs.
		if err := checkStrings(reflect.ValueOf(vv), path, 0); err != nil {
			return err
		}
		b, err := json.Marshal(vv)
		if err != nil {
			return serErr(path, "%v", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return serErr(path, "decode fallback: %v", err)
		}
		return encode(buf, tmp, path)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string, path string) error {
	if !utf8.ValidString(s) {
		return serErr(path, "string is not valid UTF-8")
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return serErr(path, "%v", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if !strings.ContainsAny(s, ".eE") {
		// integer outside int64; keep the digits as sent
		if isDigits(strings.TrimPrefix(s, "-")) {
			return s, nil
		}
		return "", fmt.Errorf("invalid number %q", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", s, err)
	}
	return canonicalFloat(f)
}

func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("unsupported float value %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkStrings walks v looking for strings that are not valid UTF-8.
// []byte is skipped: it is the declared binary carrier.
func checkStrings(v reflect.Value, path string, depth int) error {
	if depth > 64 || !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return serErr(path, "string is not valid UTF-8")
		}
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkStrings(v.Elem(), path, depth+1)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkStrings(v.Field(i), path+"."+t.Field(i).Name, depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
				return serErr(path, "object key is not valid UTF-8")
			}
			if err := checkStrings(iter.Value(), fmt.Sprintf("%s.%v", path, k.Interface()), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkStrings(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Verify returns an error wrapping ErrDigestMismatch when v does not hash to digest.
func Verify(v interface{}, digest string) error {
	ok, err := Matches(v, digest)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: want %s", ErrDigestMismatch, digest)
	}
	return nil
}
