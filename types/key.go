package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/kvinsights/kvinsights/store/tuple"
)

var errEmptyKey = errors.New("key must have at least one part")

// KeyPart is a single element of a Key. Valid parts are string, int64, float64, bool
// and []byte. Plain int values are accepted and normalized to int64.
type KeyPart = any

// Key is an ordered sequence of typed parts. Keys sort part by part, and parts of
// different types sort as: []byte < string < int64 < float64 < bool.
type Key []KeyPart

// Pack returns the order-preserving byte encoding of the key.
func (k Key) Pack() ([]byte, error) {
	for i, p := range k {
		switch p.(type) {
		case string, int, int64, float64, bool, []byte:
		default:
			return nil, fmt.Errorf("invalid key part at index %d: unsupported type %T", i, p)
		}
	}
	return tuple.Tuple(k).PackChecked()
}

// Validate checks that the key can be stored: it must be non-empty and every part
// must be of a supported type.
func (k Key) Validate() error {
	if len(k) == 0 {
		return errEmptyKey
	}
	_, err := k.Pack()
	return err
}

// UnpackKey decodes a key previously encoded with Pack.
func UnpackKey(b []byte) (Key, error) {
	t, err := tuple.Unpack(b)
	if err != nil {
		return nil, fmt.Errorf("error unpacking key: %w", err)
	}
	return Key(t), nil
}

// Equal reports whether both keys have the same parts. Keys that cannot be packed
// are never equal.
func (k Key) Equal(other Key) bool {
	a, err := k.Pack()
	if err != nil {
		return false
	}
	b, err := other.Pack()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// String renders the key for humans, e.g. ["users", "alice", 1].
func (k Key) String() string {
	parts := make([]string, 0, len(k))
	for _, p := range k {
		switch v := p.(type) {
		case string:
			parts = append(parts, strconv.Quote(v))
		case []byte:
			parts = append(parts, fmt.Sprintf("b%q", base64.StdEncoding.EncodeToString(v)))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type keyPartJSON struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MarshalJSON encodes the key as an array of {"type", "value"} objects so that the
// part types survive the round trip.
func (k Key) MarshalJSON() ([]byte, error) {
	parts := make([]keyPartJSON, 0, len(k))
	for i, p := range k {
		switch v := p.(type) {
		case string:
			parts = append(parts, keyPartJSON{Type: "string", Value: v})
		case int:
			parts = append(parts, keyPartJSON{Type: "integer", Value: strconv.FormatInt(int64(v), 10)})
		case int64:
			parts = append(parts, keyPartJSON{Type: "integer", Value: strconv.FormatInt(v, 10)})
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("key part at index %d: %v cannot be encoded as JSON", i, v)
			}
			parts = append(parts, keyPartJSON{Type: "float", Value: v})
		case bool:
			parts = append(parts, keyPartJSON{Type: "bool", Value: v})
		case []byte:
			parts = append(parts, keyPartJSON{Type: "bytes", Value: base64.StdEncoding.EncodeToString(v)})
		default:
			return nil, fmt.Errorf("key part at index %d: unsupported type %T", i, p)
		}
	}
	return json.Marshal(parts)
}

// UnmarshalJSON decodes the typed representation produced by MarshalJSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	var (
		parts   Key
		loopErr error
	)
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if loopErr != nil {
			return
		}
		if err != nil {
			loopErr = err
			return
		}
		part, err := decodeKeyPart(value)
		if err != nil {
			loopErr = fmt.Errorf("key part at offset %d: %w", offset, err)
			return
		}
		parts = append(parts, part)
	})
	if err != nil {
		return fmt.Errorf("error decoding key: %w", err)
	}
	if loopErr != nil {
		return fmt.Errorf("error decoding key: %w", loopErr)
	}

	*k = parts
	return nil
}

func decodeKeyPart(data []byte) (KeyPart, error) {
	typ, err := jsonparser.GetString(data, "type")
	if err != nil {
		return nil, fmt.Errorf("missing type: %w", err)
	}
	raw, _, _, err := jsonparser.Get(data, "value")
	if err != nil {
		return nil, fmt.Errorf("missing value: %w", err)
	}

	switch typ {
	case "string":
		return jsonparser.ParseString(raw)
	case "integer":
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case "float":
		return jsonparser.ParseFloat(raw)
	case "bool":
		return jsonparser.ParseBoolean(raw)
	case "bytes":
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unknown key part type: %q", typ)
	}
}

// ParseKey parses a plain JSON array such as ["users", "alice", 1] into a Key.
// Strings become string parts, integral numbers int64 parts, other numbers float64
// parts and booleans bool parts. It is meant for command line input where the typed
// representation is too verbose.
func ParseKey(data []byte) (Key, error) {
	var (
		parts   Key
		loopErr error
	)
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if loopErr != nil {
			return
		}
		if err != nil {
			loopErr = err
			return
		}
		switch dataType {
		case jsonparser.String:
			s, err := jsonparser.ParseString(value)
			if err != nil {
				loopErr = err
				return
			}
			parts = append(parts, s)
		case jsonparser.Number:
			if i, err := jsonparser.ParseInt(value); err == nil {
				parts = append(parts, i)
				return
			}
			f, err := jsonparser.ParseFloat(value)
			if err != nil {
				loopErr = err
				return
			}
			parts = append(parts, f)
		case jsonparser.Boolean:
			b, err := jsonparser.ParseBoolean(value)
			if err != nil {
				loopErr = err
				return
			}
			parts = append(parts, b)
		default:
			loopErr = fmt.Errorf("unsupported key part %s at offset %d", string(value), offset)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("error parsing key: %w", err)
	}
	if loopErr != nil {
		return nil, fmt.Errorf("error parsing key: %w", loopErr)
	}
	return parts, nil
}
