package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/buger/jsonparser"
)

// Value is the payload stored under a key and carried by published events. It is a
// closed set of variants, consumers are expected to type switch on it:
//
//	switch v := value.(type) {
//	case types.String:
//	case types.Map:
//	...
//	}
type Value interface {
	// Kind returns the name of the variant as used in the encoded form.
	Kind() string

	isValue()
}

type (
	// Null is the absence of a value.
	Null struct{}
	// String is a UTF-8 string.
	String string
	// Number is a floating point number.
	Number float64
	// Integer is a 64-bit signed integer.
	Integer int64
	// Bool is a boolean.
	Bool bool
	// Bytes is an arbitrary byte sequence.
	Bytes []byte
	// Map is a mapping from string keys to values.
	Map map[string]Value
	// List is an ordered sequence of values.
	List []Value
)

func (Null) Kind() string    { return "null" }
func (String) Kind() string  { return "string" }
func (Number) Kind() string  { return "number" }
func (Integer) Kind() string { return "integer" }
func (Bool) Kind() string    { return "bool" }
func (Bytes) Kind() string   { return "bytes" }
func (Map) Kind() string     { return "map" }
func (List) Kind() string    { return "list" }

func (Null) isValue()    {}
func (String) isValue()  {}
func (Number) isValue()  {}
func (Integer) isValue() {}
func (Bool) isValue()    {}
func (Bytes) isValue()   {}
func (Map) isValue()     {}
func (List) isValue()    {}

// MarshalValue encodes a value into its self-describing JSON form:
//
//	{"type": "map", "value": {"name": {"type": "string", "value": "alice"}}}
//
// A nil Value is encoded as Null.
func MarshalValue(v Value) ([]byte, error) {
	encoded, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encoded)
}

type encodedValue struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

func encodeValue(v Value) (encodedValue, error) {
	if v == nil {
		return encodedValue{Type: Null{}.Kind()}, nil
	}

	switch val := v.(type) {
	case Null:
		return encodedValue{Type: val.Kind()}, nil
	case String:
		return encodedValue{Type: val.Kind(), Value: string(val)}, nil
	case Number:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return encodedValue{}, fmt.Errorf("number %v cannot be encoded", f)
		}
		return encodedValue{Type: val.Kind(), Value: f}, nil
	case Integer:
		// Encoded as a string so that no JSON implementation rounds it to a float64.
		return encodedValue{Type: val.Kind(), Value: strconv.FormatInt(int64(val), 10)}, nil
	case Bool:
		return encodedValue{Type: val.Kind(), Value: bool(val)}, nil
	case Bytes:
		return encodedValue{Type: val.Kind(), Value: base64.StdEncoding.EncodeToString(val)}, nil
	case Map:
		m := make(map[string]encodedValue, len(val))
		for k, elem := range val {
			e, err := encodeValue(elem)
			if err != nil {
				return encodedValue{}, fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = e
		}
		return encodedValue{Type: val.Kind(), Value: m}, nil
	case List:
		l := make([]encodedValue, 0, len(val))
		for i, elem := range val {
			e, err := encodeValue(elem)
			if err != nil {
				return encodedValue{}, fmt.Errorf("list index %d: %w", i, err)
			}
			l = append(l, e)
		}
		return encodedValue{Type: val.Kind(), Value: l}, nil
	default:
		return encodedValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// UnmarshalValue decodes the output of MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	typ, err := jsonparser.GetString(data, "type")
	if err != nil {
		return nil, fmt.Errorf("error decoding value type: %w", err)
	}
	if typ == "null" {
		return Null{}, nil
	}

	raw, dataType, _, err := jsonparser.Get(data, "value")
	if err != nil {
		return nil, fmt.Errorf("error decoding %s value: %w", typ, err)
	}

	switch typ {
	case "string":
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case "number":
		f, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case "integer":
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return Integer(i), nil
	case "bool":
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return nil, err
		}
		return Bool(b), nil
	case "bytes":
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil
	case "map":
		if dataType != jsonparser.Object {
			return nil, fmt.Errorf("map value is a %s", dataType)
		}
		m := Map{}
		err := jsonparser.ObjectEach(raw, func(key, value []byte, _ jsonparser.ValueType, _ int) error {
			k, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			elem, err := UnmarshalValue(value)
			if err != nil {
				return fmt.Errorf("map key %q: %w", k, err)
			}
			m[k] = elem
			return nil
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case "list":
		if dataType != jsonparser.Array {
			return nil, fmt.Errorf("list value is a %s", dataType)
		}
		l := List{}
		var loopErr error
		_, err := jsonparser.ArrayEach(raw, func(value []byte, _ jsonparser.ValueType, offset int, err error) {
			if loopErr != nil {
				return
			}
			if err != nil {
				loopErr = err
				return
			}
			elem, err := UnmarshalValue(value)
			if err != nil {
				loopErr = fmt.Errorf("list offset %d: %w", offset, err)
				return
			}
			l = append(l, elem)
		})
		if err != nil {
			return nil, err
		}
		if loopErr != nil {
			return nil, loopErr
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown value type: %q", typ)
	}
}

// ParseValue converts plain JSON (as typed by a user) into a Value: objects become
// Map, arrays List, integral numbers Integer, other numbers Number.
func ParseValue(data []byte) (Value, error) {
	raw, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing value: %w", err)
	}
	return parsePlain(raw, dataType)
}

func parsePlain(raw []byte, dataType jsonparser.ValueType) (Value, error) {
	switch dataType {
	case jsonparser.Null:
		return Null{}, nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case jsonparser.Number:
		if i, err := jsonparser.ParseInt(raw); err == nil {
			return Integer(i), nil
		}
		f, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return nil, err
		}
		return Bool(b), nil
	case jsonparser.Object:
		m := Map{}
		err := jsonparser.ObjectEach(raw, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
			k, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			elem, err := parsePlain(value, dt)
			if err != nil {
				return err
			}
			m[k] = elem
			return nil
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case jsonparser.Array:
		l := List{}
		var loopErr error
		_, err := jsonparser.ArrayEach(raw, func(value []byte, dt jsonparser.ValueType, _ int, err error) {
			if loopErr != nil {
				return
			}
			if err != nil {
				loopErr = err
				return
			}
			elem, err := parsePlain(value, dt)
			if err != nil {
				loopErr = err
				return
			}
			l = append(l, elem)
		})
		if err != nil {
			return nil, err
		}
		if loopErr != nil {
			return nil, loopErr
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value: %s", string(raw))
	}
}

// Plain converts a value into plain Go values (map[string]any, []any, string,
// float64, int64, bool, []byte, nil), the inverse of ParseValue for display.
func Plain(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Number:
		return float64(val)
	case Integer:
		return int64(val)
	case Bool:
		return bool(val)
	case Bytes:
		return []byte(val)
	case Map:
		m := make(map[string]any, len(val))
		for k, elem := range val {
			m[k] = Plain(elem)
		}
		return m
	case List:
		l := make([]any, 0, len(val))
		for _, elem := range val {
			l = append(l, Plain(elem))
		}
		return l
	default:
		return nil
	}
}
