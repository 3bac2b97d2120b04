package types

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOrder(t *testing.T) {
	// Sorted: parts compare in order, types as []byte < string < int64 < float64 < bool.
	sorted := []Key{
		{[]byte{0x00}},
		{[]byte{0x00, 0xFF}},
		{"users"},
		{"users", "alice"},
		{"users", "bob"},
		{"users", int64(-10)},
		{"users", int64(2)},
		{"users", int64(10)},
		{"users", 1.5},
		{"users", false},
		{"users", true},
		{"usersX"},
		{int64(-1)},
		{int64(0)},
		{2.5},
		{true},
	}

	packed := make([][]byte, 0, len(sorted))
	for _, k := range sorted {
		p, err := k.Pack()
		require.NoError(t, err, k.String())
		packed = append(packed, p)
	}
	for i := 1; i < len(packed); i++ {
		require.Equal(t, -1, bytes.Compare(packed[i-1], packed[i]), "%s should sort before %s", sorted[i-1], sorted[i])
	}
}

func TestKeyPackRoundTrip(t *testing.T) {
	key := Key{"users", 7, int64(-3), 2.5, true, []byte("raw")}
	packed, err := key.Pack()
	require.NoError(t, err)

	unpacked, err := UnpackKey(packed)
	require.NoError(t, err)
	// Plain ints come back as int64.
	require.Equal(t, Key{"users", int64(7), int64(-3), 2.5, true, []byte("raw")}, unpacked)
	require.True(t, key.Equal(unpacked))
	require.False(t, key.Equal(Key{"users"}))
}

func TestKeyValidate(t *testing.T) {
	require.NoError(t, Key{"a", int64(1)}.Validate())
	require.Error(t, Key{}.Validate())
	require.Error(t, Key(nil).Validate())
	require.Error(t, Key{"a", struct{}{}}.Validate())
	require.Error(t, Key{nil}.Validate())
	require.False(t, Key{struct{}{}}.Equal(Key{struct{}{}}))
}

func TestKeyString(t *testing.T) {
	require.Equal(t, `["users", "alice", 1, 2.5, true, b"AAE="]`,
		Key{"users", "alice", int64(1), 2.5, true, []byte{0x00, 0x01}}.String())
	require.Equal(t, `[]`, Key{}.String())
}

func TestKeyJSON(t *testing.T) {
	key := Key{"users", int64(math.MaxInt64), -0.5, false, []byte{0xFF}}

	marshaled, err := json.Marshal(key)
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"type": "string", "value": "users"},
		{"type": "integer", "value": "9223372036854775807"},
		{"type": "float", "value": -0.5},
		{"type": "bool", "value": false},
		{"type": "bytes", "value": "/w=="}
	]`, string(marshaled))

	var decoded Key
	require.NoError(t, json.Unmarshal(marshaled, &decoded))
	require.Equal(t, key, decoded)

	_, err = json.Marshal(Key{math.NaN()})
	require.Error(t, err)

	for _, invalid := range []string{
		`[{"type": "string"}]`,
		`[{"value": "x"}]`,
		`[{"type": "date", "value": "2023-01-01"}]`,
		`[{"type": "integer", "value": "1.5"}]`,
		`[{"type": "bytes", "value": "!!"}]`,
	} {
		require.Error(t, json.Unmarshal([]byte(invalid), &decoded), invalid)
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey([]byte(`["users", 1, 2.5, true]`))
	require.NoError(t, err)
	require.Equal(t, Key{"users", int64(1), 2.5, true}, key)

	for _, invalid := range []string{
		`["users", null]`,
		`["users", {"a": 1}]`,
		`["users", ["nested"]]`,
		`not json`,
	} {
		_, err := ParseKey([]byte(invalid))
		require.Error(t, err, invalid)
	}
}
