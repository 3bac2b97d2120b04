package store

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// A cursor is a position in key order: the base64url encoding of the last key a
// scan returned. It is not a snapshot. Resuming a scan continues strictly after that
// key whether or not the key still exists, so keys inserted or removed elsewhere do
// not disturb the scan. A cursor is only valid within a prefix that contains its key.

// EncodeCursor returns the cursor naming the position of key.
func EncodeCursor(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeCursor returns the key named by cursor. It fails with ErrInvalidCursor if
// the cursor is malformed or its key is not within prefix.
func DecodeCursor(prefix []byte, cursor string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
	}
	if !InPrefix(key, prefix) {
		return nil, ErrInvalidCursor
	}
	return key, nil
}

// InPrefix reports whether key is part of a scan over prefix. The key equal to the
// prefix is not.
func InPrefix(key, prefix []byte) bool {
	return len(key) > len(prefix) && bytes.HasPrefix(key, prefix)
}

// PrefixEnd returns the first key that sorts after every key starting with prefix,
// or nil if there is no such key (empty prefix or a prefix of only 0xFF bytes).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// KeyAfter returns the first key that sorts strictly after key.
func KeyAfter(key []byte) []byte {
	return append(append(make([]byte, 0, len(key)+1), key...), 0x00)
}
