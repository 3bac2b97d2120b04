package types

import (
	"encoding/hex"
	"fmt"
)

// Versionstamp is the opaque version token the store assigns to a key on every
// successful write. The empty Versionstamp means the key does not exist.
type Versionstamp string

// NewVersionstamp formats a store-local monotonic version as a Versionstamp. All
// stores produce 20 hex characters so that tokens from different backends look alike.
func NewVersionstamp(version uint64) Versionstamp {
	return Versionstamp(fmt.Sprintf("%020x", version))
}

// VersionstampFromBytes formats a raw 10 byte FoundationDB style versionstamp.
func VersionstampFromBytes(b []byte) Versionstamp {
	return Versionstamp(hex.EncodeToString(b))
}

// Exists reports whether the token refers to an existing version.
func (v Versionstamp) Exists() bool {
	return v != ""
}
