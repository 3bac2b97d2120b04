package entry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kvinsights/kvinsights/types"
)

// VersionConflictError is returned by SaveEntry when the current versionstamp of the
// key does not match the expected one. It is always recoverable: re-read the entry
// and retry with its current versionstamp.
type VersionConflictError struct {
	Key types.Key
	// Expected is the versionstamp the caller expected, empty meaning "absent".
	Expected types.Versionstamp
	// Actual is the versionstamp of the key at commit time, empty if it does not exist.
	Actual types.Versionstamp
}

func (v VersionConflictError) Error() string {
	return fmt.Sprintf(
		"VersionConflictError(Key:%s): expected versionstamp %s but found %s",
		v.Key, displayVersionstamp(v.Expected), displayVersionstamp(v.Actual))
}

func (v VersionConflictError) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*VersionConflictError)
	_, ok2 := target.(VersionConflictError)
	return ok1 || ok2
}

func (v VersionConflictError) HTTPStatusCode() int {
	return http.StatusConflict
}

// IsVersionConflictErr returns a boolean indicating whether the error was caused by
// a versionstamp mismatch on save.
func IsVersionConflictErr(err error) bool {
	return errors.Is(err, VersionConflictError{})
}

func displayVersionstamp(vs types.Versionstamp) string {
	if !vs.Exists() {
		return "<absent>"
	}
	return string(vs)
}
