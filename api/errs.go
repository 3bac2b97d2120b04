package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/queue"
	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/types"
)

const (
	errKindBadRequest      = "bad_request"
	errKindInvalidCursor   = "invalid_cursor"
	errKindNotFound        = "not_found"
	errKindVersionConflict = "version_conflict"
	errKindPublish         = "publish"
	errKindConnection      = "connection"
	errKindInternal        = "internal"
)

var (
	// Make sure they implement the interface.
	_ HTTPError = entry.VersionConflictError{}
	_ HTTPError = queue.NewPublishError(errors.New("n/a")).(HTTPError)
	_ HTTPError = queue.NewConnectionError("n/a", errors.New("n/a")).(HTTPError)
	_ HTTPError = badRequestError{}
)

// HTTPError is the interface implemented by errors that map to a specific status
// code. The server writes the status code and an errorResponse whose kind lets the
// client convert the error back into the same in memory type.
type HTTPError interface {
	HTTPStatusCode() int
}

type badRequestError struct {
	err error
}

func newBadRequestError(format string, args ...any) error {
	return badRequestError{err: fmt.Errorf(format, args...)}
}

func (b badRequestError) Error() string {
	return fmt.Sprintf("BadRequestError: %s", b.err.Error())
}

func (b badRequestError) Unwrap() error {
	return b.err
}

func (b badRequestError) HTTPStatusCode() int {
	return http.StatusBadRequest
}

// errorResponse is the body of every non 2xx response.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	// Set for version conflicts only.
	Key      types.Key          `json:"key,omitempty"`
	Expected types.Versionstamp `json:"expected,omitempty"`
	Actual   types.Versionstamp `json:"actual,omitempty"`
}

func errorResponseFor(err error) (int, errorResponse) {
	resp := errorResponse{Kind: errKindInternal, Message: err.Error()}

	var conflict entry.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		resp.Kind = errKindVersionConflict
		resp.Key = conflict.Key
		resp.Expected = conflict.Expected
		resp.Actual = conflict.Actual
	case errors.Is(err, store.ErrInvalidCursor):
		resp.Kind = errKindInvalidCursor
		return http.StatusBadRequest, resp
	case queue.IsPublishErr(err):
		resp.Kind = errKindPublish
	case queue.IsConnectionErr(err):
		resp.Kind = errKindConnection
	case errors.As(err, &badRequestError{}):
		resp.Kind = errKindBadRequest
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatusCode(), resp
	}
	return http.StatusInternalServerError, resp
}

// errorFromResponse converts an error response back into the error the server
// encountered, as far as the caller can act on it.
func errorFromResponse(op string, statusCode int, resp errorResponse) error {
	err := fmt.Errorf("HTTPClient: %s: error status code: %d, msg: %s", op, statusCode, resp.Message)
	switch resp.Kind {
	case errKindVersionConflict:
		return entry.VersionConflictError{Key: resp.Key, Expected: resp.Expected, Actual: resp.Actual}
	case errKindInvalidCursor:
		return fmt.Errorf("%w: %s", store.ErrInvalidCursor, err)
	case errKindPublish:
		return queue.NewPublishError(err)
	case errKindConnection:
		return queue.NewConnectionError("queue", err)
	default:
		return err
	}
}
