package queue

import (
	"errors"
	"fmt"
	"net/http"
)

// PublishError indicates that the durable queue did not accept a published value.
// Publish does not retry, the caller decides whether to.
type PublishError struct {
	err error
}

// NewPublishError creates a new PublishError.
func NewPublishError(err error) error {
	if err == nil {
		panic("[invariant violated] PublishError must wrap an error")
	}
	return PublishError{err: err}
}

func (p PublishError) Error() string {
	return fmt.Sprintf("PublishError: %s", p.err.Error())
}

func (p PublishError) Unwrap() error {
	return p.err
}

func (p PublishError) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*PublishError)
	_, ok2 := target.(PublishError)
	return ok1 || ok2
}

func (p PublishError) HTTPStatusCode() int {
	return http.StatusServiceUnavailable
}

// IsPublishErr returns a boolean indicating whether the error was caused by the
// durable queue rejecting a published value.
func IsPublishErr(err error) bool {
	return errors.Is(err, PublishError{})
}

// ConnectionError indicates that the queue consumer or the relay could not be
// established. Component is "queue" or "relay".
type ConnectionError struct {
	Component string
	err       error
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(component string, err error) error {
	if err == nil {
		panic("[invariant violated] ConnectionError must wrap an error")
	}
	return ConnectionError{Component: component, err: err}
}

func (c ConnectionError) Error() string {
	return fmt.Sprintf("ConnectionError(Component:%s): %s", c.Component, c.err.Error())
}

func (c ConnectionError) Unwrap() error {
	return c.err
}

func (c ConnectionError) Is(target error) bool {
	if target == nil {
		return false
	}

	_, ok1 := target.(*ConnectionError)
	_, ok2 := target.(ConnectionError)
	return ok1 || ok2
}

func (c ConnectionError) HTTPStatusCode() int {
	return http.StatusServiceUnavailable
}

// IsConnectionErr returns a boolean indicating whether the error was caused by a
// failure to establish the queue consumer or the relay.
func IsConnectionErr(err error) bool {
	return errors.Is(err, ConnectionError{})
}
