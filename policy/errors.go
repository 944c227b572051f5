package policy

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned to a caller whose own context fired before
// the shared network call settled. Other joined callers are unaffected.
var ErrCancelled = errors.New("policy: request cancelled")

// ErrNotModified may be returned by a Loader to signal that the origin
// confirmed the cached payload is still current (e.g. a 304 against the
// stored entity tag). The engine then refreshes the entry in place.
var ErrNotModified = errors.New("policy: not modified")

// NetworkError is a transport or connectivity failure: the loader never
// received an application response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a successful transport with a non-success application
// response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.StatusCode)
}
