package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned, without any network call, when an operation
	// needs a logged-in session and the client has none.
	ErrNotConnected = errors.New("remote: no session")
	// ErrAlreadyConnected is returned by Login when the client already holds a session.
	ErrAlreadyConnected = errors.New("remote: session already established")
	// ErrResourceType is returned for resource types outside the allow-list.
	ErrResourceType = errors.New("remote: resource type not allowed")
	// ErrMissingID is returned by Update when the payload carries no target id.
	ErrMissingID = errors.New("remote: update payload has no id")
	// ErrUnknownVersion is returned when no protocol is registered for a version.
	ErrUnknownVersion = errors.New("remote: unknown api version")
)

// CallError describes a remote call that did not produce a usable result:
// a transport failure, a non-200 status or an unusable body.
type CallError struct {
	Op         string
	URL        string
	StatusCode int
	Detail     string
	Err        error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("remote %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by a CallError in err's chain, or 0.
func StatusOf(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}
