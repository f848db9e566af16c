package session

import "fmt"

// invalidArgumentError marks a malformed request (empty device list, unknown
// criterion). Maps to a 400 at the wire layer.
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return e.msg }

// ErrInvalidArgument constructs an invalid-argument error.
func ErrInvalidArgument(msg string) error { return invalidArgumentError{msg: msg} }

// IsInvalidArgument reports whether err marks a malformed request.
func IsInvalidArgument(err error) bool {
	_, ok := err.(invalidArgumentError)
	return ok
}

// notFoundError signals a lookup for a session that does not exist. The
// message is user-visible: the wire layer forwards it verbatim in
// precondition failures.
type notFoundError struct{ id string }

func (e notFoundError) Error() string {
	return fmt.Sprintf("model-session with id %s doesn't exist", e.id)
}

// ErrSessionNotFound constructs a not-found error for id.
func ErrSessionNotFound(id string) error { return notFoundError{id: id} }

// IsNotFound reports whether err marks an unknown session id.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// workerStartError wraps a failure to spawn or connect a session worker.
type workerStartError struct{ err error }

func (e workerStartError) Error() string { return "start session worker: " + e.err.Error() }
func (e workerStartError) Unwrap() error { return e.err }

// IsWorkerStart reports whether err comes from worker startup.
func IsWorkerStart(err error) bool {
	_, ok := err.(workerStartError)
	return ok
}
