package rpc

// channelClosedError resolves in-flight futures when the remote process
// terminates before responding.
type channelClosedError struct{ msg string }

func (e channelClosedError) Error() string { return e.msg }

// ErrChannelClosed constructs a channel-closed failure.
func ErrChannelClosed(msg string) error {
	if msg == "" {
		msg = "rpc channel closed"
	}
	return channelClosedError{msg: msg}
}

// IsChannelClosed reports whether err indicates the remote side terminated.
func IsChannelClosed(err error) bool {
	_, ok := err.(channelClosedError)
	return ok
}

// remoteError carries an error raised inside a remote operation. It is a
// per-request failure, not a channel failure.
type remoteError struct{ msg string }

func (e remoteError) Error() string { return e.msg }

// IsRemote reports whether err was raised by the remote operation itself.
func IsRemote(err error) bool {
	_, ok := err.(remoteError)
	return ok
}

// shutdownTimeoutError signals the worker did not stop within the grace
// period. Logged by callers, never escalated.
type shutdownTimeoutError struct{ msg string }

func (e shutdownTimeoutError) Error() string { return e.msg }

// IsShutdownTimeout reports whether err indicates an exceeded grace period.
func IsShutdownTimeout(err error) bool {
	_, ok := err.(shutdownTimeoutError)
	return ok
}
