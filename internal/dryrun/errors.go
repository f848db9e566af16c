package dryrun

// invalidArgumentError marks a malformed dry-run request (empty device list,
// bad bounds). Fatal to the call, not to the engine.
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return e.msg }

func errInvalidArgument(msg string) error { return invalidArgumentError{msg: msg} }

// IsInvalidArgument reports whether err marks a malformed request.
func IsInvalidArgument(err error) bool {
	_, ok := err.(invalidArgumentError)
	return ok
}

// incompatibleError marks a supplied shape or shrinkage that conflicts with
// a previously negotiated value. Fatal to the negotiation.
type incompatibleError struct{ msg string }

func (e incompatibleError) Error() string { return e.msg }

func errIncompatible(msg string) error { return incompatibleError{msg: msg} }

// IsIncompatible reports whether err marks a negotiation conflict.
func IsIncompatible(err error) bool {
	_, ok := err.(incompatibleError)
	return ok
}
