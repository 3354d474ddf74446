package privacy

// ScrubbedError carries a scrubbed message and unwraps to the original error.
type ScrubbedError struct {
	err error
	msg string
}

func (e *ScrubbedError) Error() string { return e.msg }

func (e *ScrubbedError) Unwrap() error { return e.err }

// WrapError returns err with credentials removed from its message, or nil.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &ScrubbedError{err: err, msg: ScrubMessage(err.Error())}
}
