package chain

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: connectivity, timeouts,
// node overload. The caller owns retry policy; nothing retries in here.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("chain %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a request the chain refused. Retrying the same input
// will not help.
type PermanentError struct {
	Op     string
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("chain %s: rejected: %s", e.Op, e.Reason)
}

// IsTransient reports whether err (anywhere in its chain) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (anywhere in its chain) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
