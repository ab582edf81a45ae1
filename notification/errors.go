package notification

import "fmt"

// InternalInvariantError reports a broken upstream invariant on the
// notification path, for instance a conversation lookup which must succeed
// but did not. It is logged and dropped at the scheduling boundary rather
// than aborting anything, since notification display is best-effort.
type InternalInvariantError struct {
	Op  string
	Err error
}

func (e *InternalInvariantError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("notification: invariant violated in %s", e.Op)
	}
	return fmt.Sprintf("notification: invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InternalInvariantError) Unwrap() error {
	return e.Err
}

func invariant(op string, err error) *InternalInvariantError {
	return &InternalInvariantError{Op: op, Err: err}
}
