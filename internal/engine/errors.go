package engine

import "fmt"

// ValidationError reports malformed input. Never retried, never mutates.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports a status change that is not reachable from
// the current status, including the conflict case where a concurrent writer
// moved the permit first.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// PreconditionFailedError reports a closeout operation attempted out of
// order.
type PreconditionFailedError struct {
	Msg string
}

func (e PreconditionFailedError) Error() string { return e.Msg }

func preconditionFailedf(format string, args ...any) PreconditionFailedError {
	return PreconditionFailedError{Msg: fmt.Sprintf(format, args...)}
}
