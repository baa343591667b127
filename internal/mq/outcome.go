package mq

import "fmt"

// Outcome is the tagged result of dispatching one request: a terminal success,
// a terminal business error, or a transient fault that should be retried.
// Business errors are answers; transient faults are not.
type Outcome struct {
	status string
	data   any
	errMsg string
	fault  error
}

// Succeed returns a terminal success carrying data.
func Succeed(data any) Outcome {
	return Outcome{status: StatusOK, data: data}
}

// Reject returns a terminal business error. It is never retried.
func Reject(msg string) Outcome {
	return Outcome{status: StatusError, errMsg: msg}
}

func Rejectf(format string, args ...any) Outcome {
	return Reject(fmt.Sprintf(format, args...))
}

// Fail returns a transient fault. The worker retries it with backoff until
// the retry budget is spent.
func Fail(cause error) Outcome {
	return Outcome{fault: cause}
}

// Transient reports whether the outcome is a retryable fault.
func (o Outcome) Transient() bool { return o.fault != nil }

// Fault returns the transient cause, nil for terminal outcomes.
func (o Outcome) Fault() error { return o.fault }

// Rejected reports whether the outcome is a terminal business error.
func (o Outcome) Rejected() bool { return o.fault == nil && o.status == StatusError }

// Response materializes a terminal outcome as the wire envelope. Must not be
// called on a transient outcome.
func (o Outcome) Response(corrID string) Response {
	if o.status == StatusOK {
		return OK(corrID, o.data)
	}
	return Err(corrID, o.errMsg)
}
