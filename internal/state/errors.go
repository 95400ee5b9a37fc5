package state

import "fmt"

// InvalidTransitionError is returned for an edge outside the state graph.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// AuditWriteError is returned when the durable append fails. The in-memory
// state is unchanged and the caller may retry.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }
