package runner

import "fmt"

// Status classifies the outcome a stage handler reports. The runner, not the
// handler, decides propagation: Failed stops the run immediately, Degraded
// continues but is logged distinctly from a normal success.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is what a stage handler returns instead of signalling through
// exception types.
type Result struct {
	Status Status
	Rows   int
	Note   string
	Err    error
}

func OK(rows int) Result {
	return Result{Status: StatusOK, Rows: rows}
}

// Degraded marks a stage that completed on a documented fallback path, such
// as synthetic data after systemic rate limiting.
func Degraded(rows int, note string) Result {
	return Result{Status: StatusDegraded, Rows: rows, Note: note}
}

func Fail(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}

// Failf is shorthand for Fail with a formatted error.
func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

// UnknownStageError reports a stage id with no registered handler. This is a
// configuration error and is never retried.
type UnknownStageError struct {
	StageID string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no handler registered for stage_id %q", e.StageID)
}
