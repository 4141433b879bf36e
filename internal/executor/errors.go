package executor

import "fmt"

// CommandFailureError reports that a command exited with a code outside its
// success-exit set.
type CommandFailureError struct {
	Result *Result
}

func (e *CommandFailureError) Error() string {
	return fmt.Sprintf("command exited %d, outside success set", e.Result.ExitCode)
}

// CommandTimeoutError reports that a command's deadline expired while it
// was still running. Per §4.A, once a command has timed out, any later
// observation of its result must continue to report timeout even if the
// process happens to exit zero shortly after.
type CommandTimeoutError struct {
	Result *Result
}

func (e *CommandTimeoutError) Error() string {
	return "command timed out before completing"
}

// StartTimeoutError reports that the start-timeout elapsed before the
// success-start predicate observed a qualifying line.
type StartTimeoutError struct{}

func (e *StartTimeoutError) Error() string {
	return "command did not confirm start before start-timeout elapsed"
}
