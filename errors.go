package skiff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Errors come in two bands. Terminating outcomes (Submitted, LimitsExceeded)
// end the run and are recorded as info.exit_status. NonTerminating conditions
// (FormatError, ExecutionTimeout, UserInterruption) each carry a user-role
// message that is appended to the log before the loop continues. Anything
// else is terminal-with-traceback.

// Submitted signals successful task completion. Submission holds the final
// output demarcated by the sentinel.
type Submitted struct {
	Submission string
}

func (e *Submitted) Error() string { return "task submitted" }

// LimitsExceeded signals that the step or cost budget ran out.
type LimitsExceeded struct {
	Reason string
}

func (e *LimitsExceeded) Error() string { return "limits exceeded: " + e.Reason }

// FormatError reports that the model's turn could not be parsed into
// actions. Message is re-injected to the model as the next user turn.
type FormatError struct {
	Message Message
}

func (e *FormatError) Error() string { return "format error: " + firstLine(e.Message.Content) }

// ExecutionTimeout reports a command that exceeded its wall-clock budget.
// Message is the rendered timeout observation.
type ExecutionTimeout struct {
	Message Message
}

func (e *ExecutionTimeout) Error() string { return "execution timeout" }

// UserInterruption carries text the user injected between steps in
// interactive mode. An empty Content marks a transient interruption.
type UserInterruption struct {
	Message Message
}

func (e *UserInterruption) Error() string { return "user interruption" }

// NonTerminatingMessage returns the message a recoverable error wants
// appended to the log, and whether err is recoverable at all.
func NonTerminatingMessage(err error) (Message, bool) {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Message, true
	}
	var te *ExecutionTimeout
	if errors.As(err, &te) {
		return te.Message, true
	}
	var ui *UserInterruption
	if errors.As(err, &ui) {
		return ui.Message, true
	}
	return Message{}, false
}

// Terminal returns the exit-status tag and submission payload for a
// terminating error, and whether err terminates the run normally.
func Terminal(err error) (status, payload string, ok bool) {
	var sub *Submitted
	if errors.As(err, &sub) {
		return "Submitted", sub.Submission, true
	}
	var lim *LimitsExceeded
	if errors.As(err, &lim) {
		return "LimitsExceeded", lim.Reason, true
	}
	return "", "", false
}

// StatusOf maps any error to the exit-status tag recorded in trajectories
// and status files.
func StatusOf(err error) string {
	if status, _, ok := Terminal(err); ok {
		return status
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		return "FormatError"
	}
	var te *ExecutionTimeout
	if errors.As(err, &te) {
		return "ExecutionTimeoutError"
	}
	var ui *UserInterruption
	if errors.As(err, &ui) {
		return "UserInterruption"
	}
	return typeName(err)
}

// typeName strips the pointer star and package path from %T, yielding the
// bare error type name used as an exit status for unexpected failures.
func typeName(err error) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" || name == "wrapError" || name == "joinError" {
		return "RuntimeError"
	}
	return name
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ErrLLM is a provider-level failure that is not an HTTP status error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an LM provider. RetryAfter is parsed
// from the Retry-After header when present and floors the backoff delay.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrCost reports that cost accounting failed under cost_tracking=default.
type ErrCost struct {
	Model  string
	Reason string
}

func (e *ErrCost) Error() string {
	return fmt.Sprintf("cost tracking failed for %s: %s (set cost_tracking=ignore_errors to continue without cost accounting)", e.Model, e.Reason)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP date. Returns 0 if the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
