package capture

import (
	"errors"
)

var (
	// ErrInvalidRequest is returned by Resolve for requests that never reach the backend.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOverloaded is wrapped by backends that refuse a session because they are saturated.
	ErrOverloaded = errors.New("backend overloaded")
	// ErrTransient is wrapped by backends that know a failure is worth one more attempt.
	ErrTransient = errors.New("transient backend failure")
	// ErrElementNotFound is wrapped by sessions that can tell a selector will never match.
	ErrElementNotFound = errors.New("element not found")
	// ErrUnexpectedFault wraps panics recovered inside a session run.
	ErrUnexpectedFault = errors.New("unexpected fault")
)

// Step names a stage of the session pipeline.
type Step string

// Pipeline steps, in execution order.
const (
	StepAcquire   Step = "acquire"
	StepConfigure Step = "configure"
	StepNavigate  Step = "navigate"
	StepStabilize Step = "stabilize"
	StepCapture   Step = "capture"
)

// StepError records which pipeline step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	switch e.Step {
	case StepAcquire:
		return "backend unavailable: " + e.Err.Error()
	case StepNavigate:
		return "navigation failed: " + e.Err.Error()
	default:
		return string(e.Step) + " failed: " + e.Err.Error()
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}
