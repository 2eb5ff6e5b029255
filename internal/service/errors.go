package service

import "fmt"

// ValidationError is bad input caught before any external call.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError identifies the missing resource by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ExternalError wraps a control-plane failure with the workflow step that
// produced it, so callers see which part of a multi-resource workflow broke.
type ExternalError struct {
	Step string
	Err  error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }
