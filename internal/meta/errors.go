package meta

import (
	"fmt"
	"strings"
)

// Error kind identifiers surfaced to callers.
const (
	KindFormat     = "format_error"
	KindValidation = "validation_error"
	KindRuntime    = "runtime_error"
	KindNotFound   = "not_found"
)

// FormatError means the raw upload could not be parsed as the declared
// format. It is reported separately from schema failures so a caller can
// tell "not CSV" apart from "CSV with invalid numbers".
type FormatError struct {
	Format  string
	Message string
}

func (e FormatError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("cannot parse upload as %s: %s", e.Format, e.Message)
	}
	return "cannot parse upload: " + e.Message
}

// RowError is one row-level problem found by the validator.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d, field %s: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// ValidationError means the upload parsed but failed structural or logical
// checks. Rows carries the surfaced row-level problems.
type ValidationError struct {
	Message string
	Rows    []RowError
}

func (e ValidationError) Error() string {
	if len(e.Rows) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, r.Error())
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(parts, "; "))
}

// Reasons a runtime dispatch can fail. Unavailable and Timeout are kept
// distinct from Failed so callers never conflate "nothing to run on" or
// "took too long" with "the job itself broke".
const (
	ReasonUnavailable = "no_runtime_available"
	ReasonTimeout     = "timeout"
	ReasonFailed      = "execution_failed"
	ReasonDeclined    = "declined"
)

// RuntimeError means the external computation failed or declined to run.
type RuntimeError struct {
	Reason  string
	Message string
	Stderr  string
}

func (e RuntimeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("runtime %s: %s: %s", e.Reason, e.Message, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("runtime %s: %s", e.Reason, e.Message)
}

// NotFoundError means the referenced session or record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
