// Package apperr defines the typed errors shared by the pipeline, the store
// and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes recorded on stage results and jobs.
const (
	CodeTimeout    = "timeout"
	CodeUpstream   = "upstream"
	CodeValidation = "validation"
	CodeConflict   = "conflict"
	CodeNotFound   = "not_found"
	CodeRetention  = "retention"
	CodeExhausted  = "exhausted"
	CodeInternal   = "internal"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() string
}

// TimeoutError means an operation exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Code() string { return CodeTimeout }

// UpstreamError means a stage back end returned a hard error.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	msg := e.Op + ": upstream error"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Code() string  { return CodeUpstream }
func (e *UpstreamError) Unwrap() error { return e.Err }

// ValidationError carries the issues found in a structured output or request.
type ValidationError struct {
	Subject string
	Issues  []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Subject + ": invalid"
	}
	return fmt.Sprintf("%s: invalid: %v", e.Subject, e.Issues)
}

func (e *ValidationError) Code() string { return CodeValidation }

// ConflictError means another worker already owns the job.
type ConflictError struct {
	JobID  string
	Status string
}

func (e *ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("job %s already claimed (status %s)", e.JobID, e.Status)
	}
	return fmt.Sprintf("job %s already claimed", e.JobID)
}

func (e *ConflictError) Code() string { return CodeConflict }

// NotFoundError means the referenced resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// RetentionError means the referenced snapshot has been purged.
type RetentionError struct {
	SnapshotID string
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("snapshot %s has been purged", e.SnapshotID)
}

func (e *RetentionError) Code() string { return CodeRetention }

// Code returns the code of the first coded error in err's chain.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeNotFound, CodeRetention:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Reason returns a client-safe description of err.
func Reason(err error) string {
	switch Code(err) {
	case "":
		return ""
	case CodeTimeout:
		return "Strategy generation took too long. Please try again."
	case CodeUpstream:
		return "A research service is unavailable right now. Please try again shortly."
	case CodeValidation:
		return "The generated plan did not pass validation."
	case CodeConflict:
		return "This strategy is already being generated."
	case CodeNotFound:
		return "The requested snapshot was not found."
	case CodeRetention:
		return "The requested snapshot is no longer available."
	case CodeExhausted:
		return "Strategy generation kept failing. Please try again later."
	default:
		return "Strategy generation failed."
	}
}

// ReasonForCode is Reason for a persisted error code.
func ReasonForCode(code string) string {
	switch code {
	case CodeTimeout, CodeUpstream, CodeValidation, CodeConflict, CodeNotFound, CodeRetention, CodeExhausted:
		return Reason(codeOnly(code))
	case "":
		return ""
	default:
		return Reason(errors.New(code))
	}
}

type codeOnly string

func (c codeOnly) Error() string { return string(c) }
func (c codeOnly) Code() string  { return string(c) }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
