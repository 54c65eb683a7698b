package errors

import (
	"errors"
	"fmt"
)

// The agent layer reports failures through a closed set of error types so
// callers can distinguish "the model asked for something it may not do" from
// "the request was malformed" from "the loop did not converge". Each type
// carries a short, user-presentable message; technical detail stays in the
// wrapped error.

// PermissionError indicates the requested tool is outside the caller role's
// allowed set.
type PermissionError struct {
	Tool string
	Role string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tool %q is not permitted for role %q", e.Tool, e.Role)
}

// ValidationError indicates tool arguments failed schema checks or a
// referenced entity does not exist.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Reason)
}

// DuplicateSessionError indicates a creation collision on an externally
// supplied session id.
type DuplicateSessionError struct {
	SessionID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q already exists", e.SessionID)
}

// AccessDeniedError indicates a caller tried to read a session owned by
// another user.
type AccessDeniedError struct {
	SessionID string
	UserID    string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %q does not own session %q", e.UserID, e.SessionID)
}

// NotFoundError indicates the referenced session or task does not exist.
type NotFoundError struct {
	Kind string // "session", "task", "control", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// HandlerExecutionError wraps a failure inside a task handler. The Message is
// safe to persist into the task row and show to users.
type HandlerExecutionError struct {
	TaskType string
	Message  string
	Err      error
}

func (e *HandlerExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("task handler %q failed: %v", e.TaskType, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// ModelCallError wraps a language model invocation failure after retries were
// exhausted.
type ModelCallError struct {
	Attempts int
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// IterationCapError indicates the tool-call loop hit its hard round limit
// without producing a final answer. It is recoverable: the conversation stays
// usable and the caller may retry with a simpler request.
type IterationCapError struct {
	Cap int
}

func (e *IterationCapError) Error() string {
	return fmt.Sprintf("conversation did not converge within %d tool-call rounds", e.Cap)
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsDuplicateSession reports whether err is a DuplicateSessionError.
func IsDuplicateSession(err error) bool {
	var de *DuplicateSessionError
	return errors.As(err, &de)
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var ae *AccessDeniedError
	return errors.As(err, &ae)
}

// IsModelCall reports whether err is a ModelCallError.
func IsModelCall(err error) bool {
	var me *ModelCallError
	return errors.As(err, &me)
}

// IsIterationCap reports whether err is an IterationCapError.
func IsIterationCap(err error) bool {
	var ie *IterationCapError
	return errors.As(err, &ie)
}
