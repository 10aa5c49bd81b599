package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Code is a normalized error code surfaced to callers of the orchestrator.
type Code string

// Runtime class
const (
	CodeRuntimeUnavailable Code = "runtime_unavailable"
	CodeRuntimePermission  Code = "runtime_permission_denied"
	CodeRuntimeMissing     Code = "runtime_missing"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
)

// Registry class
const (
	CodeRateLimited        Code = "registry_rate_limited"
	CodeRegistryAuth       Code = "registry_auth_failed"
	CodeNoDigest           Code = "registry_no_digest"
	CodeRegistry           Code = "registry_error"
	CodePaginationStalled  Code = "registry_pagination_stalled"
	CodeReleaseCatalog     Code = "release_catalog_error"
	CodeReleaseUnavailable Code = "release_catalog_unavailable"
)

// Orchestration class
const (
	CodeOperationRunning   Code = "operation_already_running"
	CodeOperationNotFound  Code = "operation_not_found"
	CodeInvalidTag         Code = "invalid_tag"
	CodeTagNotAllowed      Code = "tag_not_allowed"
	CodeNotInstalled       Code = "not_installed"
	CodeNotYetAvailable    Code = "not_yet_available"
	CodeInstanceNotFound   Code = "instance_not_found"
	CodeCannotDeleteActive Code = "cannot_delete_active"
	CodeNoReleases         Code = "no_releases"
	CodeNoActiveInstance   Code = "no_active_instance"
	CodeCreateFailed       Code = "create_failed"
	CodeUINotReady         Code = "ui_not_ready"
	CodeCanceled           Code = "canceled"
)

// Input validation class
const (
	CodeInvalidContainerID Code = "invalid_container_id"
	CodeInvalidRetention   Code = "invalid_retention_policy"
	CodeInvalidPorts       Code = "invalid_port_preferences"
	CodeInvalidAck         Code = "invalid_ack"
	CodeInvalidConfig      Code = "invalid_config"
	CodeInvalidPayload     Code = "invalid_payload"
)

// CodeInternal is the fallback for errors that carry no code.
const CodeInternal Code = "internal"

// Error is a coded error. Message is a short sentence safe to show to a user;
// Err keeps the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
	Meta    map[string]string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = UserMessage(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coder.
func (e *Error) ErrorCode() Code {
	return e.Code
}

// WithMeta attaches a diagnostic key/value and returns the error.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

// Coder is implemented by typed errors that map onto a Code.
type Coder interface {
	ErrorCode() Code
}

// New returns a coded error with a user-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a coded error around err. A nil err yields nil.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the first code found in err's chain. Context cancellation
// maps to CodeCanceled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Payload is the normalized {message, code} pair returned across the
// operations boundary.
type Payload struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// Normalize converts any error into a Payload. Messages of coded errors are
// kept; everything else gets the generic sentence for its code so transport
// internals never leak.
func Normalize(err error) *Payload {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return &Payload{Message: e.Message, Code: code}
	}
	return &Payload{Message: UserMessage(code), Code: code}
}

var userMessages = map[Code]string{
	CodeRuntimeUnavailable: "The container runtime is not reachable. Make sure it is running and try again.",
	CodeRuntimePermission:  "Permission to use the container runtime was denied.",
	CodeRuntimeMissing:     "No container runtime was found on this computer.",
	CodeNotFound:           "The requested item no longer exists.",
	CodeConflict:           "The container runtime reported a conflict. Try again in a moment.",

	CodeRateLimited:        "The image registry is rate limiting requests. Try again in a few minutes.",
	CodeRegistryAuth:       "The image registry rejected the request.",
	CodeNoDigest:           "The image registry returned an incomplete answer.",
	CodeRegistry:           "The image registry could not be reached.",
	CodePaginationStalled:  "The image registry returned an inconsistent tag list.",
	CodeReleaseCatalog:     "The list of releases could not be loaded.",
	CodeReleaseUnavailable: "The list of releases is not available offline yet.",

	CodeOperationRunning:   "Another operation is already in progress.",
	CodeOperationNotFound:  "That operation is not running.",
	CodeInvalidTag:         "That version name is not valid.",
	CodeTagNotAllowed:      "That version cannot be installed.",
	CodeNotInstalled:       "That version is not installed.",
	CodeNotYetAvailable:    "That version is not available for download yet.",
	CodeInstanceNotFound:   "That saved version could not be found.",
	CodeCannotDeleteActive: "The version currently in use cannot be deleted.",
	CodeNoReleases:         "No releases have been published yet.",
	CodeNoActiveInstance:   "No version is installed and active yet.",
	CodeCreateFailed:       "The new version could not be created.",
	CodeUINotReady:         "The version started but is not serving yet. Wait a moment and reload.",
	CodeCanceled:           "The operation was canceled.",

	CodeInvalidContainerID: "That instance identifier is not valid.",
	CodeInvalidRetention:   "The number of saved versions must be between 0 and 20.",
	CodeInvalidPorts:       "Ports must be two different numbers between 1024 and 65535.",
	CodeInvalidAck:         "Confirm the data backup warning before switching versions.",
	CodeInvalidConfig:      "The configuration is not valid.",
	CodeInvalidPayload:     "The request payload is not valid.",

	CodeInternal: "Something went wrong. Try again.",
}

// UserMessage returns the one-sentence description for code.
func UserMessage(code Code) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeInternal]
}
