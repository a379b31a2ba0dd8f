// Package errors defines the application error taxonomy shared by the CLI
// and the status API: each kind carries a stable code, an HTTP status and a
// process exit code.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// Codes used in error envelopes.
const (
	CodeConfig             = "CONFIG_ERROR"
	CodeInvalidState       = "INVALID_STATE"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ExitFailure is the generic non-zero exit status.
const ExitFailure = 1

// Error is an application error with a code and an optional cause.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NewConfigError reports a missing or malformed configuration.
func NewConfigError(message string, err error) *Error {
	return &Error{Code: CodeConfig, Message: message, Err: err}
}

// NewInvalidStateError reports an operation that the current on-disk or
// database state does not allow, such as initialising an existing root.
func NewInvalidStateError(message string) *Error {
	return &Error{Code: CodeInvalidState, Message: message}
}

// NewInvalidInputError reports bad arguments.
func NewInvalidInputError(message string, err error) *Error {
	return &Error{Code: CodeInvalidInput, Message: message, Err: err}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// NewExternalServiceError reports a failure of a tool or service outside
// the process.
func NewExternalServiceError(message string) *Error {
	return &Error{Code: CodeExternalService, Message: message}
}

// WrapInternal wraps an unexpected error. A cancelled context is kept
// visible through errors.Is.
func WrapInternal(ctx context.Context, err error, message string) *Error {
	if err == nil {
		return nil
	}
	if ctx != nil && ctx.Err() != nil && !stderrors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w (%w)", err, ctx.Err())
	}
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// Classify returns the code for any error, recognising the typed errors of
// the pipeline packages.
func Classify(err error) string {
	var appErr *Error
	var missing *pipeconfig.MissingKeyError
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &appErr):
		return appErr.Code
	case stderrors.As(err, &missing), stderrors.Is(err, pipeconfig.ErrInvalidValue):
		return CodeConfig
	case stderrors.Is(err, obsstore.ErrStoreInUse):
		return CodeInvalidInput
	case stderrors.Is(err, obsstore.ErrNotFound):
		return CodeNotFound
	case toolrun.IsExitError(err):
		return CodeExternalService
	}
	return CodeInternal
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if stderrors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	switch Classify(err) {
	case CodeConfig, CodeInvalidInput, CodeInvalidState:
		return foundry.ExitInvalidArgument
	case CodeNotFound:
		return foundry.ExitFileNotFound
	case CodeExternalService, CodeServiceUnavailable:
		return foundry.ExitExternalServiceUnavailable
	}
	return ExitFailure
}

// Is and As forward to the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
