// Package errs defines the error taxonomy shared by every jail operation.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound                    Code = "NotFound"
	CodeAlreadyExists               Code = "AlreadyExists"
	CodeAlreadyRunning              Code = "AlreadyRunning"
	CodeNotRunning                  Code = "NotRunning"
	CodeUnsupportedJailType         Code = "UnsupportedJailType"
	CodeInvalidPropertyValue        Code = "InvalidPropertyValue"
	CodeUnknownProperty             Code = "UnknownProperty"
	CodeMissingPrerequisiteProperty Code = "MissingPrerequisiteProperty"
	CodeCommandFailed               Code = "CommandFailed"
	CodeJailStartFailed             Code = "JailStartFailed"
	CodeConfigCorrupt               Code = "ConfigCorrupt"
	CodeJailRunningCannotMigrate    Code = "JailRunningCannotMigrate"
	CodeCannotConvertWhileRunning   Code = "CannotConvertWhileRunning"
	CodeCannotConvertWhileCloned    Code = "CannotConvertWhileCloned"
	CodeHasDependents               Code = "HasDependents"
	CodeInvalidName                 Code = "InvalidName"
	CodeInterrupted                 Code = "Interrupted"
)

// Error carries a Code so callers can branch with errors.Is against the
// sentinel values below, regardless of the message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	NotFound                    = &Error{Code: CodeNotFound, Message: "not found"}
	AlreadyExists               = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	AlreadyRunning              = &Error{Code: CodeAlreadyRunning, Message: "jail is already running"}
	NotRunning                  = &Error{Code: CodeNotRunning, Message: "jail is not running"}
	UnsupportedJailType         = &Error{Code: CodeUnsupportedJailType, Message: "unsupported jail type"}
	InvalidPropertyValue        = &Error{Code: CodeInvalidPropertyValue, Message: "invalid property value"}
	UnknownProperty             = &Error{Code: CodeUnknownProperty, Message: "unknown property"}
	MissingPrerequisiteProperty = &Error{Code: CodeMissingPrerequisiteProperty, Message: "missing prerequisite property"}
	CommandFailed               = &Error{Code: CodeCommandFailed, Message: "command failed"}
	JailStartFailed             = &Error{Code: CodeJailStartFailed, Message: "jail start failed"}
	ConfigCorrupt               = &Error{Code: CodeConfigCorrupt, Message: "configuration is corrupt"}
	JailRunningCannotMigrate    = &Error{Code: CodeJailRunningCannotMigrate, Message: "jail must be stopped before migration"}
	CannotConvertWhileRunning   = &Error{Code: CodeCannotConvertWhileRunning, Message: "cannot convert a running jail"}
	CannotConvertWhileCloned    = &Error{Code: CodeCannotConvertWhileCloned, Message: "cannot convert a jail with running clones"}
	HasDependents               = &Error{Code: CodeHasDependents, Message: "dataset has dependents"}
	InvalidName                 = &Error{Code: CodeInvalidName, Message: "invalid name"}
	Interrupted                 = &Error{Code: CodeInterrupted, Message: "interrupted"}
)

// New returns an error of the given code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given code wrapping err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf reports the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
