package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error condition of the workbench core
type Code string

const (
	// Input / identification errors
	CodeUnrecognizedTag     Code = "UNRECOGNIZED_TAG"
	CodeUnresolvedComponent Code = "UNRESOLVED_COMPONENT"
	CodeUnknownUnit         Code = "UNKNOWN_UNIT"
	CodeUnitFinalized       Code = "UNIT_FINALIZED"
	CodeUnitBusy            Code = "UNIT_BUSY"

	// Protocol violations
	CodeSessionNotOpen      Code = "SESSION_NOT_OPEN"
	CodeConcurrentOperation Code = "CONCURRENT_OPERATION"
	CodeWorkbenchBusy       Code = "WORKBENCH_BUSY"
	CodeIncompleteOperation Code = "INCOMPLETE_OPERATION"
	CodeUnknownOperation    Code = "UNKNOWN_OPERATION"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeNotFound            Code = "ENTITY_NOT_FOUND"

	// External service failures
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"

	// Permanent anchoring failure
	CodeAnchoringFailed Code = "ANCHORING_FAILED"
)

// Error is the error type returned by the workbench core. It carries a stable
// Code, a human readable Message and an optional Detail.
type Error struct {
	Code    Code
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same Code, so sentinel values can be
// matched with errors.Is regardless of Message or Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons
var (
	ErrUnrecognizedTag     = &Error{Code: CodeUnrecognizedTag, Message: "Tag does not map to a known operator or unit"}
	ErrUnresolvedComponent = &Error{Code: CodeUnresolvedComponent, Message: "Component unit is not finalized"}
	ErrUnknownUnit         = &Error{Code: CodeUnknownUnit, Message: "Unit does not exist"}
	ErrUnitFinalized       = &Error{Code: CodeUnitFinalized, Message: "Unit already has a finalized passport"}
	ErrUnitBusy            = &Error{Code: CodeUnitBusy, Message: "Unit is open on another workbench"}
	ErrSessionNotOpen      = &Error{Code: CodeSessionNotOpen, Message: "No open session"}
	ErrConcurrentOperation = &Error{Code: CodeConcurrentOperation, Message: "Another operation is in progress"}
	ErrWorkbenchBusy       = &Error{Code: CodeWorkbenchBusy, Message: "Workbench already has an active session"}
	ErrIncompleteOperation = &Error{Code: CodeIncompleteOperation, Message: "Session has an incomplete operation"}
	ErrUnknownOperation    = &Error{Code: CodeUnknownOperation, Message: "Operation does not belong to the open session"}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition, Message: "State transition is not allowed"}
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "Entity does not exist"}
	ErrStorageUnavailable  = &Error{Code: CodeStorageUnavailable, Message: "Content storage is unavailable"}
	ErrLedgerUnavailable   = &Error{Code: CodeLedgerUnavailable, Message: "Ledger is unavailable"}
	ErrAnchoringFailed     = &Error{Code: CodeAnchoringFailed, Message: "Anchoring permanently failed"}
)

// New returns an error with the sentinel's Code and Message and the given detail
func New(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// Class groups error codes into the handling categories of the workbench.
type Class int

const (
	ClassUnknown Class = iota
	ClassInput
	ClassProtocol
	ClassExternal
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassProtocol:
		return "protocol"
	case ClassExternal:
		return "external"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassOf returns the handling class of err
func ClassOf(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return ClassUnknown
	}
	switch e.Code {
	case CodeUnrecognizedTag, CodeUnresolvedComponent, CodeUnknownUnit, CodeUnitFinalized, CodeUnitBusy:
		return ClassInput
	case CodeSessionNotOpen, CodeConcurrentOperation, CodeWorkbenchBusy,
		CodeIncompleteOperation, CodeUnknownOperation, CodeInvalidTransition, CodeNotFound:
		return ClassProtocol
	case CodeStorageUnavailable, CodeLedgerUnavailable:
		return ClassExternal
	case CodeAnchoringFailed:
		return ClassPermanent
	}
	return ClassUnknown
}

// CodeOf extracts the Code from err, or "" when err is not an *Error
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
