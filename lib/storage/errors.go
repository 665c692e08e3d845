package storage

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode),
// an error message and an optional cause.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message
	Cause error   // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCConflict:
		errorCode = "ConcurrentModification"
	case RetCSchemaMismatch:
		errorCode = "SchemaMismatch"
	case RetCPermission:
		errorCode = "PermissionDenied"
	case RetCShutdown:
		errorCode = "Shutdown"
	case RetCUsage:
		errorCode = "InvalidUsage"
	default:
		errorCode = "Unknown"
	}

	if e.Cause != nil {
		return fmt.Sprintf("StorageError (code %s): %s: %v", errorCode, e.Msg, e.Cause)
	}
	return fmt.Sprintf("StorageError (code %s): %s", errorCode, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new StorageError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError creates a new StorageError with the given code, message and cause.
func WrapError(code RetCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess        RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                 // 1: Operation failed due to an internal storage error.
	RetCConflict                      // 2: Commit lost a write-write race, retry the whole unit of work.
	RetCSchemaMismatch                // 3: Persisted schema version has no upgrade path, operator action required.
	RetCPermission                    // 4: Database file cannot be opened or created due to file permissions.
	RetCShutdown                      // 5: Operation raced an explicit shutdown.
	RetCUsage                         // 6: API misuse (e.g. accessor requested outside a batch).
)

// --------------------------------------------------------------------------
// Classification Helpers
// --------------------------------------------------------------------------

// hasCode reports whether err carries the given storage return code.
func hasCode(err error, code RetCode) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

// IsConflict reports whether err is the distinguished concurrent-modification
// error. This is the signal callers use to decide whether to retry their
// unit of work.
func IsConflict(err error) bool {
	return hasCode(err, RetCConflict)
}

// IsSchemaMismatch reports whether err is the fatal no-migration-path error.
func IsSchemaMismatch(err error) bool {
	return hasCode(err, RetCSchemaMismatch)
}

// IsPermission reports whether err is the configuration/permission failure
// raised at initialize.
func IsPermission(err error) bool {
	return hasCode(err, RetCPermission)
}

// IsShutdown reports whether err was caused by a shutdown race.
func IsShutdown(err error) bool {
	return hasCode(err, RetCShutdown)
}

// IsUsage reports whether err is an API usage error.
func IsUsage(err error) bool {
	return hasCode(err, RetCUsage)
}
