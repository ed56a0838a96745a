package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Result codes: host/API errors
// ---------------------------------------------------------------------------

// ResultCode is the integer result code reported across the embedding API.
// Success is zero; every failure kind has its own negative code.
type ResultCode int32

const (
	Success                ResultCode = 0
	ResultInvalidArg       ResultCode = -1
	ResultInvalidType      ResultCode = -2
	ResultInvalidData      ResultCode = -3
	ResultInvalidRange     ResultCode = -4
	ResultBadAllocation    ResultCode = -5
	ResultKeyAlreadyExists ResultCode = -6
	ResultKeyDoesNotExist  ResultCode = -7
	ResultFailedToOpenFile ResultCode = -8
	ResultStreamEnd        ResultCode = -9
	ResultStackEmpty       ResultCode = -10
	ResultStackFull        ResultCode = -11
	ResultIndexOutOfRange  ResultCode = -12
	ResultScriptNoFunction ResultCode = -13
	ResultMismatch         ResultCode = -14
	ResultUnknownID        ResultCode = -15
	ResultNoWrite          ResultCode = -16
)

var resultCodeNames = map[ResultCode]string{
	Success:                "success",
	ResultInvalidArg:       "invalid argument",
	ResultInvalidType:      "invalid type",
	ResultInvalidData:      "invalid data",
	ResultInvalidRange:     "invalid range",
	ResultBadAllocation:    "bad allocation",
	ResultKeyAlreadyExists: "key already exists",
	ResultKeyDoesNotExist:  "key does not exist",
	ResultFailedToOpenFile: "failed to open file",
	ResultStreamEnd:        "stream end",
	ResultStackEmpty:       "stack empty",
	ResultStackFull:        "stack full",
	ResultIndexOutOfRange:  "index out of range",
	ResultScriptNoFunction: "script function not found",
	ResultMismatch:         "mismatch",
	ResultUnknownID:        "unknown id",
	ResultNoWrite:          "no write",
}

// String returns a human-readable description of the code.
func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int32(c))
}

// Error is a host API error carrying a ResultCode. Callers normally compare
// against the Err* sentinels with errors.Is.
type Error struct {
	Code ResultCode
}

func (e *Error) Error() string {
	return e.Code.String()
}

// Sentinel errors, one per failure code.
var (
	ErrInvalidArg       = &Error{ResultInvalidArg}
	ErrInvalidType      = &Error{ResultInvalidType}
	ErrInvalidData      = &Error{ResultInvalidData}
	ErrInvalidRange     = &Error{ResultInvalidRange}
	ErrBadAllocation    = &Error{ResultBadAllocation}
	ErrKeyAlreadyExists = &Error{ResultKeyAlreadyExists}
	ErrKeyDoesNotExist  = &Error{ResultKeyDoesNotExist}
	ErrFailedToOpenFile = &Error{ResultFailedToOpenFile}
	ErrStreamEnd        = &Error{ResultStreamEnd}
	ErrStackEmpty       = &Error{ResultStackEmpty}
	ErrStackFull        = &Error{ResultStackFull}
	ErrIndexOutOfRange  = &Error{ResultIndexOutOfRange}
	ErrScriptNoFunction = &Error{ResultScriptNoFunction}
	ErrMismatch         = &Error{ResultMismatch}
	ErrUnknownID        = &Error{ResultUnknownID}
	ErrNoWrite          = &Error{ResultNoWrite}
)

// CodeOf maps an error returned by this package to its ResultCode.
// A nil error is Success; errors that carry no code map to InvalidData.
func CodeOf(err error) ResultCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ResultInvalidData
}
