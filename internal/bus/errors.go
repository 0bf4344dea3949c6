package bus

import "errors"

type ErrorCode string

const (
	ErrorCodeConnection         ErrorCode = "connection_error"
	ErrorCodeNotConnected       ErrorCode = "not_connected"
	ErrorCodeHandshakeRejected  ErrorCode = "handshake_rejected"
	ErrorCodeReconnectExhausted ErrorCode = "reconnect_exhausted"
	ErrorCodeHandler            ErrorCode = "handler_error"
)

type Error struct {
	Code    ErrorCode
	Message string

	cause error
}

func NewError(code ErrorCode, cause error) Error {
	return Error{
		Code:    code,
		Message: cause.Error(),
		cause:   cause,
	}
}

func (e Error) Error() string {
	return string(e.Code) + ": " + e.cause.Error()
}

func (e Error) Unwrap() error {
	return e.cause
}

// IsCode reports whether err is a bus error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var busErr Error
	if !errors.As(err, &busErr) {
		return false
	}

	return busErr.Code == code
}
