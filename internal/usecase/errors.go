package usecase

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorTokenInvalid          ErrorCode = "TOKEN_INVALID"
	ErrorTokenExpired          ErrorCode = "TOKEN_EXPIRED"
	ErrorTokenRevoked          ErrorCode = "TOKEN_REVOKED"
	ErrorRateLimited           ErrorCode = "RATE_LIMITED"
	ErrorPayloadTooLarge       ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorInvalidMessage        ErrorCode = "INVALID_MESSAGE"
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorVersionConflict       ErrorCode = "VERSION_CONFLICT"
	ErrorDLPUnavailable        ErrorCode = "DLP_UNAVAILABLE"
	ErrorDLPFailed             ErrorCode = "DLP_FAILED"
	ErrorDBError               ErrorCode = "DB_ERROR"
	ErrorDBTimeout             ErrorCode = "DB_TIMEOUT"
	ErrorKeyUnavailable        ErrorCode = "KEY_UNAVAILABLE"
	ErrorAuditUnavailable      ErrorCode = "AUDIT_UNAVAILABLE"
	ErrorRevocationUnavailable ErrorCode = "REVOCATION_UNAVAILABLE"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
)

// Retryable reports whether a client may retry the same request after
// backoff or a state refresh.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorRateLimited, ErrorVersionConflict, ErrorDLPUnavailable, ErrorDBError, ErrorDBTimeout,
		ErrorKeyUnavailable, ErrorAuditUnavailable, ErrorRevocationUnavailable:
		return true
	default:
		return false
	}
}

// Recovery carries the fields a client needs to recover from an error
// without starting a new session.
type Recovery struct {
	StateToken  string
	CurrentTurn *int
	SessionID   string
	RetryAfter  time.Duration
}

type Error struct {
	Code     ErrorCode
	Reason   string
	Err      error
	Recovery *Recovery
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) withRecovery(r Recovery) *Error {
	e.Recovery = &r
	return e
}
