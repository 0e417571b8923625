package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodeBlocked       Code = 16
	CodeBackend       Code = 20
	CodeAuthExpired   Code = 21
	CodeUserRejected  Code = 22
	CodeQuotaExceeded Code = 23
	CodeTxFailed      Code = 24
	CodeSigner        Code = 25
	CodeToolDrift     Code = 26
	CodeNoWallet      Code = 27
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether any typed error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName returns the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "network_error"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_data"
	case CodeBlocked:
		return "command_blocked"
	case CodeBackend:
		return "backend_error"
	case CodeAuthExpired:
		return "auth_expired"
	case CodeUserRejected:
		return "user_rejected"
	case CodeQuotaExceeded:
		return "quota_exceeded"
	case CodeTxFailed:
		return "transaction_failed"
	case CodeSigner:
		return "signer_error"
	case CodeToolDrift:
		return "tool_registry_drift"
	case CodeNoWallet:
		return "wallet_not_connected"
	default:
		return "internal_error"
	}
}
