package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Code is the closed set of remote outcomes the engine distinguishes.
type Code string

const (
	CodeUnavailable          Code = "unavailable"
	CodeTimeout              Code = "timeout"
	CodeOldPasswordMismatch  Code = "old_password_mismatch"
	CodeNewPasswordInvalid   Code = "new_password_invalid"
	CodeProofMismatch        Code = "proof_mismatch"
	CodeDuplicateEmail       Code = "duplicate_email"
	CodeInvalidEmail         Code = "invalid_email"
	CodeVerificationRequired Code = "verification_required"
	CodeNotFound             Code = "not_found"
	CodeUnsupported          Code = "unsupported"
	CodeUnknown              Code = "unknown"
)

// Error is a coded failure reported by the remote service.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %s", e.Code)
	}
	return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
}

// Errorf returns a coded remote error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Class tells the queue how to react to a failure.
type Class int

const (
	// Permanent failures are never retried.
	Permanent Class = iota
	// Transient failures are retried with backoff.
	Transient
)

// Classify reports whether err is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}

	var re *Error
	if errors.As(err, &re) {
		switch re.Code {
		case CodeUnavailable, CodeTimeout:
			return Transient
		default:
			return Permanent
		}
	}

	if IsNetwork(err) {
		return Transient
	}

	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return Transient
	}

	return Permanent
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

// IsNetwork reports whether err stems from the connection itself rather
// than from the server's answer.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Code == CodeUnavailable || re.Code == CodeTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Reason returns a short machine-readable reason for a terminal failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return string(re.Code)
	}
	if IsNetwork(err) {
		return string(CodeUnavailable)
	}
	return string(CodeUnknown)
}
