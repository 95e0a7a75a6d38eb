package gateway

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// FailureClass is how the health monitor treats the outcome of a call.
type FailureClass int

const (
	ClassSuccess FailureClass = iota
	ClassSoft
	ClassHard
)

func (c FailureClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassSoft:
		return "soft_failure"
	case ClassHard:
		return "hard_failure"
	default:
		return "unknown"
	}
}

// Classify maps a gateway call error onto success, soft or hard failure.
// Timeouts, unreachable networks, single protocol errors and anything
// unrecognised are soft; refusal, rejected credentials and protocol errors
// that survived their retries are hard.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrProtocolRetriesExhausted),
		errors.Is(err, syscall.ECONNREFUSED):
		return ClassHard
	default:
		return ClassSoft
	}
}

// IsRetryable reports whether err is worth another attempt within the same cycle.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, ErrProtocolRetriesExhausted) {
		return false
	}

	if errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrProtocolError) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsAuthFailure reports whether err was caused by a rejected credential.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
