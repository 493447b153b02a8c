package sshexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stable failure codes surfaced to the control plane.
const (
	CodeSSHRequired    = "SSH_REQUIRED"
	CodeSSHTimeout     = "SSH_TIMEOUT"
	CodeSSHAuthFailed  = "SSH_AUTH_FAILED"
	CodeSSHUnreachable = "SSH_UNREACHABLE"
	CodeSSHForbidden   = "SSH_COMMAND_FORBIDDEN"
	CodeSSHExecError   = "SSH_EXEC_ERROR"
)

// ExecError is a classified execution failure.
type ExecError struct {
	Code    string
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsExecError unwraps err to an *ExecError if one is in the chain.
func AsExecError(err error) (*ExecError, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

var authPhrases = []string{
	"unable to authenticate",
	"permission denied",
	"auth fail",
	"no supported methods remain",
}

var unreachablePhrases = []string{
	"connection refused",
	"no route to host",
	"network is unreachable",
	"unreachable",
	"handshake failed",
}

// ClassifyFailure maps a transport or session error to a stable code.
// Timeouts are checked first: a timed-out handshake usually also carries
// connection wording, and the timeout is the more actionable signal.
func ClassifyFailure(host string, port int, err error) *ExecError {
	msg := err.Error()
	lower := strings.ToLower(msg)

	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") {
		return &ExecError{
			Code:    CodeSSHTimeout,
			Message: fmt.Sprintf("host %s:%d unreachable (timeout): %s", host, port, msg),
		}
	}
	for _, p := range authPhrases {
		if strings.Contains(lower, p) {
			return &ExecError{
				Code:    CodeSSHAuthFailed,
				Message: fmt.Sprintf("authentication to %s:%d failed, likely bad credentials: %s", host, port, msg),
			}
		}
	}
	for _, p := range unreachablePhrases {
		if strings.Contains(lower, p) {
			return &ExecError{
				Code:    CodeSSHUnreachable,
				Message: fmt.Sprintf("host %s:%d unreachable: %s", host, port, msg),
			}
		}
	}
	return &ExecError{
		Code:    CodeSSHExecError,
		Message: fmt.Sprintf("execution on %s:%d failed: %s", host, port, msg),
	}
}
