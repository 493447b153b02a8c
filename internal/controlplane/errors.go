package controlplane

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes surfaced by the client.
const (
	CodeNetworkError = "NETWORK_ERROR"
	CodeParseError   = "PARSE_ERROR"
	CodeRateLimited  = "RATE_LIMITED"
	CodeAgentRevoked = "AGENT_REVOKED"
	CodeBadRequest   = "BAD_REQUEST"
)

// APIError wraps every control-plane request failure with a machine-readable
// code, a human message, and the HTTP status when one was received.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
