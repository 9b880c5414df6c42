package agentchat

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Every error returned by this package wraps one of these
// sentinels so callers can branch with errors.Is.
var (
	// ErrMalformedCredential means the bearer token's claims could not be
	// decoded. It is unrecoverable for that token and forces a logout.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrNetwork covers failed or rejected REST calls.
	ErrNetwork = errors.New("network failure")

	// ErrValidation is returned for input rejected before any request is made.
	ErrValidation = errors.New("validation failure")

	// ErrTransport covers realtime connection failures. It never reaches the
	// conversation view; the transport logs it and reconnects.
	ErrTransport = errors.New("transport failure")

	// ErrNotAuthenticated means no credential is present.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnauthorized means the server rejected the credential (401/403).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned by stores for a missing key.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response from the backend. Detail carries the
// server's "detail" field when present.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
}

// Unwrap classifies the response: 401 and 403 are ErrUnauthorized, anything
// else is ErrNetwork.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return ErrNetwork
}
