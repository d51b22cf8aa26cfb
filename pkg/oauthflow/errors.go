package oauthflow

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch: callback state differs from the one we issued.
	// Possible CSRF; the token endpoint is never contacted.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrMissingVerifier: no PKCE verifier stored. The flow was never
	// started here, or its artifacts were already consumed.
	ErrMissingVerifier = errors.New("pkce code verifier missing")
)

// ExchangeError carries the token endpoint's rejection verbatim.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %d %s", e.Status, e.Body)
}
