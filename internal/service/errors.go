package service

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/keystash/internal/domain"
)

// OAuth2 error codes (RFC 6749 section 4.1.2.1 and 5.2, RFC 6750).
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeInvalidToken            = "invalid_token"
	ErrCodeInsufficientScope       = "insufficient_scope"
	ErrCodeServerError             = "server_error"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeLoginRequired           = "login_required"
)

// OAuthError standardizes OAuth compliant errors. Err keeps the underlying
// taxonomy error so callers can still classify it with domain.KindOf.
type OAuthError struct {
	Code        string
	Description string
	Err         error

	// RedirectURI is set once the authorization request's redirect URI was
	// verified, meaning the error may be delivered to the client by redirect.
	RedirectURI string
	State       string
	Fragment    bool
}

func (e *OAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *OAuthError) Unwrap() error { return e.Err }

func newOAuthError(code, desc string) *OAuthError {
	return &OAuthError{Code: code, Description: desc}
}

func wrapOAuthError(code, desc string, err error) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Err: err}
}

// AsOAuthError extracts an OAuthError from err.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr, true
	}
	return nil, false
}

// internalError classifies an unexpected failure.
func internalError(err error) *OAuthError {
	if errors.Is(err, domain.ErrSigningUnavailable) {
		return wrapOAuthError(ErrCodeTemporarilyUnavailable, "Signing keys are unavailable.", err)
	}
	return wrapOAuthError(ErrCodeServerError, "The server encountered an unexpected condition.", err)
}
