package oauth

import (
	"errors"

	"quorum.app/internal/auth"
)

var (
	// ErrUnknownClient and ErrRedirectMismatch are reported to the user
	// agent directly, never by redirect.
	ErrUnknownClient    = errors.New("oauth: unknown client")
	ErrRedirectMismatch = errors.New("oauth: redirect uri does not match registration")

	ErrInvalidGrant            = errors.New("oauth: invalid grant")
	ErrTokenReuseDetected      = errors.New("oauth: refresh token reuse detected")
	ErrInvalidClient           = errors.New("oauth: client authentication failed")
	ErrInvalidRequest          = errors.New("oauth: invalid request")
	ErrInvalidScope            = errors.New("oauth: invalid scope")
	ErrUnsupportedGrantType    = errors.New("oauth: unsupported grant type")
	ErrUnsupportedResponseType = errors.New("oauth: unsupported response type")
	ErrInvalidRedirectURI      = errors.New("oauth: invalid redirect uri")
	ErrInvalidClientMetadata   = errors.New("oauth: invalid client metadata")

	// ErrAlreadyConsumed is returned by Store.MarkRefreshConsumed when the
	// token hash was recorded before.
	ErrAlreadyConsumed = errors.New("oauth: refresh token already consumed")
)

// ErrorCode maps an engine error onto the RFC 6749 / RFC 7591 error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidGrant), errors.Is(err, ErrTokenReuseDetected):
		return "invalid_grant"
	case errors.Is(err, ErrInvalidClient), errors.Is(err, ErrUnknownClient):
		return "invalid_client"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported_grant_type"
	case errors.Is(err, ErrUnsupportedResponseType):
		return "unsupported_response_type"
	case errors.Is(err, ErrInvalidRedirectURI), errors.Is(err, ErrRedirectMismatch):
		return "invalid_redirect_uri"
	case errors.Is(err, ErrInvalidClientMetadata):
		return "invalid_client_metadata"
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrDenied):
		return "access_denied"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "server_error"
	}
}
