package oauth

import "quorum.app/internal/auth"

// Endpoint paths, relative to the issuer.
const (
	PathAuthorize = "/oauth/authorize"
	PathToken     = "/oauth/token"
	PathRegister  = "/oauth/register"
	PathRevoke    = "/oauth/revoke"
)

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	ScopesSupported                        []string `json:"scopes_supported"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// Metadata describes this authorization server.
func (s *Server) Metadata() AuthorizationServerMetadata {
	authMethods := []string{AuthMethodNone, AuthMethodClientSecretPost, AuthMethodClientSecretBasic}
	return AuthorizationServerMetadata{
		Issuer:                                 s.issuer,
		AuthorizationEndpoint:                  s.issuer + PathAuthorize,
		TokenEndpoint:                          s.issuer + PathToken,
		RegistrationEndpoint:                   s.issuer + PathRegister,
		RevocationEndpoint:                     s.issuer + PathRevoke,
		ScopesSupported:                        append([]string(nil), auth.SupportedScopes...),
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{GrantAuthorizationCode, GrantRefreshToken},
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:          []string{ChallengeS256},
	}
}

// ProtectedResourceMetadata describes the API these tokens are for.
func (s *Server) ProtectedResourceMetadata() ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               s.issuer,
		AuthorizationServers:   []string{s.issuer},
		ScopesSupported:        append([]string(nil), auth.SupportedScopes...),
		BearerMethodsSupported: []string{"header"},
	}
}
