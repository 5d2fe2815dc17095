package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/ids"
	"quorum.app/internal/obs"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultCodeTTL    = 10 * time.Minute

	// Consumption rows are kept this long past the refresh lifetime so a
	// replay near expiry is still detected.
	consumptionRetentionSlack = 5 * 24 * time.Hour

	secretBytes = 32
)

// Auditor records security events; *audit.Writer satisfies it.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Server is the OAuth 2.1 authorization server: registration, the
// authorization code flow with PKCE, refresh rotation and revocation.
type Server struct {
	store  Store
	users  Users
	signer *Signer
	audit  Auditor
	issuer string
	now    func() time.Time

	accessTTL    time.Duration
	refreshTTL   time.Duration
	codeTTL      time.Duration
	allowedHosts []string
}

// ServerOption configures Server.
type ServerOption func(*Server)

func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func WithAccessTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

func WithCodeTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithAllowedRedirectHosts limits registration to these hosts and their subdomains.
func WithAllowedRedirectHosts(hosts []string) ServerOption {
	return func(s *Server) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				s.allowedHosts = append(s.allowedHosts, h)
			}
		}
	}
}

// WithAuditor records refresh-token replays in the audit log.
func WithAuditor(a Auditor) ServerOption {
	return func(s *Server) { s.audit = a }
}

func NewServer(store Store, users Users, signer *Signer, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, errors.New("oauth store is required")
	}
	if users == nil {
		return nil, errors.New("user lookup is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	s := &Server{
		store:      store,
		users:      users,
		signer:     signer,
		issuer:     signer.issuer,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		codeTTL:    defaultCodeTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	signer.now = s.now
	return s, nil
}

// Issuer is the authorization server identifier.
func (s *Server) Issuer() string { return s.issuer }

// Register creates a client from RFC 7591 metadata.
func (s *Server) Register(ctx context.Context, req RegistrationRequest) (Registration, error) {
	if len(req.RedirectURIs) == 0 {
		return Registration{}, fmt.Errorf("%w: at least one redirect uri is required", ErrInvalidRedirectURI)
	}
	for _, uri := range req.RedirectURIs {
		if err := s.checkRedirectURI(uri); err != nil {
			return Registration{}, err
		}
	}

	method := strings.TrimSpace(req.TokenEndpointAuthMethod)
	switch method {
	case "":
		method = AuthMethodClientSecretPost
	case AuthMethodNone, AuthMethodClientSecretPost, AuthMethodClientSecretBasic:
	default:
		return Registration{}, fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, method)
	}
	for _, gt := range req.GrantTypes {
		if gt != GrantAuthorizationCode && gt != GrantRefreshToken {
			return Registration{}, fmt.Errorf("%w: unsupported grant type %q", ErrInvalidClientMetadata, gt)
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return Registration{}, fmt.Errorf("%w: unsupported response type %q", ErrInvalidClientMetadata, rt)
		}
	}

	scopes := splitScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), auth.SupportedScopes...)
	}
	if !subset(scopes, auth.SupportedScopes) {
		return Registration{}, fmt.Errorf("%w: %q", ErrInvalidScope, req.Scope)
	}

	now := s.now().UTC()
	client := Client{
		ID:           ids.NewUUID(),
		Name:         strings.TrimSpace(req.ClientName),
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		Scopes:       scopes,
		AuthMethod:   method,
		Active:       true,
		CreatedAt:    now,
	}
	var secret string
	if !client.Public() {
		var err error
		if secret, err = ids.Secret(secretBytes); err != nil {
			return Registration{}, err
		}
		if client.SecretHash, err = auth.HashSecret(secret); err != nil {
			return Registration{}, err
		}
	}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return Registration{}, fmt.Errorf("store client: %w", err)
	}
	obs.Logger().InfoContext(ctx, "oauth client registered",
		"client_id", client.ID,
		"client_name", client.Name,
		"auth_method", client.AuthMethod,
	)
	return Registration{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		Scope:                   joinScopes(client.Scopes),
		TokenEndpointAuthMethod: client.AuthMethod,
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken},
		ResponseTypes:           []string{"code"},
	}, nil
}

func (s *Server) checkRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute uri", ErrInvalidRedirectURI, raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return fmt.Errorf("%w: %q must not contain a fragment", ErrInvalidRedirectURI, raw)
	}
	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(host) {
			return fmt.Errorf("%w: %q must use https", ErrInvalidRedirectURI, raw)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRedirectURI, raw)
	}
	if len(s.allowedHosts) == 0 {
		return nil
	}
	for _, allowed := range s.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q is not allowed", ErrInvalidRedirectURI, host)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateClientRedirect loads an active client and checks that redirectURI
// is one of its registered URIs, compared exactly.
func (s *Server) ValidateClientRedirect(ctx context.Context, clientID, redirectURI string) (Client, error) {
	if strings.TrimSpace(clientID) == "" {
		return Client{}, ErrUnknownClient
	}
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, auth.ErrNotFound) {
		return Client{}, ErrUnknownClient
	}
	if err != nil {
		return Client{}, fmt.Errorf("load client: %w", err)
	}
	if !client.Active {
		return Client{}, ErrUnknownClient
	}
	if !client.AllowsRedirect(redirectURI) {
		return Client{}, ErrRedirectMismatch
	}
	return client, nil
}

// Authorize issues a single-use authorization code for an authenticated
// resource owner. Client and redirect problems are returned before anything
// else so the caller never redirects to an unverified URI.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	client, err := s.ValidateClientRedirect(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return AuthorizeResult{}, err
	}
	if req.ResponseType != "code" {
		return AuthorizeResult{}, fmt.Errorf("%w: response_type must be code", ErrUnsupportedResponseType)
	}
	if req.CodeChallengeMethod != ChallengeS256 {
		return AuthorizeResult{}, fmt.Errorf("%w: code_challenge_method must be S256", ErrInvalidRequest)
	}
	if !validChallenge(req.CodeChallenge) {
		return AuthorizeResult{}, fmt.Errorf("%w: code_challenge is missing or malformed", ErrInvalidRequest)
	}
	scopes := splitScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), client.Scopes...)
	}
	if !subset(scopes, client.Scopes) {
		return AuthorizeResult{}, fmt.Errorf("%w: %q exceeds client registration", ErrInvalidScope, req.Scope)
	}
	subject := req.Subject
	if subject.UserID == "" || subject.Method == auth.MethodOAuth {
		return AuthorizeResult{}, auth.ErrInvalidCredential
	}

	code, err := ids.Secret(secretBytes)
	if err != nil {
		return AuthorizeResult{}, err
	}
	now := s.now().UTC()
	if err := s.store.CreateAuthCode(ctx, AuthCode{
		Hash:                auth.HashToken(code),
		ClientID:            client.ID,
		UserID:              subject.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.codeTTL),
		CreatedAt:           now,
	}); err != nil {
		return AuthorizeResult{}, fmt.Errorf("store authorization code: %w", err)
	}
	obs.Logger().InfoContext(ctx, "authorization code issued",
		"client_id", client.ID,
		"user_id", subject.UserID,
		"scope", joinScopes(scopes),
	)

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return AuthorizeResult{Code: code, RedirectURL: AppendQuery(req.RedirectURI, params)}, nil
}

// AppendQuery adds params to uri, keeping any query it already has.
func AppendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Exchange handles the token endpoint for both supported grants.
func (s *Server) Exchange(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	var (
		resp TokenResponse
		err  error
	)
	switch req.GrantType {
	case GrantAuthorizationCode:
		resp, err = s.exchangeCode(ctx, req)
	case GrantRefreshToken:
		resp, err = s.refresh(ctx, req)
	default:
		return TokenResponse{}, ErrUnsupportedGrantType
	}
	obs.OAuthGrant(req.GrantType, err == nil)
	return resp, err
}

func (s *Server) authenticateClient(ctx context.Context, clientID, secret string) (Client, error) {
	if clientID == "" {
		return Client{}, ErrInvalidClient
	}
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, auth.ErrNotFound) {
		return Client{}, ErrInvalidClient
	}
	if err != nil {
		return Client{}, fmt.Errorf("load client: %w", err)
	}
	if !client.Active {
		return Client{}, ErrInvalidClient
	}
	if client.Public() {
		return client, nil
	}
	if secret == "" {
		return Client{}, ErrInvalidClient
	}
	ok, err := auth.VerifySecret(client.SecretHash, secret)
	if err != nil || !ok {
		return Client{}, ErrInvalidClient
	}
	return client, nil
}

func (s *Server) exchangeCode(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return TokenResponse{}, err
	}
	if req.Code == "" {
		return TokenResponse{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	// Consume first: whatever happens next, the code is gone.
	code, err := s.store.ConsumeAuthCode(ctx, auth.HashToken(req.Code))
	if errors.Is(err, auth.ErrNotFound) {
		return TokenResponse{}, ErrInvalidGrant
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("consume authorization code: %w", err)
	}

	now := s.now()
	switch {
	case !now.Before(code.ExpiresAt):
		return TokenResponse{}, fmt.Errorf("%w: code expired", ErrInvalidGrant)
	case code.ClientID != client.ID:
		obs.Logger().WarnContext(ctx, "authorization code presented by another client",
			"client_id", client.ID, "code_client_id", code.ClientID)
		return TokenResponse{}, ErrInvalidGrant
	case req.RedirectURI != "" && req.RedirectURI != code.RedirectURI:
		return TokenResponse{}, fmt.Errorf("%w: redirect uri mismatch", ErrInvalidGrant)
	case req.CodeVerifier == "" || !VerifyPKCE(req.CodeVerifier, code.CodeChallenge):
		return TokenResponse{}, fmt.Errorf("%w: pkce verification failed", ErrInvalidGrant)
	}

	fam := Family{
		ID:        ids.NewUUID(),
		ClientID:  client.ID,
		UserID:    code.UserID,
		Scopes:    code.Scopes,
		CreatedAt: now.UTC(),
	}
	if err := s.store.CreateFamily(ctx, fam); err != nil {
		return TokenResponse{}, fmt.Errorf("store token family: %w", err)
	}
	return s.mint(ctx, fam, fam.Scopes)
}

func (s *Server) refresh(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return TokenResponse{}, err
	}
	claims, err := s.signer.Parse(req.RefreshToken, typeRefresh)
	if err != nil {
		return TokenResponse{}, ErrInvalidGrant
	}
	if claims.ClientID != client.ID {
		return TokenResponse{}, ErrInvalidGrant
	}

	// The family is read before the token is spent. A concurrent replay can
	// only revoke it after losing the insert below, so the winner of a race
	// is never turned away by its own losers.
	fam, err := s.store.GetFamily(ctx, claims.Family)
	if errors.Is(err, auth.ErrNotFound) {
		return TokenResponse{}, ErrInvalidGrant
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("load token family: %w", err)
	}

	err = s.store.MarkRefreshConsumed(ctx, RefreshUse{
		JTI:        claims.ID,
		FamilyID:   claims.Family,
		ClientID:   client.ID,
		ConsumedAt: s.now().UTC(),
	})
	if errors.Is(err, ErrAlreadyConsumed) {
		s.onReuse(ctx, claims)
		return TokenResponse{}, ErrTokenReuseDetected
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("consume refresh token: %w", err)
	}
	if fam.Revoked() || fam.ClientID != client.ID {
		return TokenResponse{}, ErrInvalidGrant
	}

	scopes := fam.Scopes
	if requested := splitScopes(req.Scope); len(requested) > 0 {
		if !subset(requested, fam.Scopes) {
			return TokenResponse{}, ErrInvalidScope
		}
		scopes = requested
	}
	return s.mint(ctx, fam, scopes)
}

// onReuse revokes the whole family of a replayed refresh token.
func (s *Server) onReuse(ctx context.Context, claims *Claims) {
	if err := s.store.RevokeFamily(ctx, claims.Family, "reuse", s.now().UTC()); err != nil {
		obs.Logger().ErrorContext(ctx, "revoke token family failed", "family_id", claims.Family, "error", err)
	}
	obs.RefreshReuseDetected()
	obs.Logger().WarnContext(ctx, "refresh token reuse detected; family revoked",
		"family_id", claims.Family,
		"client_id", claims.ClientID,
		"user_id", claims.Subject,
	)
	if s.audit == nil || claims.Email == "" {
		return
	}
	if err := s.audit.Record(ctx, audit.Event{
		UserEmail:  claims.Email,
		Operation:  auth.KindUpdate,
		EntityType: "oauth_token_family",
		EntityID:   claims.Family,
		Detail:     "refresh token reuse detected; family revoked (client " + claims.ClientID + ")",
		AuthMethod: auth.MethodOAuth,
	}); err != nil {
		obs.Logger().ErrorContext(ctx, "audit of token reuse failed", "family_id", claims.Family, "error", err)
	}
}

func (s *Server) mint(ctx context.Context, fam Family, scopes []string) (TokenResponse, error) {
	user, err := s.users.GetUser(ctx, fam.UserID)
	if errors.Is(err, auth.ErrNotFound) {
		return TokenResponse{}, ErrInvalidGrant
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("load user: %w", err)
	}
	scope := joinScopes(scopes)
	base := Claims{ClientID: fam.ClientID, Scope: scope, Family: fam.ID, Email: user.Email}
	base.Subject = user.ID

	access := base
	access.Type = typeAccess
	access.ID = ids.New()
	accessToken, _, err := s.signer.Sign(access, s.accessTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh := base
	refresh.Type = typeRefresh
	refresh.ID = ids.New()
	refreshToken, _, err := s.signer.Sign(refresh, s.refreshTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// Revoke implements RFC 7009. Unknown, malformed and expired tokens are
// accepted silently; only storage failures are returned.
func (s *Server) Revoke(ctx context.Context, req RevokeRequest) error {
	if strings.TrimSpace(req.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	order := []string{typeAccess, typeRefresh}
	if req.TokenTypeHint == GrantRefreshToken {
		order = []string{typeRefresh, typeAccess}
	}
	var claims *Claims
	for _, typ := range order {
		if c, err := s.signer.Parse(req.Token, typ); err == nil {
			claims = c
			break
		}
	}
	if claims == nil {
		obs.Logger().DebugContext(ctx, "revocation of unrecognised token ignored")
		return nil
	}
	if req.ClientID != "" && req.ClientID != claims.ClientID {
		obs.Logger().WarnContext(ctx, "revocation by non-owning client ignored",
			"client_id", req.ClientID, "token_client_id", claims.ClientID)
		return nil
	}

	now := s.now().UTC()
	if claims.Type == typeAccess {
		if err := s.store.DenyAccessToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return fmt.Errorf("deny access token: %w", err)
		}
		obs.Logger().InfoContext(ctx, "access token revoked", "client_id", claims.ClientID, "jti", claims.ID)
		return nil
	}
	err := s.store.MarkRefreshConsumed(ctx, RefreshUse{
		JTI:        claims.ID,
		FamilyID:   claims.Family,
		ClientID:   claims.ClientID,
		ConsumedAt: now,
	})
	if err != nil && !errors.Is(err, ErrAlreadyConsumed) {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	if err := s.store.RevokeFamily(ctx, claims.Family, "revoked", now); err != nil && !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("revoke token family: %w", err)
	}
	obs.Logger().InfoContext(ctx, "refresh token family revoked", "client_id", claims.ClientID, "family_id", claims.Family)
	return nil
}

// VerifyAccessToken maps a bearer access token to the identity it was
// issued for. Every failure is auth.ErrInvalidCredential.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (auth.Identity, error) {
	id, err := s.verifyAccess(ctx, token)
	obs.CredentialVerified(string(auth.MethodOAuth), err == nil)
	if err != nil {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return id, nil
}

func (s *Server) verifyAccess(ctx context.Context, token string) (auth.Identity, error) {
	claims, err := s.signer.Parse(token, typeAccess)
	if err != nil {
		return auth.Identity{}, err
	}
	fam, err := s.store.GetFamily(ctx, claims.Family)
	if err != nil {
		if !errors.Is(err, auth.ErrNotFound) {
			obs.Logger().WarnContext(ctx, "token family lookup failed", "error", err)
		}
		return auth.Identity{}, err
	}
	if fam.Revoked() {
		return auth.Identity{}, errInvalidToken
	}
	denied, err := s.store.AccessTokenDenied(ctx, claims.ID)
	if err != nil {
		obs.Logger().WarnContext(ctx, "access token deny-list lookup failed", "error", err)
		return auth.Identity{}, err
	}
	if denied {
		return auth.Identity{}, errInvalidToken
	}
	return auth.Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Method:   auth.MethodOAuth,
		ClientID: claims.ClientID,
		Scopes:   splitScopes(claims.Scope),
	}, nil
}

// Purge deletes expired codes, stale consumption rows and expired deny-list
// entries. Correctness never depends on it: expiry is checked on read.
func (s *Server) Purge(ctx context.Context) (PurgeStats, error) {
	now := s.now().UTC()
	stats, err := s.store.PurgeOAuth(ctx, now, now.Add(-(s.refreshTTL + consumptionRetentionSlack)))
	if err != nil {
		return PurgeStats{}, err
	}
	obs.Logger().InfoContext(ctx, "oauth state purged",
		"codes", stats.Codes,
		"refresh_uses", stats.RefreshUses,
		"denied_tokens", stats.DeniedTokens,
	)
	return stats, nil
}
