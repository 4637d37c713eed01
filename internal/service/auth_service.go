package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/cache"
	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/grant"
	"github.com/smallbiznis/keystash/internal/jwt"
	"github.com/smallbiznis/keystash/internal/repository"
	"github.com/smallbiznis/keystash/internal/secret"
)

// PKCE methods (RFC 7636).
const (
	PKCEPlain = "plain"
	PKCES256  = "S256"
)

const tokenTypeBearer = "Bearer"

// Caches groups the token cache namespaces the service relies on.
type Caches struct {
	Codes   cache.Cache[domain.AuthorizationCode]
	Nonces  cache.Cache[bool]
	Revoked cache.Cache[int64]
}

// NewCaches builds every namespace on the configured backend. client may be
// nil when the memory backend is selected.
func NewCaches(cfg config.Cache, backend redis.UniversalClient) Caches {
	return Caches{
		Codes:   cache.New[domain.AuthorizationCode](cfg, backend, "code"),
		Nonces:  cache.New[bool](cfg, backend, "nonce"),
		Revoked: cache.New[int64](cfg, backend, "revoked"),
	}
}

// AuthorizationService orchestrates the authorize, token, introspection,
// revocation and userinfo flows on top of the protocol core.
type AuthorizationService struct {
	resolver *grant.Resolver
	tokens   *jwt.Generator
	clients  repository.ClientRepository
	owners   repository.ResourceOwnerRepository
	caches   Caches
	cfg      config.Tokens
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option customizes an AuthorizationService.
type Option func(*AuthorizationService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *AuthorizationService) { s.now = now }
}

// NewAuthorizationService wires dependencies.
func NewAuthorizationService(
	resolver *grant.Resolver,
	tokens *jwt.Generator,
	clients repository.ClientRepository,
	owners repository.ResourceOwnerRepository,
	caches Caches,
	cfg config.Tokens,
	logger *zap.Logger,
	opts ...Option,
) *AuthorizationService {
	s := &AuthorizationService{
		resolver: resolver,
		tokens:   tokens,
		clients:  clients,
		owners:   owners,
		caches:   caches,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/keystash/internal/service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize handles an authorization request for an authenticated resource owner.
func (s *AuthorizationService) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.Authorize")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.client_id", req.ClientID), attribute.String("oauth.response_type", req.ResponseType))

	if strings.TrimSpace(req.ClientID) == "" {
		return nil, newOAuthError(ErrCodeInvalidRequest, "client_id is required.")
	}
	client, err := s.loadClient(ctx, req.ClientID)
	if err != nil {
		return nil, s.fail(span, err)
	}

	redirect, ok := registeredRedirect(client, req.RedirectURI)
	if !ok {
		return nil, newOAuthError(ErrCodeInvalidRequest, "redirect_uri is not registered for this client.")
	}

	flow, ok := s.resolver.Resolve(req.ResponseType)
	// from here on errors are delivered to the client by redirect
	reject := func(code, desc string, err error) error {
		e := wrapOAuthError(code, desc, err)
		e.RedirectURI, e.State = redirect, req.State
		e.Fragment = ok && flow.Family != domain.FlowAuthorizationCode
		return s.fail(span, e)
	}
	if !ok {
		return nil, reject(ErrCodeUnsupportedResponseType, "response_type is not supported.", nil)
	}
	span.SetAttributes(attribute.String("oauth.flow", string(flow.Family)), attribute.String("oauth.protocol", string(flow.Protocol)))

	for _, g := range requiredGrants(flow) {
		if !client.AllowsGrant(g) {
			return nil, reject(ErrCodeUnauthorizedClient, fmt.Sprintf("Client is not allowed to use the %s grant.", g), nil)
		}
	}

	scopes, err := s.grantScopes(req.Scope, client.Scopes, s.cfg.DefaultScopes)
	if err != nil {
		return nil, reject(ErrCodeInvalidScope, err.Error(), nil)
	}
	openID := containsScope(scopes, domain.ScopeOpenID)
	if flow.OpenID() && !openID {
		return nil, reject(ErrCodeInvalidScope, "The openid scope is required for this response_type.", nil)
	}
	if flow.IssuesIDToken() && req.Nonce == "" {
		return nil, reject(ErrCodeInvalidRequest, "nonce is required when an id_token is returned.", nil)
	}

	method, err := pkceMethod(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return nil, reject(ErrCodeInvalidRequest, err.Error(), nil)
	}
	if flow.IssuesCode() && !client.Confidential() && req.CodeChallenge == "" {
		return nil, reject(ErrCodeInvalidRequest, "code_challenge is required for public clients.", nil)
	}

	if req.Nonce != "" {
		replayed, err := s.rememberNonce(ctx, client.ClientID, req.Nonce)
		if err != nil {
			return nil, reject(ErrCodeServerError, "Nonce could not be recorded.", err)
		}
		if replayed {
			return nil, reject(ErrCodeInvalidRequest, "nonce has already been used.", nil)
		}
	}

	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = s.now()
	}
	resp := &AuthorizeResponse{
		RedirectURI: redirect,
		State:       req.State,
		Fragment:    flow.Family != domain.FlowAuthorizationCode,
		Scope:       domain.FormatScopes(scopes),
	}

	if flow.IssuesCode() {
		code, err := secret.Generate()
		if err != nil {
			return nil, reject(ErrCodeServerError, "Authorization code could not be generated.", err)
		}
		record := domain.AuthorizationCode{
			Code:                code,
			ClientID:            client.ClientID,
			Subject:             req.Subject,
			RedirectURI:         redirect,
			RedirectURIProvided: req.RedirectURI != "",
			Scopes:              scopes,
			Nonce:               req.Nonce,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: method,
			OpenID:              openID,
			AuthTime:            authTime,
			ExpiresAt:           s.now().Add(s.cfg.AuthorizationCodeTTL),
		}
		if err := s.caches.Codes.Set(ctx, code, record, s.cfg.AuthorizationCodeTTL); err != nil {
			return nil, reject(ErrCodeServerError, "Authorization code could not be stored.", err)
		}
		resp.Code = code
		s.audit("authorization_code.issued", zap.String("client_id", client.ClientID), zap.String("sub", req.Subject))
	}

	if flow.IssuesAccessToken() {
		raw, _, err := s.tokens.Issue(ctx, jwt.Claims{
			Use:      domain.TokenUseAccess,
			Issuer:   req.Issuer,
			Subject:  req.Subject,
			Audience: []string{client.ClientID},
			ClientID: client.ClientID,
			Scopes:   scopes,
			TTL:      s.cfg.AccessTokenTTL,
		})
		if err != nil {
			return nil, reject(internalError(err).Code, "Access token could not be issued.", err)
		}
		resp.AccessToken, resp.TokenType, resp.ExpiresIn = raw, tokenTypeBearer, int64(s.cfg.AccessTokenTTL.Seconds())
	}

	if flow.IssuesIDToken() {
		raw, _, err := s.tokens.Issue(ctx, jwt.Claims{
			Use:         domain.TokenUseID,
			Issuer:      req.Issuer,
			Subject:     req.Subject,
			Audience:    []string{client.ClientID},
			ClientID:    client.ClientID,
			TTL:         s.cfg.IDTokenTTL,
			Nonce:       req.Nonce,
			AuthTime:    &authTime,
			AccessToken: resp.AccessToken,
			Code:        resp.Code,
		})
		if err != nil {
			return nil, reject(internalError(err).Code, "ID token could not be issued.", err)
		}
		resp.IDToken = raw
	}

	return resp, nil
}

// Exchange handles a token endpoint request.
func (s *AuthorizationService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.Exchange")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.grant_type", req.GrantType), attribute.String("oauth.client_id", req.ClientID))

	grantType := domain.GrantType(req.GrantType)
	switch grantType {
	case domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials:
	case "":
		return nil, s.fail(span, newOAuthError(ErrCodeInvalidRequest, "grant_type is required."))
	default:
		return nil, s.fail(span, newOAuthError(ErrCodeUnsupportedGrantType, "grant_type is not supported."))
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if !client.AllowsGrant(grantType) {
		return nil, s.fail(span, newOAuthError(ErrCodeUnauthorizedClient, fmt.Sprintf("Client is not allowed to use the %s grant.", grantType)))
	}

	var resp *TokenResponse
	switch grantType {
	case domain.GrantAuthorizationCode:
		resp, err = s.redeemCode(ctx, client, req)
	case domain.GrantRefreshToken:
		resp, err = s.refresh(ctx, client, req)
	case domain.GrantClientCredentials:
		resp, err = s.clientCredentials(ctx, client, req)
	}
	if err != nil {
		return nil, s.fail(span, err)
	}
	return resp, nil
}

func (s *AuthorizationService) redeemCode(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, newOAuthError(ErrCodeInvalidRequest, "code is required.")
	}
	// Evict makes the code single use even under concurrent redemption.
	stored, ok, err := s.caches.Codes.Evict(ctx, req.Code)
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return nil, newOAuthError(ErrCodeInvalidGrant, "Invalid authorization code.")
	}
	if stored.ClientID != client.ClientID {
		return nil, newOAuthError(ErrCodeInvalidGrant, "Authorization code was issued to another client.")
	}
	// RFC 6749 section 4.1.3: required only when the authorization request carried it
	if (stored.RedirectURIProvided || req.RedirectURI != "") && stored.RedirectURI != req.RedirectURI {
		return nil, newOAuthError(ErrCodeInvalidGrant, "Mismatched redirect_uri.")
	}
	if !s.now().Before(stored.ExpiresAt) {
		return nil, newOAuthError(ErrCodeInvalidGrant, "Authorization code expired.")
	}
	if stored.CodeChallenge != "" && !verifyPKCE(stored.CodeChallenge, stored.CodeChallengeMethod, req.CodeVerifier) {
		return nil, newOAuthError(ErrCodeInvalidGrant, "code_verifier does not match the code challenge.")
	}

	resp, err := s.issueTokens(ctx, client, stored.Subject, stored.Scopes, req.Issuer)
	if err != nil {
		return nil, err
	}
	if stored.OpenID {
		authTime := stored.AuthTime
		idToken, _, err := s.tokens.Issue(ctx, jwt.Claims{
			Use:         domain.TokenUseID,
			Issuer:      req.Issuer,
			Subject:     stored.Subject,
			Audience:    []string{client.ClientID},
			ClientID:    client.ClientID,
			TTL:         s.cfg.IDTokenTTL,
			Nonce:       stored.Nonce,
			AuthTime:    &authTime,
			AccessToken: resp.AccessToken,
		})
		if err != nil {
			return nil, internalError(err)
		}
		resp.IDToken = idToken
	}
	s.audit("authorization_code.redeemed", zap.String("client_id", client.ClientID), zap.String("sub", stored.Subject))
	return resp, nil
}

func (s *AuthorizationService) refresh(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newOAuthError(ErrCodeInvalidRequest, "refresh_token is required.")
	}
	tok, err := s.validate(ctx, req.RefreshToken, domain.TokenUseRefresh)
	if err != nil {
		if domain.IsTokenInvalid(err) {
			return nil, wrapOAuthError(ErrCodeInvalidGrant, "Invalid refresh token.", err)
		}
		return nil, internalError(err)
	}
	if tok.ClientID != client.ClientID {
		return nil, newOAuthError(ErrCodeInvalidGrant, "Refresh token was issued to another client.")
	}

	scopes := tok.Scopes
	if req.Scope != "" {
		requested := domain.ParseScopes(req.Scope)
		if len(domain.IntersectScopes(requested, tok.Scopes)) != len(requested) {
			return nil, newOAuthError(ErrCodeInvalidScope, "Requested scope exceeds the original grant.")
		}
		scopes = requested
	}

	// rotation: claiming the revocation marker spends the presented refresh
	// token, and only one concurrent redemption can claim it
	claimed, err := s.claimRevocation(ctx, tok)
	if err != nil {
		return nil, internalError(err)
	}
	if !claimed {
		return nil, wrapOAuthError(ErrCodeInvalidGrant, "Invalid refresh token.", fmt.Errorf("jti %s: %w", tok.ID, domain.ErrTokenRevoked))
	}
	resp, err := s.issueTokens(ctx, client, tok.Subject, scopes, req.Issuer)
	if err != nil {
		return nil, err
	}
	s.audit("refresh_token.rotated", zap.String("client_id", client.ClientID), zap.String("sub", tok.Subject), zap.String("jti", tok.ID))
	return resp, nil
}

func (s *AuthorizationService) clientCredentials(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	if !client.Confidential() {
		return nil, newOAuthError(ErrCodeUnauthorizedClient, "Public clients cannot use client_credentials.")
	}
	scopes, err := s.grantScopes(req.Scope, client.Scopes, client.Scopes)
	if err != nil {
		return nil, newOAuthError(ErrCodeInvalidScope, err.Error())
	}
	raw, _, err := s.tokens.Issue(ctx, jwt.Claims{
		Use:      domain.TokenUseAccess,
		Issuer:   req.Issuer,
		Subject:  client.ClientID,
		Audience: []string{client.ClientID},
		ClientID: client.ClientID,
		Scopes:   scopes,
		TTL:      s.cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, internalError(err)
	}
	s.audit("client_credentials.issued", zap.String("client_id", client.ClientID))
	return &TokenResponse{
		AccessToken: raw,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       domain.FormatScopes(scopes),
	}, nil
}

// issueTokens mints an access token and, when the client may refresh, a linked refresh token.
func (s *AuthorizationService) issueTokens(ctx context.Context, client domain.Client, subject string, scopes []string, issuer string) (*TokenResponse, error) {
	access, accessTok, err := s.tokens.Issue(ctx, jwt.Claims{
		Use:      domain.TokenUseAccess,
		Issuer:   issuer,
		Subject:  subject,
		Audience: []string{client.ClientID},
		ClientID: client.ClientID,
		Scopes:   scopes,
		TTL:      s.cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, internalError(err)
	}
	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       domain.FormatScopes(scopes),
	}
	if client.AllowsGrant(domain.GrantRefreshToken) {
		refresh, _, err := s.tokens.Issue(ctx, jwt.Claims{
			Use:           domain.TokenUseRefresh,
			Issuer:        issuer,
			Subject:       subject,
			Audience:      []string{client.ClientID},
			ClientID:      client.ClientID,
			Scopes:        scopes,
			TTL:           s.cfg.RefreshTokenTTL,
			AccessTokenID: accessTok.ID,
		})
		if err != nil {
			return nil, internalError(err)
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// Introspect reports the state of token to an authenticated client. Invalid
// and revoked tokens are inactive.
func (s *AuthorizationService) Introspect(ctx context.Context, clientID, clientSecret, token string) (*IntrospectionResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.Introspect")
	defer span.End()

	if _, err := s.authenticateClient(ctx, clientID, clientSecret); err != nil {
		return nil, s.fail(span, err)
	}
	tok, err := s.validate(ctx, token, "")
	if err != nil {
		if domain.IsTokenInvalid(err) {
			return &IntrospectionResponse{Active: false}, nil
		}
		return nil, s.fail(span, internalError(err))
	}
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     domain.FormatScopes(tok.Scopes),
		ClientID:  tok.ClientID,
		Subject:   tok.Subject,
		Audience:  tok.Audience,
		Issuer:    tok.Issuer,
		ExpiresAt: tok.ExpiresAt.Unix(),
		IssuedAt:  tok.IssuedAt.Unix(),
		NotBefore: tok.NotBefore.Unix(),
		JWTID:     tok.ID,
		TokenUse:  string(tok.Use),
	}
	if tok.Use == domain.TokenUseAccess {
		resp.TokenType = tokenTypeBearer
	}
	return resp, nil
}

// Revoke invalidates token until its expiry on behalf of the authenticated
// client. Unknown or invalid tokens are accepted silently (RFC 7009 section
// 2.2). Revoking a refresh token also revokes the access token it was minted with.
func (s *AuthorizationService) Revoke(ctx context.Context, clientID, clientSecret, token string) error {
	ctx, span := s.startSpan(ctx, "AuthorizationService.Revoke")
	defer span.End()

	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return s.fail(span, err)
	}
	tok, err := s.validate(ctx, token, "")
	if err != nil {
		if domain.IsTokenInvalid(err) {
			return nil
		}
		return s.fail(span, internalError(err))
	}
	if tok.ClientID != client.ClientID {
		return s.fail(span, newOAuthError(ErrCodeUnauthorizedClient, "Token was issued to another client."))
	}
	if err := s.revoke(ctx, tok); err != nil {
		return s.fail(span, internalError(err))
	}
	if tok.Use == domain.TokenUseRefresh && tok.AccessTokenID != "" {
		ttl := s.cfg.AccessTokenTTL
		if err := s.caches.Revoked.Set(ctx, tok.AccessTokenID, s.now().Add(ttl).Unix(), ttl); err != nil {
			return s.fail(span, internalError(err))
		}
	}
	s.audit("token.revoked", zap.String("jti", tok.ID), zap.String("token_use", string(tok.Use)), zap.String("client_id", tok.ClientID))
	return nil
}

func (s *AuthorizationService) revoke(ctx context.Context, tok *domain.Token) error {
	ttl := s.revocationTTL(tok)
	if ttl <= 0 {
		return nil
	}
	return s.caches.Revoked.Set(ctx, tok.ID, tok.ExpiresAt.Unix(), ttl)
}

// claimRevocation revokes tok unless it already is, reporting whether this call did.
func (s *AuthorizationService) claimRevocation(ctx context.Context, tok *domain.Token) (bool, error) {
	ttl := s.revocationTTL(tok)
	if ttl <= 0 {
		return false, nil
	}
	return s.caches.Revoked.Add(ctx, tok.ID, tok.ExpiresAt.Unix(), ttl)
}

// revocationTTL keeps the marker for the token's remaining lifetime in whole
// seconds, rounded up, so it never expires before the token.
func (s *AuthorizationService) revocationTTL(tok *domain.Token) time.Duration {
	ttl := tok.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return 0
	}
	return ttl.Truncate(time.Second) + time.Second
}

// ValidateAccessToken validates a bearer access token, rejecting revoked ones.
func (s *AuthorizationService) ValidateAccessToken(ctx context.Context, token string) (*domain.Token, error) {
	return s.validate(ctx, token, domain.TokenUseAccess)
}

// IssueSession mints the session token a login front end sets as the session
// cookie after authenticating the end user. Only confidential clients
// registered for the session grant may call it. The token's audience is the
// issuer, so it can never be confused with a token handed to a relying party.
func (s *AuthorizationService) IssueSession(ctx context.Context, req SessionRequest) (*SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.IssueSession")
	defer span.End()

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if !client.Confidential() || !client.AllowsGrant(domain.GrantSession) {
		return nil, s.fail(span, newOAuthError(ErrCodeUnauthorizedClient, "Client is not allowed to issue sessions."))
	}
	if strings.TrimSpace(req.Subject) == "" || req.Issuer == "" {
		return nil, s.fail(span, newOAuthError(ErrCodeInvalidRequest, "subject is required."))
	}
	if _, err := s.owners.GetBySubject(ctx, req.Subject); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, s.fail(span, wrapOAuthError(ErrCodeInvalidRequest, "Unknown subject.", err))
		}
		return nil, s.fail(span, internalError(err))
	}

	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = s.now()
	}
	raw, _, err := s.tokens.Issue(ctx, jwt.Claims{
		Use:      domain.TokenUseSession,
		Issuer:   req.Issuer,
		Subject:  req.Subject,
		Audience: []string{req.Issuer},
		ClientID: client.ClientID,
		TTL:      s.cfg.SessionTTL,
		AuthTime: &authTime,
	})
	if err != nil {
		return nil, s.fail(span, internalError(err))
	}
	s.audit("session.issued", zap.String("client_id", client.ClientID), zap.String("sub", req.Subject))
	return &SessionResponse{SessionToken: raw, ExpiresIn: int64(s.cfg.SessionTTL.Seconds())}, nil
}

// AuthenticateSession validates a session token minted by IssueSession for
// issuer and returns the resource owner's subject and authentication time.
// ID tokens and other client-audience tokens are rejected.
func (s *AuthorizationService) AuthenticateSession(ctx context.Context, token, issuer string) (string, time.Time, error) {
	tok, err := s.validate(ctx, token, domain.TokenUseSession)
	if err != nil {
		return "", time.Time{}, err
	}
	if tok.Issuer != issuer || !containsScope(tok.Audience, issuer) {
		return "", time.Time{}, fmt.Errorf("session for %q, want %q: %w", tok.Issuer, issuer, domain.ErrTokenMalformed)
	}
	authTime := tok.IssuedAt
	if tok.AuthTime != nil {
		authTime = *tok.AuthTime
	}
	return tok.Subject, authTime, nil
}

// UserInfo returns the claims released for the token's subject and scopes.
func (s *AuthorizationService) UserInfo(ctx context.Context, tok *domain.Token) (*UserInfoResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.UserInfo")
	defer span.End()

	owner, err := s.owners.GetBySubject(ctx, tok.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, s.fail(span, wrapOAuthError(ErrCodeInvalidToken, "Token subject is unknown.", err))
		}
		return nil, s.fail(span, internalError(err))
	}

	resp := &UserInfoResponse{Subject: owner.Subject}
	if tok.HasScope("email") {
		verified := owner.EmailVerified
		resp.Email, resp.EmailVerified = owner.Email, &verified
	}
	if tok.HasScope("profile") {
		resp.Name, resp.Picture = owner.Name, owner.AvatarURL
		if !owner.UpdatedAt.IsZero() {
			resp.UpdatedAt = owner.UpdatedAt.Unix()
		}
	}
	return resp, nil
}

// validate verifies token, optionally enforces its use, and rejects revoked JWT IDs.
func (s *AuthorizationService) validate(ctx context.Context, token string, use domain.TokenUse) (*domain.Token, error) {
	tok, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if use != "" && tok.Use != use {
		return nil, fmt.Errorf("token use %q, want %q: %w", tok.Use, use, domain.ErrTokenMalformed)
	}
	revoked, err := s.caches.Revoked.Has(ctx, tok.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("jti %s: %w", tok.ID, domain.ErrTokenRevoked)
	}
	return tok, nil
}

func (s *AuthorizationService) loadClient(ctx context.Context, clientID string) (domain.Client, error) {
	client, err := s.clients.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Client{}, wrapOAuthError(ErrCodeInvalidClient, "Unknown client.", err)
		}
		return domain.Client{}, internalError(err)
	}
	return client, nil
}

func (s *AuthorizationService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.Client, error) {
	if clientID == "" {
		return domain.Client{}, newOAuthError(ErrCodeInvalidClient, "Client authentication failed.")
	}
	client, err := s.loadClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, err
	}
	if !client.Confidential() {
		return client, nil
	}
	ok, err := secret.Verify(clientSecret, client.SecretHash)
	if err != nil {
		s.log().Error("client secret hash unreadable", zap.String("client_id", clientID), zap.Error(err))
		return domain.Client{}, internalError(err)
	}
	if !ok {
		s.audit("client.authentication_failed", zap.String("client_id", clientID))
		return domain.Client{}, newOAuthError(ErrCodeInvalidClient, "Client authentication failed.")
	}
	return client, nil
}

// rememberNonce records nonce for the replay window and reports whether it was
// already seen. Recording is a single set-if-absent, so concurrent requests
// carrying the same nonce cannot both pass.
func (s *AuthorizationService) rememberNonce(ctx context.Context, clientID, nonce string) (bool, error) {
	added, err := s.caches.Nonces.Add(ctx, clientID+":"+nonce, true, s.cfg.NonceTTL)
	if err != nil {
		return false, err
	}
	return !added, nil
}

// grantScopes resolves the requested scope string against the client's
// allowed scopes. Every requested scope must be allowed.
func (s *AuthorizationService) grantScopes(raw string, allowed, fallback []string) ([]string, error) {
	requested := domain.ParseScopes(raw)
	if len(requested) == 0 {
		requested = domain.IntersectScopes(fallback, allowed)
	}
	granted := domain.IntersectScopes(requested, allowed)
	if len(granted) != len(requested) {
		return nil, errors.New("requested scope is not allowed for this client")
	}
	return granted, nil
}

func requiredGrants(flow domain.GrantFlow) []domain.GrantType {
	switch flow.Family {
	case domain.FlowAuthorizationCode:
		return []domain.GrantType{domain.GrantAuthorizationCode}
	case domain.FlowImplicit:
		return []domain.GrantType{domain.GrantImplicit}
	default:
		return []domain.GrantType{domain.GrantAuthorizationCode, domain.GrantImplicit}
	}
}

// registeredRedirect returns the redirect URI to use. An omitted value is
// accepted only when the client registered exactly one.
func registeredRedirect(client domain.Client, requested string) (string, bool) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], true
		}
		return "", false
	}
	return requested, client.AllowsRedirect(requested)
}

func pkceMethod(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", errors.New("code_challenge_method requires code_challenge")
		}
		return "", nil
	}
	switch method {
	case "":
		return PKCEPlain, nil
	case PKCEPlain, PKCES256:
		return method, nil
	}
	return "", fmt.Errorf("code_challenge_method %q is not supported", method)
}

func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	expected := verifier
	if method == PKCES256 {
		sum := sha256.Sum256([]byte(verifier))
		expected = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (s *AuthorizationService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// fail records err on span and returns it.
func (s *AuthorizationService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	if oauthErr, ok := AsOAuthError(err); ok {
		span.SetAttributes(attribute.String("oauth.error", oauthErr.Code))
		if oauthErr.Code == ErrCodeServerError || oauthErr.Code == ErrCodeTemporarilyUnavailable {
			span.SetStatus(codes.Error, oauthErr.Description)
			s.log().Error("authorization flow failed", zap.String("error_code", oauthErr.Code), zap.Error(err))
		}
	}
	return err
}

func (s *AuthorizationService) audit(event string, fields ...zap.Field) {
	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.String("event", event), zap.Time("timestamp", s.now().UTC()))
	all = append(all, fields...)
	s.log().Info("audit", all...)
}

func (s *AuthorizationService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
