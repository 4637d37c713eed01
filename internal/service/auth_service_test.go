package service_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/cache"
	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/grant"
	"github.com/smallbiznis/keystash/internal/jwt"
	"github.com/smallbiznis/keystash/internal/repository"
	"github.com/smallbiznis/keystash/internal/secret"
	"github.com/smallbiznis/keystash/internal/service"
)

const (
	issuer      = "https://id.example.com"
	webRedirect = "https://web.example.com/callback"
	spaRedirect = "https://spa.example.com/cb"
	webSecret   = "s3cret-web"
	loginSecret = "s3cret-login"
)

var cheap = secret.Params{Time: 1, Memory: 8, Threads: 1, KeyLen: 16, SaltLen: 8}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc       *service.AuthorizationService
	discovery *service.DiscoveryService
	tokens    *jwt.Generator
	keys      *jwt.KeyRegistry
	clock     *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0).UTC()}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	keys := jwt.NewKeyRegistry(repository.NewMemoryKeyRepo(), node, zap.NewNop(), jwt.WithClock(c.Now))
	_, _, err = keys.Bootstrap(ctx, domain.AlgorithmRS256)
	require.NoError(t, err)
	tokens := jwt.NewGenerator(keys, jwt.WithClock(c.Now))

	hash, err := secret.HashWith(webSecret, cheap)
	require.NoError(t, err)
	loginHash, err := secret.HashWith(loginSecret, cheap)
	require.NoError(t, err)
	clients := repository.NewMemoryClientRepo(
		domain.Client{
			ClientID:     "web",
			SecretHash:   hash,
			RedirectURIs: []string{webRedirect},
			Grants: []domain.GrantType{
				domain.GrantAuthorizationCode, domain.GrantImplicit,
				domain.GrantRefreshToken, domain.GrantClientCredentials,
			},
			Scopes: []string{"openid", "profile", "email", "orders:read"},
		},
		domain.Client{
			ClientID:     "spa",
			RedirectURIs: []string{spaRedirect, spaRedirect + "/alt"},
			Grants:       []domain.GrantType{domain.GrantAuthorizationCode},
			Scopes:       []string{"openid", "profile"},
		},
		domain.Client{
			ClientID:   "login",
			SecretHash: loginHash,
			Grants:     []domain.GrantType{domain.GrantSession},
		},
	)
	owners := repository.NewMemoryResourceOwnerRepo(domain.ResourceOwner{
		Subject:       "user-1",
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "Ada",
		UpdatedAt:     time.Unix(1_690_000_000, 0),
	})

	caches := service.Caches{
		Codes:   cache.NewMemory[domain.AuthorizationCode](cache.WithClock(c.Now)),
		Nonces:  cache.NewMemory[bool](cache.WithClock(c.Now)),
		Revoked: cache.NewMemory[int64](cache.WithClock(c.Now)),
	}
	cfg := config.Tokens{
		AccessTokenTTL:       time.Hour,
		IDTokenTTL:           time.Hour,
		RefreshTokenTTL:      24 * time.Hour,
		AuthorizationCodeTTL: 10 * time.Minute,
		NonceTTL:             10 * time.Minute,
		SessionTTL:           8 * time.Hour,
		DefaultScopes:        []string{"openid"},
	}
	resolver := grant.NewResolver()

	return &harness{
		svc:       service.NewAuthorizationService(resolver, tokens, clients, owners, caches, cfg, zap.NewNop(), service.WithClock(c.Now)),
		discovery: service.NewDiscoveryService(resolver, keys, domain.AlgorithmRS256, []string{"openid", "profile", "email"}),
		tokens:    tokens,
		keys:      keys,
		clock:     c,
	}
}

func requireOAuthCode(t *testing.T, err error, code string) *service.OAuthError {
	t.Helper()
	require.Error(t, err)
	oauthErr, ok := service.AsOAuthError(err)
	require.True(t, ok, "expected OAuthError, got %v", err)
	require.Equal(t, code, oauthErr.Code)
	return oauthErr
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (h *harness) authorizeCode(t *testing.T, verifier string) *service.AuthorizeResponse {
	t.Helper()
	resp, err := h.svc.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "web",
		RedirectURI:         webRedirect,
		Scope:               "openid profile email",
		State:               "xyz",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: service.PKCES256,
		Subject:             "user-1",
		Issuer:              issuer,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Code)
	return resp
}

func (h *harness) exchangeCode(code, verifier string) (*service.TokenResponse, error) {
	return h.svc.Exchange(context.Background(), service.TokenRequest{
		GrantType:    string(domain.GrantAuthorizationCode),
		Code:         code,
		RedirectURI:  webRedirect,
		CodeVerifier: verifier,
		ClientID:     "web",
		ClientSecret: webSecret,
		Issuer:       issuer,
	})
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	h := newHarness(t)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	resp := h.authorizeCode(t, verifier)
	require.False(t, resp.Fragment)
	loc, err := url.Parse(resp.Location())
	require.NoError(t, err)
	require.Equal(t, resp.Code, loc.Query().Get("code"))
	require.Equal(t, "xyz", loc.Query().Get("state"))

	tokens, err := h.exchangeCode(resp.Code, verifier)
	require.NoError(t, err)
	require.Equal(t, "Bearer", tokens.TokenType)
	require.Equal(t, int64(3600), tokens.ExpiresIn)
	require.Equal(t, "email openid profile", tokens.Scope)
	require.NotEmpty(t, tokens.RefreshToken)
	require.NotEmpty(t, tokens.IDToken)

	access, err := h.svc.ValidateAccessToken(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", access.Subject)
	require.Equal(t, issuer, access.Issuer)

	id, err := h.tokens.Validate(context.Background(), tokens.IDToken)
	require.NoError(t, err)
	require.Equal(t, domain.TokenUseID, id.Use)
	require.Equal(t, jwt.HalfHash(tokens.AccessToken), id.AtHash)
	require.NotNil(t, id.AuthTime)
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	verifier := "a-verifier-with-enough-entropy-to-be-realistic-0001"
	resp := h.authorizeCode(t, verifier)

	_, err := h.exchangeCode(resp.Code, verifier)
	require.NoError(t, err)

	_, err = h.exchangeCode(resp.Code, verifier)
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
}

func TestAuthorizationCodeRejectsWrongVerifier(t *testing.T) {
	h := newHarness(t)
	resp := h.authorizeCode(t, "the-right-verifier-the-right-verifier-the-right")

	_, err := h.exchangeCode(resp.Code, "a-different-verifier-a-different-verifier-xx")
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
}

func TestAuthorizationCodeExpires(t *testing.T) {
	h := newHarness(t)
	verifier := "verifier-for-expiry-check-verifier-for-expiry-check"
	resp := h.authorizeCode(t, verifier)

	h.clock.Advance(10 * time.Minute)
	_, err := h.exchangeCode(resp.Code, verifier)
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
}

func TestPublicClientRequiresCodeChallenge(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     "spa",
		RedirectURI:  spaRedirect,
		Scope:        "openid",
		State:        "s1",
		Subject:      "user-1",
	})
	oauthErr := requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
	require.Equal(t, spaRedirect, oauthErr.RedirectURI)
	require.Equal(t, "s1", oauthErr.State)
}

func TestAuthorizeRedirectValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType: "code", ClientID: "web", RedirectURI: "https://evil.example.com/cb", Subject: "user-1",
	})
	oauthErr := requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
	require.Empty(t, oauthErr.RedirectURI, "unregistered redirect must not be used")

	// spa registered two URIs, so omitting redirect_uri is ambiguous
	_, err = h.svc.Authorize(ctx, service.AuthorizeRequest{ResponseType: "code", ClientID: "spa", Subject: "user-1"})
	oauthErr = requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
	require.Empty(t, oauthErr.RedirectURI)

	_, err = h.svc.Authorize(ctx, service.AuthorizeRequest{ResponseType: "code", ClientID: "ghost", Subject: "user-1"})
	requireOAuthCode(t, err, service.ErrCodeInvalidClient)
}

func TestAuthorizeUnsupportedResponseTypeRedirects(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "code code",
		ClientID:     "web",
		RedirectURI:  webRedirect,
		State:        "st",
		Subject:      "user-1",
	})
	oauthErr := requireOAuthCode(t, err, service.ErrCodeUnsupportedResponseType)
	loc, perr := url.Parse(oauthErr.ErrorLocation())
	require.NoError(t, perr)
	require.Equal(t, "unsupported_response_type", loc.Query().Get("error"))
	require.Equal(t, "st", loc.Query().Get("state"))
}

func TestAuthorizeClientGrantRestrictions(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Authorize(context.Background(), service.AuthorizeRequest{
		ResponseType: "id_token",
		ClientID:     "spa",
		RedirectURI:  spaRedirect,
		Scope:        "openid",
		Nonce:        "n-1",
		Subject:      "user-1",
	})
	oauthErr := requireOAuthCode(t, err, service.ErrCodeUnauthorizedClient)
	require.True(t, oauthErr.Fragment)
}

func TestAuthorizeScopeRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType: "code", ClientID: "web", RedirectURI: webRedirect, Scope: "openid admin", Subject: "user-1",
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidScope)

	_, err = h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType: "id_token", ClientID: "web", RedirectURI: webRedirect, Scope: "profile", Nonce: "n", Subject: "user-1",
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidScope)
}

func TestImplicitIDTokenRequiresFreshNonce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := service.AuthorizeRequest{
		ResponseType: "id_token token",
		ClientID:     "web",
		RedirectURI:  webRedirect,
		Scope:        "openid profile",
		State:        "st",
		Subject:      "user-1",
		Issuer:       issuer,
	}

	_, err := h.svc.Authorize(ctx, req)
	requireOAuthCode(t, err, service.ErrCodeInvalidRequest)

	req.Nonce = "n-0S6_WzA2Mj"
	resp, err := h.svc.Authorize(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Fragment)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.True(t, strings.Contains(resp.Location(), "#"))

	id, err := h.tokens.Validate(ctx, resp.IDToken)
	require.NoError(t, err)
	require.Equal(t, "n-0S6_WzA2Mj", id.Nonce)
	require.Equal(t, jwt.HalfHash(resp.AccessToken), id.AtHash)

	_, err = h.svc.Authorize(ctx, req)
	oauthErr := requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
	require.True(t, oauthErr.Fragment)

	// the replay window closes after NonceTTL
	h.clock.Advance(10 * time.Minute)
	_, err = h.svc.Authorize(ctx, req)
	require.NoError(t, err)
}

func TestHybridFlowBindsCodeHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType: "id_token code",
		ClientID:     "web",
		RedirectURI:  webRedirect,
		Scope:        "openid",
		Nonce:        "hybrid-nonce",
		Subject:      "user-1",
		Issuer:       issuer,
	})
	require.NoError(t, err)
	require.True(t, resp.Fragment)
	require.NotEmpty(t, resp.Code)
	require.Empty(t, resp.AccessToken)

	id, err := h.tokens.Validate(ctx, resp.IDToken)
	require.NoError(t, err)
	require.Equal(t, jwt.HalfHash(resp.Code), id.CHash)
	require.Empty(t, id.AtHash)
}

func TestRefreshRotationRevokesPresentedToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verifier := "refresh-rotation-verifier-refresh-rotation-verifier"
	first, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)

	refreshReq := service.TokenRequest{
		GrantType:    string(domain.GrantRefreshToken),
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
		ClientID:     "web",
		ClientSecret: webSecret,
		Issuer:       issuer,
	}
	second, err := h.svc.Exchange(ctx, refreshReq)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.Equal(t, "openid", second.Scope)

	_, err = h.svc.Exchange(ctx, refreshReq)
	oauthErr := requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
	require.ErrorIs(t, oauthErr, domain.ErrTokenRevoked)

	refreshReq.RefreshToken = second.RefreshToken
	refreshReq.Scope = "openid orders:read"
	_, err = h.svc.Exchange(ctx, refreshReq)
	requireOAuthCode(t, err, service.ErrCodeInvalidScope)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	h := newHarness(t)
	verifier := "refresh-use-check-verifier-refresh-use-check-verifier"
	tokens, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)

	_, err = h.svc.Exchange(context.Background(), service.TokenRequest{
		GrantType:    string(domain.GrantRefreshToken),
		RefreshToken: tokens.AccessToken,
		ClientID:     "web",
		ClientSecret: webSecret,
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
}

func TestRevokeAndIntrospect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verifier := "revoke-introspect-verifier-revoke-introspect-verifier"
	tokens, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)

	info, err := h.svc.Introspect(ctx, "web", webSecret, tokens.AccessToken)
	require.NoError(t, err)
	require.True(t, info.Active)
	require.Equal(t, "web", info.ClientID)
	require.Equal(t, "Bearer", info.TokenType)
	require.Equal(t, "access", info.TokenUse)

	err = h.svc.Revoke(ctx, "spa", "", tokens.RefreshToken)
	requireOAuthCode(t, err, service.ErrCodeUnauthorizedClient)

	require.NoError(t, h.svc.Revoke(ctx, "web", webSecret, tokens.RefreshToken))

	for _, raw := range []string{tokens.RefreshToken, tokens.AccessToken} {
		info, err = h.svc.Introspect(ctx, "web", webSecret, raw)
		require.NoError(t, err)
		require.False(t, info.Active)
	}
	_, err = h.svc.ValidateAccessToken(ctx, tokens.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)

	// unknown tokens are accepted silently
	require.NoError(t, h.svc.Revoke(ctx, "web", webSecret, "not-a-token"))
	err = h.svc.Revoke(ctx, "web", "wrong", tokens.AccessToken)
	requireOAuthCode(t, err, service.ErrCodeInvalidClient)
}

func TestIntrospectExpiredToken(t *testing.T) {
	h := newHarness(t)
	verifier := "introspect-expiry-verifier-introspect-expiry-verifier"
	tokens, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	info, err := h.svc.Introspect(context.Background(), "web", webSecret, tokens.AccessToken)
	require.NoError(t, err)
	require.False(t, info.Active)
}

func TestClientCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Exchange(ctx, service.TokenRequest{
		GrantType:    string(domain.GrantClientCredentials),
		Scope:        "orders:read",
		ClientID:     "web",
		ClientSecret: webSecret,
		Issuer:       issuer,
	})
	require.NoError(t, err)
	require.Empty(t, resp.RefreshToken)
	require.Equal(t, "orders:read", resp.Scope)

	tok, err := h.svc.ValidateAccessToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "web", tok.Subject)

	_, err = h.svc.Exchange(ctx, service.TokenRequest{
		GrantType: string(domain.GrantClientCredentials),
		ClientID:  "spa",
	})
	requireOAuthCode(t, err, service.ErrCodeUnauthorizedClient)
}

func TestExchangeClientAuthentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Exchange(ctx, service.TokenRequest{
		GrantType: string(domain.GrantClientCredentials), ClientID: "web", ClientSecret: "nope",
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidClient)

	_, err = h.svc.Exchange(ctx, service.TokenRequest{GrantType: string(domain.GrantClientCredentials)})
	requireOAuthCode(t, err, service.ErrCodeInvalidClient)

	_, err = h.svc.Exchange(ctx, service.TokenRequest{GrantType: "password", ClientID: "web"})
	requireOAuthCode(t, err, service.ErrCodeUnsupportedGrantType)

	_, err = h.svc.Exchange(ctx, service.TokenRequest{})
	requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
}

func TestUserInfoReleasesClaimsByScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	verifier := "userinfo-verifier-userinfo-verifier-userinfo-verifier"
	tokens, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)
	tok, err := h.svc.ValidateAccessToken(ctx, tokens.AccessToken)
	require.NoError(t, err)

	info, err := h.svc.UserInfo(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", info.Subject)
	require.Equal(t, "ada@example.com", info.Email)
	require.NotNil(t, info.EmailVerified)
	require.True(t, *info.EmailVerified)
	require.Equal(t, "Ada", info.Name)

	narrow := *tok
	narrow.Scopes = []string{"openid"}
	info, err = h.svc.UserInfo(ctx, &narrow)
	require.NoError(t, err)
	require.Empty(t, info.Email)
	require.Nil(t, info.EmailVerified)
	require.Empty(t, info.Name)

	narrow.Subject = "user-404"
	_, err = h.svc.UserInfo(ctx, &narrow)
	requireOAuthCode(t, err, service.ErrCodeInvalidToken)
}

func TestSessionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	authTime := time.Unix(1_699_999_000, 0).UTC()

	resp, err := h.svc.IssueSession(ctx, service.SessionRequest{
		ClientID:     "login",
		ClientSecret: loginSecret,
		Subject:      "user-1",
		AuthTime:     authTime,
		Issuer:       issuer,
	})
	require.NoError(t, err)
	require.Equal(t, int64(8*3600), resp.ExpiresIn)

	sub, at, err := h.svc.AuthenticateSession(ctx, resp.SessionToken, issuer)
	require.NoError(t, err)
	require.Equal(t, "user-1", sub)
	require.True(t, authTime.Equal(at))

	_, _, err = h.svc.AuthenticateSession(ctx, resp.SessionToken, "https://other.example.com")
	require.True(t, domain.IsTokenInvalid(err), "a session belongs to the issuer that minted it")

	// the login front end ends the session by revoking it
	require.NoError(t, h.svc.Revoke(ctx, "login", loginSecret, resp.SessionToken))
	_, _, err = h.svc.AuthenticateSession(ctx, resp.SessionToken, issuer)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestIssueSessionRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.IssueSession(ctx, service.SessionRequest{
		ClientID: "web", ClientSecret: webSecret, Subject: "user-1", Issuer: issuer,
	})
	requireOAuthCode(t, err, service.ErrCodeUnauthorizedClient)

	_, err = h.svc.IssueSession(ctx, service.SessionRequest{
		ClientID: "login", ClientSecret: "wrong", Subject: "user-1", Issuer: issuer,
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidClient)

	_, err = h.svc.IssueSession(ctx, service.SessionRequest{
		ClientID: "login", ClientSecret: loginSecret, Subject: "user-404", Issuer: issuer,
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidRequest)

	_, err = h.svc.IssueSession(ctx, service.SessionRequest{
		ClientID: "login", ClientSecret: loginSecret, Issuer: issuer,
	})
	requireOAuthCode(t, err, service.ErrCodeInvalidRequest)
}

func TestAuthenticateSessionRejectsClientTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// an ID token delivered to a relying party must not work as a session
	verifier := "session-audience-verifier-session-audience-verifier"
	tokens, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)
	_, _, err = h.svc.AuthenticateSession(ctx, tokens.IDToken, issuer)
	require.True(t, domain.IsTokenInvalid(err))

	_, _, err = h.svc.AuthenticateSession(ctx, tokens.AccessToken, issuer)
	require.True(t, domain.IsTokenInvalid(err))

	// a session-use token whose audience is a client is refused as well
	forged, _, err := h.tokens.Issue(ctx, jwt.Claims{
		Use: domain.TokenUseSession, Issuer: issuer, Subject: "user-1", Audience: []string{"web"}, TTL: time.Hour,
	})
	require.NoError(t, err)
	_, _, err = h.svc.AuthenticateSession(ctx, forged, issuer)
	require.True(t, domain.IsTokenInvalid(err))
}

func TestConcurrentAuthorizeWithOneNonceHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := service.AuthorizeRequest{
		ResponseType: "id_token",
		ClientID:     "web",
		RedirectURI:  webRedirect,
		Scope:        "openid",
		Nonce:        "shared-nonce",
		Subject:      "user-1",
		Issuer:       issuer,
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  int
		replays int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Authorize(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				issued++
				return
			}
			if oauthErr, ok := service.AsOAuthError(err); ok && oauthErr.Code == service.ErrCodeInvalidRequest {
				replays++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, issued)
	require.Equal(t, 63, replays)
}

func TestConcurrentRefreshRedeemsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verifier := "concurrent-refresh-verifier-concurrent-refresh-verifier"
	first, err := h.exchangeCode(h.authorizeCode(t, verifier).Code, verifier)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rotated  []string
		rejected int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.svc.Exchange(ctx, service.TokenRequest{
				GrantType:    string(domain.GrantRefreshToken),
				RefreshToken: first.RefreshToken,
				ClientID:     "web",
				ClientSecret: webSecret,
				Issuer:       issuer,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				rotated = append(rotated, resp.RefreshToken)
				return
			}
			if errors.Is(err, domain.ErrTokenRevoked) {
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Len(t, rotated, 1)
	require.Equal(t, 31, rejected)
}

func TestTokenRequestMayOmitRedirectURIOmittedAtAuthorize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	verifier := "omitted-redirect-verifier-omitted-redirect-verifier"

	// web registered a single redirect URI, so authorize may leave it out
	authz, err := h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "web",
		Scope:               "openid",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: service.PKCES256,
		Subject:             "user-1",
		Issuer:              issuer,
	})
	require.NoError(t, err)

	exchange := service.TokenRequest{
		GrantType:    string(domain.GrantAuthorizationCode),
		Code:         authz.Code,
		CodeVerifier: verifier,
		ClientID:     "web",
		ClientSecret: webSecret,
		Issuer:       issuer,
	}
	_, err = h.svc.Exchange(ctx, exchange)
	require.NoError(t, err)

	// a redirect_uri that was sent must still match
	exchange.Code = h.authorizeCode(t, verifier).Code
	_, err = h.svc.Exchange(ctx, exchange)
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)

	authz, err = h.svc.Authorize(ctx, service.AuthorizeRequest{
		ResponseType: "code", ClientID: "web", Scope: "openid",
		CodeChallenge: s256(verifier), CodeChallengeMethod: service.PKCES256, Subject: "user-1",
	})
	require.NoError(t, err)
	exchange.Code = authz.Code
	exchange.RedirectURI = "https://web.example.com/other"
	_, err = h.svc.Exchange(ctx, exchange)
	requireOAuthCode(t, err, service.ErrCodeInvalidGrant)
}
