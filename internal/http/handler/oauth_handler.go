package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/http/middleware"
	"github.com/smallbiznis/keystash/internal/service"
)

// OAuthHandler exposes the authorization server endpoints.
type OAuthHandler struct {
	Auth      *service.AuthorizationService
	Discovery *service.DiscoveryService
	cfg       config.Config
	logger    *zap.Logger
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(auth *service.AuthorizationService, discovery *service.DiscoveryService, cfg config.Config, logger *zap.Logger) *OAuthHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &OAuthHandler{Auth: auth, Discovery: discovery, cfg: cfg, logger: logger.Named("http")}
}

// OpenIDConfig returns the OpenID discovery document.
func (h *OAuthHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse(h.issuer(c.Request)))
}

// JWKS exposes the public verification keys.
func (h *OAuthHandler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.Discovery.JWKS())
}

type authorizeRequest struct {
	ResponseType        string `form:"response_type"`
	ClientID            string `form:"client_id"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	State               string `form:"state"`
	Nonce               string `form:"nonce"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
	Prompt              string `form:"prompt"`
}

// Authorize handles the authorization endpoint. Without a valid session the
// user agent is sent to the login page with the original request preserved.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Invalid authorize request.")
		return
	}

	subject, authTime, ok := h.session(c)
	if !ok {
		if req.Prompt == "none" {
			// the redirect_uri is unverified here, so the error is not redirected
			h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeLoginRequired, "End-user authentication is required.")
			return
		}
		h.redirectLogin(c)
		return
	}

	resp, err := h.Auth.Authorize(c.Request.Context(), service.AuthorizeRequest{
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Subject:             subject,
		AuthTime:            authTime,
		Issuer:              h.issuer(c.Request),
	})
	if err != nil {
		if oauthErr, ok := service.AsOAuthError(err); ok && oauthErr.RedirectURI != "" {
			_ = c.Error(err)
			c.Redirect(http.StatusFound, oauthErr.ErrorLocation())
			return
		}
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, resp.Location())
}

func (h *OAuthHandler) session(c *gin.Context) (string, time.Time, bool) {
	raw, err := c.Cookie(h.cfg.HTTP.SessionCookie)
	if err != nil || raw == "" {
		return "", time.Time{}, false
	}
	subject, authTime, err := h.Auth.AuthenticateSession(c.Request.Context(), raw, h.issuer(c.Request))
	if err != nil {
		h.logger.Debug("session rejected", zap.String("request_id", middleware.RequestID(c)), zap.Error(err))
		return "", time.Time{}, false
	}
	return subject, authTime, true
}

func (h *OAuthHandler) redirectLogin(c *gin.Context) {
	login, err := url.Parse(h.cfg.HTTP.LoginURL)
	if err != nil {
		h.respondJSONError(c, http.StatusInternalServerError, service.ErrCodeServerError, "Login URL is misconfigured.")
		return
	}
	q := login.Query()
	q.Set("return_to", c.Request.URL.RequestURI())
	login.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, login.String())
}

type sessionRequest struct {
	Subject      string `form:"subject"`
	AuthTime     int64  `form:"auth_time"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
}

// Session mints a session token for an end user the calling login front end
// has authenticated. The front end stores it in the session cookie.
func (h *OAuthHandler) Session(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Invalid session request.")
		return
	}
	clientID, clientSecret, ok := clientCredentials(c, req.ClientID, req.ClientSecret)
	if !ok {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Client credentials were sent in more than one way.")
		return
	}
	var authTime time.Time
	if req.AuthTime > 0 {
		authTime = time.Unix(req.AuthTime, 0)
	}

	resp, err := h.Auth.IssueSession(c.Request.Context(), service.SessionRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Subject:      req.Subject,
		AuthTime:     authTime,
		Issuer:       h.issuer(c.Request),
	})
	noStore(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type tokenRequest struct {
	GrantType    string `form:"grant_type"`
	Code         string `form:"code"`
	RedirectURI  string `form:"redirect_uri"`
	CodeVerifier string `form:"code_verifier"`
	RefreshToken string `form:"refresh_token"`
	Scope        string `form:"scope"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
}

// Token handles OAuth token grant exchanges.
func (h *OAuthHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Invalid token request.")
		return
	}
	clientID, clientSecret, ok := clientCredentials(c, req.ClientID, req.ClientSecret)
	if !ok {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Client credentials were sent in more than one way.")
		return
	}

	resp, err := h.Auth.Exchange(c.Request.Context(), service.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		Scope:        req.Scope,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Issuer:       h.issuer(c.Request),
	})
	noStore(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type tokenOnlyRequest struct {
	Token         string `form:"token"`
	TokenTypeHint string `form:"token_type_hint"`
	ClientID      string `form:"client_id"`
	ClientSecret  string `form:"client_secret"`
}

// Introspect implements RFC 7662 for authenticated clients.
func (h *OAuthHandler) Introspect(c *gin.Context) {
	req, clientID, clientSecret, ok := h.bindTokenOnly(c)
	if !ok {
		return
	}
	resp, err := h.Auth.Introspect(c.Request.Context(), clientID, clientSecret, req.Token)
	noStore(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Revoke implements RFC 7009. Success is reported with an empty 200 response.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	req, clientID, clientSecret, ok := h.bindTokenOnly(c)
	if !ok {
		return
	}
	if err := h.Auth.Revoke(c.Request.Context(), clientID, clientSecret, req.Token); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *OAuthHandler) bindTokenOnly(c *gin.Context) (tokenOnlyRequest, string, string, bool) {
	var req tokenOnlyRequest
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "token is required.")
		return req, "", "", false
	}
	clientID, clientSecret, ok := clientCredentials(c, req.ClientID, req.ClientSecret)
	if !ok {
		h.respondJSONError(c, http.StatusBadRequest, service.ErrCodeInvalidRequest, "Client credentials were sent in more than one way.")
		return req, "", "", false
	}
	return req, clientID, clientSecret, true
}

// UserInfo returns claims about the authenticated end user.
func (h *OAuthHandler) UserInfo(c *gin.Context) {
	tok, ok := middleware.GetToken(c)
	if !ok {
		h.respondJSONError(c, http.StatusUnauthorized, service.ErrCodeInvalidToken, "Authorization header missing or invalid.")
		return
	}
	info, err := h.Auth.UserInfo(c.Request.Context(), tok)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// clientCredentials prefers HTTP Basic (client_secret_basic) and falls back
// to form parameters. Using both at once is rejected (RFC 6749 section 2.3).
func clientCredentials(c *gin.Context, formID, formSecret string) (string, string, bool) {
	id, secret, ok := c.Request.BasicAuth()
	if !ok {
		return formID, formSecret, true
	}
	if formSecret != "" {
		return "", "", false
	}
	if unescaped, err := url.QueryUnescape(id); err == nil {
		id = unescaped
	}
	if unescaped, err := url.QueryUnescape(secret); err == nil {
		secret = unescaped
	}
	return id, secret, true
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}

// issuer returns the configured issuer, or derives one from the request.
func (h *OAuthHandler) issuer(r *http.Request) string {
	if h.cfg.Issuer != "" {
		return strings.TrimRight(h.cfg.Issuer, "/")
	}
	return schemeOnly(r) + "://" + r.Host
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
