package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/keystash/internal/authz"
	"github.com/smallbiznis/keystash/internal/domain"
)

const tokenKey = "accessToken"

// Auth validates bearer tokens and enforces per-operation scopes.
type Auth struct {
	Enforcer *authz.Enforcer
	// Realm is reported in WWW-Authenticate challenges.
	Realm string
}

// NewAuth builds the bearer middleware on top of validator.
func NewAuth(validator authz.TokenValidator, realm string) *Auth {
	return &Auth{Enforcer: authz.NewEnforcer(validator), Realm: realm}
}

// RequireScopes ensures the request carries a valid bearer access token that
// grants every scope op requires (RFC 6750 section 3).
func (m *Auth) RequireScopes(op authz.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			m.challenge(c, http.StatusUnauthorized, "", "")
			return
		}
		tok, decision, err := m.Enforcer.Enforce(c.Request.Context(), bearer, op)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInsufficientScope):
			_ = c.Error(err)
			m.challenge(c, http.StatusForbidden, "insufficient_scope",
				fmt.Sprintf("The request requires the %s scope.", strings.Join(decision.Missing, " ")),
				decision.Required...)
			return
		case domain.IsTokenInvalid(err):
			_ = c.Error(err)
			m.challenge(c, http.StatusUnauthorized, "invalid_token", "The access token is invalid.")
			return
		default:
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":             "server_error",
				"error_description": "The server encountered an unexpected condition.",
			})
			return
		}
		c.Set(tokenKey, tok)
		c.Next()
	}
}

func (m *Auth) challenge(c *gin.Context, status int, code, desc string, scopes ...string) {
	params := []string{fmt.Sprintf("realm=%q", m.Realm)}
	if code != "" {
		params = append(params, fmt.Sprintf("error=%q", code), fmt.Sprintf("error_description=%q", desc))
	}
	if len(scopes) > 0 {
		params = append(params, fmt.Sprintf("scope=%q", strings.Join(scopes, " ")))
	}
	c.Header("WWW-Authenticate", "Bearer "+strings.Join(params, ", "))
	if code == "" {
		c.AbortWithStatus(status)
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "error_description": desc})
}

// GetToken returns the validated access token attached by RequireScopes.
func GetToken(c *gin.Context) (*domain.Token, bool) {
	value, ok := c.Get(tokenKey)
	if !ok {
		return nil, false
	}
	tok, ok := value.(*domain.Token)
	return tok, ok
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
