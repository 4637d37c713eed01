package service

import (
	"net/url"
	"strconv"
	"time"
)

// AuthorizeRequest carries the authorization endpoint parameters together
// with the already authenticated resource owner.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	Subject  string
	AuthTime time.Time
	Issuer   string
}

// AuthorizeResponse is delivered to the client's redirect URI.
type AuthorizeResponse struct {
	RedirectURI string
	State       string
	// Fragment selects fragment encoding, used whenever tokens travel in the front channel.
	Fragment bool

	Code        string
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	IDToken     string
	Scope       string
}

// Location renders the redirect target.
func (r *AuthorizeResponse) Location() string {
	params := url.Values{}
	if r.Code != "" {
		params.Set("code", r.Code)
	}
	if r.AccessToken != "" {
		params.Set("access_token", r.AccessToken)
		params.Set("token_type", r.TokenType)
		params.Set("expires_in", strconv.FormatInt(r.ExpiresIn, 10))
		params.Set("scope", r.Scope)
	}
	if r.IDToken != "" {
		params.Set("id_token", r.IDToken)
	}
	if r.State != "" {
		params.Set("state", r.State)
	}
	return redirectWith(r.RedirectURI, params, r.Fragment)
}

// ErrorLocation renders the redirect target that reports e to the client.
func (e *OAuthError) ErrorLocation() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return redirectWith(e.RedirectURI, params, e.Fragment)
}

func redirectWith(target string, params url.Values, fragment bool) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SessionRequest asks for a session token for an end user the calling login
// front end has already authenticated.
type SessionRequest struct {
	ClientID     string
	ClientSecret string
	Subject      string
	AuthTime     time.Time
	Issuer       string
}

// SessionResponse carries the value to set as the session cookie.
type SessionResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenRequest carries the token endpoint parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
	Issuer       string
}

// TokenResponse is the RFC 6749 section 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the RFC 7662 view of a token.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	JWTID     string   `json:"jti,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	TokenUse  string   `json:"token_use,omitempty"`
}

// UserInfoResponse holds the OIDC standard claims released for the token's scopes.
type UserInfoResponse struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}
