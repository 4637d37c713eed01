package domain

import "time"

// TokenUse distinguishes the purpose of a signed token.
type TokenUse string

const (
	TokenUseAccess  TokenUse = "access"
	TokenUseRefresh TokenUse = "refresh"
	TokenUseID      TokenUse = "id"
	// TokenUseSession identifies the end-user session held in the session
	// cookie. Its audience is the issuer itself, never a client.
	TokenUseSession TokenUse = "session"
)

// Token is the decoded, trusted view of a signed token.
type Token struct {
	ID        string
	KeyID     string
	Use       TokenUse
	Issuer    string
	Subject   string
	Audience  []string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time

	// OIDC only.
	Nonce    string
	AuthTime *time.Time
	AtHash   string
	CHash    string

	// AccessTokenID links a refresh token to the access token it was minted with.
	AccessTokenID string
}

// HasScope reports whether the token grants scope.
func (t Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthorizationCode models short-lived authorization codes held in the token cache.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	Subject             string    `json:"subject"`
	RedirectURI         string    `json:"redirect_uri"`
	// RedirectURIProvided records that the authorization request named the
	// redirect URI, which the token request must then repeat.
	RedirectURIProvided bool      `json:"redirect_uri_provided"`
	Scopes              []string  `json:"scopes"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	OpenID              bool      `json:"openid"`
	AuthTime            time.Time `json:"auth_time"`
	ExpiresAt           time.Time `json:"expires_at"`
}
