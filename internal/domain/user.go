package domain

import "time"

// ResourceOwner represents an end user whose identity tokens are issued for.
type ResourceOwner struct {
	ID            int64
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Client represents an OAuth2/OIDC client registration.
type Client struct {
	ID           int64
	ClientID     string
	SecretHash   string
	Name         string
	RedirectURIs []string
	Grants       []GrantType
	Scopes       []string
	CreatedAt    time.Time
}

// Confidential reports whether the client authenticates with a secret.
func (c Client) Confidential() bool {
	return c.SecretHash != ""
}

// AllowsGrant reports whether the client is registered for grant.
func (c Client) AllowsGrant(grant GrantType) bool {
	for _, g := range c.Grants {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsRedirect reports whether redirectURI exactly matches a registered URI.
func (c Client) AllowsRedirect(redirectURI string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}
