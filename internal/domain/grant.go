package domain

import "strings"

// ResponseType is a single value of the response_type parameter.
type ResponseType string

const (
	ResponseTypeCode    ResponseType = "code"
	ResponseTypeToken   ResponseType = "token"
	ResponseTypeIDToken ResponseType = "id_token"
)

// FlowFamily is the OAuth2/OIDC authorization mechanism selected by a response type.
type FlowFamily string

const (
	FlowAuthorizationCode FlowFamily = "authorization_code"
	FlowImplicit          FlowFamily = "implicit"
	FlowHybrid            FlowFamily = "hybrid"
)

// Protocol records which grammar family produced a grant flow.
type Protocol string

const (
	ProtocolOAuth2 Protocol = "oauth2"
	ProtocolOIDC   Protocol = "oidc"
)

// GrantFlow is the resolved descriptor for one authorization request.
// Values are immutable; ResponseTypes is kept in canonical order.
type GrantFlow struct {
	Family        FlowFamily
	Protocol      Protocol
	ResponseTypes []ResponseType
}

func (g GrantFlow) has(rt ResponseType) bool {
	for _, t := range g.ResponseTypes {
		if t == rt {
			return true
		}
	}
	return false
}

// IssuesCode reports whether the flow returns an authorization code from the authorization endpoint.
func (g GrantFlow) IssuesCode() bool { return g.has(ResponseTypeCode) }

// IssuesAccessToken reports whether the flow returns an access token from the authorization endpoint.
func (g GrantFlow) IssuesAccessToken() bool { return g.has(ResponseTypeToken) }

// IssuesIDToken reports whether the flow returns an ID token from the authorization endpoint.
func (g GrantFlow) IssuesIDToken() bool { return g.has(ResponseTypeIDToken) }

// OpenID reports whether the flow was produced by an OIDC grammar.
func (g GrantFlow) OpenID() bool { return g.Protocol == ProtocolOIDC }

// String renders the canonical response_type value.
func (g GrantFlow) String() string {
	parts := make([]string, len(g.ResponseTypes))
	for i, t := range g.ResponseTypes {
		parts[i] = string(t)
	}
	return strings.Join(parts, " ")
}

// GrantType is a token endpoint grant_type value.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantImplicit          GrantType = "implicit"
	GrantRefreshToken      GrantType = "refresh_token"
	// GrantSession allows a trusted login front end to mint end-user sessions.
	GrantSession           GrantType = "session"
)
