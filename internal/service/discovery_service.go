package service

import (
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/grant"
	"github.com/smallbiznis/keystash/internal/jwt"
)

// DiscoveryService builds responses for discovery endpoints.
type DiscoveryService struct {
	resolver  *grant.Resolver
	keys      *jwt.KeyRegistry
	algorithm string
	scopes    []string
}

// NewDiscoveryService wires dependencies. algorithm is the configured signing algorithm.
func NewDiscoveryService(resolver *grant.Resolver, keys *jwt.KeyRegistry, algorithm string, scopes []string) *DiscoveryService {
	return &DiscoveryService{resolver: resolver, keys: keys, algorithm: algorithm, scopes: scopes}
}

// OpenIDConfiguration matches OIDC discovery document.
type OpenIDConfiguration struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	ResponseModesSupported           []string `json:"response_modes_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
	RequestParameterSupported        bool     `json:"request_parameter_supported"`
	ClaimsParameterSupported         bool     `json:"claims_parameter_supported"`
	RequireRequestURIRegistration    bool     `json:"require_request_uri_registration"`
	IntrospectionEndpointAuthMethods []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods    []string `json:"revocation_endpoint_auth_methods_supported"`
}

// OpenIDConfigurationResponse builds the OIDC document for issuer.
func (s *DiscoveryService) OpenIDConfigurationResponse(issuer string) OpenIDConfiguration {
	base := strings.TrimRight(issuer, "/")
	return OpenIDConfiguration{
		Issuer:                 issuer,
		AuthorizationEndpoint:  base + "/oauth/authorize",
		TokenEndpoint:          base + "/oauth/token",
		UserinfoEndpoint:       base + "/oauth/userinfo",
		IntrospectionEndpoint:  base + "/oauth/introspect",
		RevocationEndpoint:     base + "/oauth/revoke",
		JWKSURI:                base + "/.well-known/jwks.json",
		ResponseTypesSupported: s.resolver.Supported(),
		ResponseModesSupported: []string{"query", "fragment"},
		GrantTypesSupported: []string{
			string(domain.GrantAuthorizationCode),
			string(domain.GrantImplicit),
			string(domain.GrantRefreshToken),
			string(domain.GrantClientCredentials),
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: s.signingAlgorithms(),
		ScopesSupported:                  s.scopes,
		TokenEndpointAuthMethods:         []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:    []string{PKCES256, PKCEPlain},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"at_hash", "c_hash", "email", "email_verified", "name", "picture", "updated_at",
		},
		IntrospectionEndpointAuthMethods: []string{"client_secret_basic", "client_secret_post", "none"},
		RevocationEndpointAuthMethods:    []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

// signingAlgorithms lists the configured algorithm plus every algorithm a
// verifiable key still uses, configured first.
func (s *DiscoveryService) signingAlgorithms() []string {
	algs := []string{s.algorithm}
	seen := map[string]struct{}{s.algorithm: {}}
	for _, k := range s.keys.Keys() {
		if !k.Verifies() {
			continue
		}
		if _, ok := seen[k.Algorithm]; !ok {
			seen[k.Algorithm] = struct{}{}
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}

// JWKS returns the public key set.
func (s *DiscoveryService) JWKS() jose.JSONWebKeySet {
	return s.keys.JWKS()
}
