package grant_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/grant"
)

func TestResolve(t *testing.T) {
	resolver := grant.NewResolver()

	tests := []struct {
		name     string
		input    string
		ok       bool
		family   domain.FlowFamily
		protocol domain.Protocol
		types    string
	}{
		{name: "code", input: "code", ok: true, family: domain.FlowAuthorizationCode, protocol: domain.ProtocolOAuth2, types: "code"},
		{name: "token", input: "token", ok: true, family: domain.FlowImplicit, protocol: domain.ProtocolOAuth2, types: "token"},
		{name: "id_token", input: "id_token", ok: true, family: domain.FlowImplicit, protocol: domain.ProtocolOIDC, types: "id_token"},
		{name: "id_token token", input: "token id_token", ok: true, family: domain.FlowImplicit, protocol: domain.ProtocolOIDC, types: "id_token token"},
		{name: "code id_token", input: "code id_token", ok: true, family: domain.FlowHybrid, protocol: domain.ProtocolOIDC, types: "code id_token"},
		{name: "code token", input: "token code", ok: true, family: domain.FlowHybrid, protocol: domain.ProtocolOIDC, types: "code token"},
		{name: "all three", input: "id_token token code", ok: true, family: domain.FlowHybrid, protocol: domain.ProtocolOIDC, types: "code id_token token"},
		{name: "extra whitespace", input: "  code   id_token ", ok: true, family: domain.FlowHybrid, protocol: domain.ProtocolOIDC, types: "code id_token"},
		{name: "unknown", input: "banana"},
		{name: "empty", input: ""},
		{name: "none", input: "none"},
		{name: "case sensitive", input: "Code"},
		{name: "duplicate", input: "code code"},
		{name: "unknown member", input: "code banana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, ok := resolver.Resolve(tt.input)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				require.Empty(t, flow.ResponseTypes)
				return
			}
			require.Equal(t, tt.family, flow.Family)
			require.Equal(t, tt.protocol, flow.Protocol)
			require.Equal(t, tt.types, flow.String())
		})
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	resolver := grant.NewResolver()
	first, ok := resolver.Resolve("code")
	require.True(t, ok)
	second, ok := resolver.Resolve("code")
	require.True(t, ok)
	require.Equal(t, first, second)
	require.True(t, first.IssuesCode())
	require.False(t, first.IssuesIDToken())
}

func TestResolverHonorsMatcherPriority(t *testing.T) {
	oidcOnly := grant.NewResolver(grant.OIDC)
	_, ok := oidcOnly.Resolve("code")
	require.False(t, ok)

	flow, ok := oidcOnly.Resolve("code id_token")
	require.True(t, ok)
	require.True(t, flow.OpenID())
}

func TestSupported(t *testing.T) {
	require.Equal(t, []string{
		"code", "token",
		"id_token", "code token", "code id_token", "id_token token", "code id_token token",
	}, grant.NewResolver().Supported())
}
