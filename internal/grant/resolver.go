// Package grant resolves response_type values into grant flow descriptors.
package grant

import (
	"sort"
	"strings"

	"github.com/smallbiznis/keystash/internal/domain"
)

// Matcher recognizes one protocol's response_type grammar.
type Matcher interface {
	Match(types []domain.ResponseType) (domain.GrantFlow, bool)
}

// grammar is a Matcher driven by a table of accepted response type sets.
type grammar struct {
	protocol domain.Protocol
	flows    map[string]domain.FlowFamily
}

func (g grammar) Match(types []domain.ResponseType) (domain.GrantFlow, bool) {
	family, ok := g.flows[key(types)]
	if !ok {
		return domain.GrantFlow{}, false
	}
	return domain.GrantFlow{
		Family:        family,
		Protocol:      g.protocol,
		ResponseTypes: append([]domain.ResponseType(nil), types...),
	}, true
}

// OAuth2 matches the RFC 6749 response types.
var OAuth2 Matcher = grammar{
	protocol: domain.ProtocolOAuth2,
	flows: map[string]domain.FlowFamily{
		"code":  domain.FlowAuthorizationCode,
		"token": domain.FlowImplicit,
	},
}

// OIDC matches the OpenID Connect response types that OAuth2 does not define.
var OIDC Matcher = grammar{
	protocol: domain.ProtocolOIDC,
	flows: map[string]domain.FlowFamily{
		"id_token":            domain.FlowImplicit,
		"id_token token":      domain.FlowImplicit,
		"code id_token":       domain.FlowHybrid,
		"code token":          domain.FlowHybrid,
		"code id_token token": domain.FlowHybrid,
	},
}

// rank fixes the canonical order of values within a response_type.
var rank = map[domain.ResponseType]int{
	domain.ResponseTypeCode:    0,
	domain.ResponseTypeIDToken: 1,
	domain.ResponseTypeToken:   2,
}

func key(types []domain.ResponseType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, " ")
}

// Resolver tries matchers in priority order; the first match wins.
type Resolver struct {
	matchers []Matcher
}

// NewResolver builds a resolver over matchers. Without arguments it uses
// OAuth2 followed by OIDC.
func NewResolver(matchers ...Matcher) *Resolver {
	if len(matchers) == 0 {
		matchers = []Matcher{OAuth2, OIDC}
	}
	return &Resolver{matchers: matchers}
}

// Resolve maps a response_type string to a grant flow. Values are
// space-delimited and case-sensitive, order does not matter, and a duplicate
// or unknown value rejects the whole string. ok is false when no matcher applies.
func (r *Resolver) Resolve(responseType string) (domain.GrantFlow, bool) {
	types, ok := parse(responseType)
	if !ok {
		return domain.GrantFlow{}, false
	}
	for _, m := range r.matchers {
		if flow, ok := m.Match(types); ok {
			return flow, true
		}
	}
	return domain.GrantFlow{}, false
}

// Supported lists the canonical response_type strings every matcher accepts,
// in matcher priority order.
func (r *Resolver) Supported() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range r.matchers {
		g, ok := m.(grammar)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(g.flows))
		for k := range g.flows {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

func parse(raw string) ([]domain.ResponseType, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, false
	}
	types := make([]domain.ResponseType, 0, len(fields))
	seen := make(map[domain.ResponseType]struct{}, len(fields))
	for _, f := range fields {
		t := domain.ResponseType(f)
		if _, known := rank[t]; !known {
			return nil, false
		}
		if _, dup := seen[t]; dup {
			return nil, false
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return rank[types[i]] < rank[types[j]] })
	return types, true
}
