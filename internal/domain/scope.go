package domain

import (
	"sort"
	"strings"
)

// ScopeOpenID marks a request as an OpenID Connect authentication request.
const ScopeOpenID = "openid"

// ParseScopes splits a space-delimited scope parameter into a sorted, de-duplicated set.
func ParseScopes(raw string) []string {
	return NormalizeScopes(strings.Fields(raw))
}

// NormalizeScopes sorts and de-duplicates scopes, dropping empty values.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FormatScopes joins scopes into the space-delimited wire form.
func FormatScopes(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), " ")
}

// IntersectScopes returns the members of requested that are also in allowed.
func IntersectScopes(requested, allowed []string) []string {
	allow := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allow[s] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if _, ok := allow[s]; ok {
			out = append(out, s)
		}
	}
	return NormalizeScopes(out)
}
