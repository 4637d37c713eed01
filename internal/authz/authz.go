// Package authz decides whether validated scopes satisfy an operation.
package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/keystash/internal/domain"
)

// Effect is the outcome of an authorization decision. There is no partial grant.
type Effect string

const (
	Allow Effect = "ALLOW"
	Deny  Effect = "DENY"
)

// Decision records the scopes that were compared and the outcome.
type Decision struct {
	Effect   Effect
	Required []string
	Granted  []string
	// Missing lists required scopes absent from Granted.
	Missing []string
}

// Allowed reports whether the decision is ALLOW.
func (d Decision) Allowed() bool { return d.Effect == Allow }

// Authorize allows iff every required scope is granted. An empty requirement always allows.
func Authorize(granted, required []string) Decision {
	d := Decision{
		Effect:   Allow,
		Required: domain.NormalizeScopes(required),
		Granted:  domain.NormalizeScopes(granted),
	}
	// both sides are compared in normalized form
	have := make(map[string]struct{}, len(d.Granted))
	for _, s := range d.Granted {
		have[s] = struct{}{}
	}
	for _, s := range d.Required {
		if _, ok := have[s]; !ok {
			d.Missing = append(d.Missing, s)
		}
	}
	if len(d.Missing) > 0 {
		d.Effect = Deny
	}
	return d
}

// Operation declares the scopes a protected operation requires.
type Operation struct {
	Name           string
	RequiredScopes []string
}

// TokenValidator turns a bearer token into trusted claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*domain.Token, error)
}

// ValidatorFunc adapts a function to TokenValidator.
type ValidatorFunc func(ctx context.Context, token string) (*domain.Token, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (*domain.Token, error) {
	return f(ctx, token)
}

// Enforcer validates bearer tokens before deciding, so unvalidated scopes
// never reach Authorize.
type Enforcer struct {
	validator TokenValidator
}

func NewEnforcer(validator TokenValidator) *Enforcer {
	return &Enforcer{validator: validator}
}

// Enforce validates bearer and authorizes it for op. Validation failures are
// returned unchanged; a DENY decision is returned with domain.ErrInsufficientScope.
func (e *Enforcer) Enforce(ctx context.Context, bearer string, op Operation) (*domain.Token, Decision, error) {
	tok, err := e.validator.Validate(ctx, bearer)
	if err != nil {
		return nil, Decision{Effect: Deny, Required: domain.NormalizeScopes(op.RequiredScopes)}, err
	}
	d := Authorize(tok.Scopes, op.RequiredScopes)
	if !d.Allowed() {
		return tok, d, fmt.Errorf("%s requires %s: %w", op.Name, strings.Join(d.Missing, " "), domain.ErrInsufficientScope)
	}
	return tok, d, nil
}
