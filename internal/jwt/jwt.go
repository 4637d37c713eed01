package jwt

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/keystash/internal/domain"
)

var allowedAlgorithms = []gojose.SignatureAlgorithm{gojose.HS256, gojose.RS256, gojose.ES256}

// ErrReservedClaim rejects extra claims that collide with issuer-controlled names.
var ErrReservedClaim = errors.New("token: reserved claim")

// Generator is responsible for signing and validating JWTs.
type Generator struct {
	keys *KeyRegistry
	now  func() time.Time
}

// NewGenerator constructs a JWT generator backed by the key registry.
func NewGenerator(keys *KeyRegistry, opts ...Option) *Generator {
	o := buildOptions(opts)
	return &Generator{keys: keys, now: o.now}
}

// Claims describes a token to issue. Timestamps and the JWT ID are set by Issue.
type Claims struct {
	Use      domain.TokenUse
	Issuer   string
	Subject  string
	Audience []string
	ClientID string
	Scopes   []string
	TTL      time.Duration

	// OIDC only.
	Nonce    string
	AuthTime *time.Time
	// AccessToken and Code feed at_hash and c_hash on ID tokens.
	AccessToken string
	Code        string

	// AccessTokenID links a refresh token to its access token.
	AccessTokenID string

	// Extra carries additional non-reserved claims.
	Extra map[string]any
}

// tokenClaims is the private claim set carried next to the registered claims.
type tokenClaims struct {
	Scope         string          `json:"scope,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
	Use           domain.TokenUse `json:"token_use"`
	Nonce         string          `json:"nonce,omitempty"`
	AuthTime      *int64          `json:"auth_time,omitempty"`
	AtHash        string          `json:"at_hash,omitempty"`
	CHash         string          `json:"c_hash,omitempty"`
	AccessTokenID string          `json:"ati,omitempty"`
}

// Issue signs a token with the current ACTIVE key.
func (g *Generator) Issue(ctx context.Context, c Claims) (string, *domain.Token, error) {
	if c.TTL < time.Second {
		return "", nil, fmt.Errorf("issue token: ttl %s is shorter than one second", c.TTL)
	}
	for name := range c.Extra {
		if domain.IsReservedClaim(name) {
			return "", nil, fmt.Errorf("issue token: %q: %w", name, ErrReservedClaim)
		}
	}

	entry, err := g.keys.current()
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w: %w", domain.ErrSigningUnavailable, err)
	}

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(entry.key.Algorithm), Key: entry.private},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", entry.key.KID),
	)
	if err != nil {
		return "", nil, fmt.Errorf("new signer: %w: %w", domain.ErrSigningUnavailable, err)
	}

	now := g.now().UTC().Truncate(time.Second)
	exp := now.Add(c.TTL).Truncate(time.Second)

	tok := &domain.Token{
		ID:            uuid.NewString(),
		KeyID:         entry.key.KID,
		Use:           c.Use,
		Issuer:        c.Issuer,
		Subject:       c.Subject,
		Audience:      append([]string(nil), c.Audience...),
		ClientID:      c.ClientID,
		Scopes:        domain.NormalizeScopes(c.Scopes),
		IssuedAt:      now,
		NotBefore:     now,
		ExpiresAt:     exp,
		Nonce:         c.Nonce,
		AccessTokenID: c.AccessTokenID,
	}
	if c.AuthTime != nil {
		at := c.AuthTime.UTC().Truncate(time.Second)
		tok.AuthTime = &at
	}
	if c.Use == domain.TokenUseID {
		tok.AtHash = HalfHash(c.AccessToken)
		tok.CHash = HalfHash(c.Code)
	}

	std := gojwt.Claims{
		ID:        tok.ID,
		Issuer:    tok.Issuer,
		Subject:   tok.Subject,
		Audience:  gojwt.Audience(tok.Audience),
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(exp),
	}
	custom := tokenClaims{
		Scope:         domain.FormatScopes(tok.Scopes),
		ClientID:      tok.ClientID,
		Use:           tok.Use,
		Nonce:         tok.Nonce,
		AtHash:        tok.AtHash,
		CHash:         tok.CHash,
		AccessTokenID: tok.AccessTokenID,
	}
	if tok.AuthTime != nil {
		unix := tok.AuthTime.Unix()
		custom.AuthTime = &unix
	}

	builder := gojwt.Signed(signer).Claims(std).Claims(custom)
	if len(c.Extra) > 0 {
		builder = builder.Claims(c.Extra)
	}
	raw, err := builder.Serialize()
	if err != nil {
		return "", nil, fmt.Errorf("serialize jwt: %w: %w", domain.ErrSigningUnavailable, err)
	}
	return raw, tok, nil
}

// Validate parses and verifies token against the registry, then checks
// nbf <= now < exp in whole seconds. The issuer is not checked here.
func (g *Generator) Validate(ctx context.Context, token string) (*domain.Token, error) {
	parsed, err := gojwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w: %w", domain.ErrTokenMalformed, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("parse token: %w", domain.ErrTokenMalformed)
	}
	header := parsed.Headers[0]

	entry, err := g.keys.verifier(ctx, header.KeyID)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if header.Algorithm != entry.key.Algorithm {
		return nil, fmt.Errorf("verify token: alg %s for %s key: %w", header.Algorithm, entry.key.Algorithm, domain.ErrTokenSignatureInvalid)
	}

	var (
		std    gojwt.Claims
		custom tokenClaims
	)
	if err := parsed.Claims(publicMaterial(entry.private), &std, &custom); err != nil {
		if errors.Is(err, gojose.ErrCryptoFailure) {
			return nil, fmt.Errorf("verify token: %w", domain.ErrTokenSignatureInvalid)
		}
		return nil, fmt.Errorf("decode claims: %w: %w", domain.ErrTokenMalformed, err)
	}
	if std.Expiry == nil {
		return nil, fmt.Errorf("decode claims: missing exp: %w", domain.ErrTokenMalformed)
	}

	now := g.now().Unix()
	if std.NotBefore != nil && now < int64(*std.NotBefore) {
		return nil, fmt.Errorf("validate claims: %w", domain.ErrTokenNotYetValid)
	}
	if now >= int64(*std.Expiry) {
		return nil, fmt.Errorf("validate claims: %w", domain.ErrTokenExpired)
	}

	tok := &domain.Token{
		ID:            std.ID,
		KeyID:         entry.key.KID,
		Use:           custom.Use,
		Issuer:        std.Issuer,
		Subject:       std.Subject,
		Audience:      []string(std.Audience),
		ClientID:      custom.ClientID,
		Scopes:        domain.ParseScopes(custom.Scope),
		ExpiresAt:     std.Expiry.Time().UTC(),
		Nonce:         custom.Nonce,
		AtHash:        custom.AtHash,
		CHash:         custom.CHash,
		AccessTokenID: custom.AccessTokenID,
	}
	if std.IssuedAt != nil {
		tok.IssuedAt = std.IssuedAt.Time().UTC()
	}
	if std.NotBefore != nil {
		tok.NotBefore = std.NotBefore.Time().UTC()
	}
	if custom.AuthTime != nil {
		at := time.Unix(*custom.AuthTime, 0).UTC()
		tok.AuthTime = &at
	}
	return tok, nil
}

// HalfHash computes the OIDC at_hash/c_hash form of value: the base64url
// encoded left half of its SHA-256 digest. Empty input yields "".
func HalfHash(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
