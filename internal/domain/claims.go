package domain

// ReservedClaim names a registered JWT or OIDC claim the issuer controls.
type ReservedClaim string

const (
	ClaimExpiry    ReservedClaim = "exp"
	ClaimNotBefore ReservedClaim = "nbf"
	ClaimIssuedAt  ReservedClaim = "iat"
	ClaimIssuer    ReservedClaim = "iss"
	ClaimAudience  ReservedClaim = "aud"
	ClaimPrincipal ReservedClaim = "prn"
	ClaimJWTID     ReservedClaim = "jti"
	ClaimType      ReservedClaim = "typ"
	ClaimSubject   ReservedClaim = "sub"
	ClaimAuthTime  ReservedClaim = "auth_time"
	ClaimNonce     ReservedClaim = "nonce"
)

var reservedClaims = map[string]ReservedClaim{
	string(ClaimExpiry):    ClaimExpiry,
	string(ClaimNotBefore): ClaimNotBefore,
	string(ClaimIssuedAt):  ClaimIssuedAt,
	string(ClaimIssuer):    ClaimIssuer,
	string(ClaimAudience):  ClaimAudience,
	string(ClaimPrincipal): ClaimPrincipal,
	string(ClaimJWTID):     ClaimJWTID,
	string(ClaimType):      ClaimType,
	string(ClaimSubject):   ClaimSubject,
	string(ClaimAuthTime):  ClaimAuthTime,
	string(ClaimNonce):     ClaimNonce,
}

// ParseReservedClaim returns the reserved claim for name. Matching is exact.
func ParseReservedClaim(name string) (ReservedClaim, bool) {
	claim, ok := reservedClaims[name]
	return claim, ok
}

// IsReservedClaim reports whether callers are forbidden from setting name directly.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}
