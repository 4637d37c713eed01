package domain

import "time"

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// KeyStatusActive marks the single key used to sign new tokens.
	KeyStatusActive KeyStatus = "ACTIVE"
	// KeyStatusPassive marks a retired key that still verifies outstanding tokens.
	KeyStatusPassive KeyStatus = "PASSIVE"
	// KeyStatusDisabled marks a key rejected for both signing and verification.
	KeyStatusDisabled KeyStatus = "DISABLED"
)

// Valid reports whether s is a known status.
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyStatusActive, KeyStatusPassive, KeyStatusDisabled:
		return true
	}
	return false
}

// Supported JWS algorithms for signing keys.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
)

// SigningKey stores signing key material and its lifecycle state.
//
// Material holds the raw secret for HMAC keys and the PKCS#8 DER encoded
// private key for RSA and ECDSA keys.
type SigningKey struct {
	ID         int64
	KID        string
	Algorithm  string
	Material   []byte
	Status     KeyStatus
	CreatedAt  time.Time
	RotatedAt  *time.Time
	DisabledAt *time.Time
}

// Verifies reports whether the key may be used to verify signatures.
func (k SigningKey) Verifies() bool {
	return k.Status == KeyStatusActive || k.Status == KeyStatusPassive
}

// Symmetric reports whether the key is a shared secret.
func (k SigningKey) Symmetric() bool {
	return k.Algorithm == AlgorithmHS256
}
