package domain

import "errors"

var (
	// ErrKeyUnavailable signals that no ACTIVE signing key exists.
	ErrKeyUnavailable = errors.New("keys: no active signing key")
	// ErrKeyNotFound signals an unknown or DISABLED key id.
	ErrKeyNotFound = errors.New("keys: key not found")
	// ErrInvalidTransition signals a key lifecycle change that is not permitted.
	ErrInvalidTransition = errors.New("keys: invalid status transition")

	// ErrTokenMalformed indicates a token that cannot be parsed.
	ErrTokenMalformed = errors.New("token: malformed")
	// ErrTokenSignatureInvalid indicates a signature that does not verify.
	ErrTokenSignatureInvalid = errors.New("token: signature invalid")
	// ErrTokenExpired indicates now is at or after the expiry instant.
	ErrTokenExpired = errors.New("token: expired")
	// ErrTokenNotYetValid indicates now is before the not-before instant.
	ErrTokenNotYetValid = errors.New("token: not yet valid")
	// ErrTokenRevoked indicates a verified token whose JWT ID was revoked.
	ErrTokenRevoked = errors.New("token: revoked")

	// ErrSigningUnavailable indicates a token could not be signed.
	ErrSigningUnavailable = errors.New("token: signing unavailable")

	// ErrPersistence wraps opaque failures of the persistence collaborator.
	ErrPersistence = errors.New("persistence: failure")
	// ErrNotFound indicates a record missing from persistence.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict indicates a write that lost against a concurrent change of the same records.
	ErrConflict = errors.New("persistence: conflict")

	// ErrInsufficientScope indicates an authorization decision of DENY.
	ErrInsufficientScope = errors.New("authz: insufficient scope")
)

// ErrorKind classifies errors for the transport layer.
type ErrorKind string

const (
	KindUnknown               ErrorKind = "unknown"
	KindKeyUnavailable        ErrorKind = "key_unavailable"
	KindKeyNotFound           ErrorKind = "key_not_found"
	KindInvalidTransition     ErrorKind = "invalid_transition"
	KindTokenMalformed        ErrorKind = "token_malformed"
	KindTokenSignatureInvalid ErrorKind = "token_signature_invalid"
	KindTokenExpired          ErrorKind = "token_expired"
	KindTokenNotYetValid      ErrorKind = "token_not_yet_valid"
	KindTokenRevoked          ErrorKind = "token_revoked"
	KindSigningUnavailable    ErrorKind = "signing_unavailable"
	KindPersistence           ErrorKind = "persistence_failure"
	KindNotFound              ErrorKind = "not_found"
	KindConflict              ErrorKind = "conflict"
	KindInsufficientScope     ErrorKind = "insufficient_scope"
)

// Order matters: ErrSigningUnavailable wraps ErrKeyUnavailable at issuance time,
// and a PersistenceError may carry ErrConflict.
var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSigningUnavailable, KindSigningUnavailable},
	{ErrKeyUnavailable, KindKeyUnavailable},
	{ErrKeyNotFound, KindKeyNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrTokenMalformed, KindTokenMalformed},
	{ErrTokenSignatureInvalid, KindTokenSignatureInvalid},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenNotYetValid, KindTokenNotYetValid},
	{ErrTokenRevoked, KindTokenRevoked},
	{ErrConflict, KindConflict},
	{ErrPersistence, KindPersistence},
	{ErrNotFound, KindNotFound},
	{ErrInsufficientScope, KindInsufficientScope},
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsTokenInvalid reports whether err is any token validation failure.
func IsTokenInvalid(err error) bool {
	switch KindOf(err) {
	case KindTokenMalformed, KindTokenSignatureInvalid, KindTokenExpired, KindTokenNotYetValid, KindTokenRevoked, KindKeyNotFound:
		return true
	}
	return false
}

// PersistenceError carries the failing operation of the persistence collaborator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// NewPersistenceError wraps err as a persistence failure of op.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
