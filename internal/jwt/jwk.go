package jwt

import (
	"github.com/go-jose/go-jose/v4"
)

// jsonWebKey converts a registry entry to its public JWK form.
func jsonWebKey(e keyEntry) jose.JSONWebKey {
	return jose.JSONWebKey{
		KeyID:     e.key.KID,
		Use:       "sig",
		Algorithm: e.key.Algorithm,
		Key:       publicMaterial(e.private),
	}
}

// JWKS returns the public JSON Web Key Set: every ACTIVE and PASSIVE
// asymmetric key. Shared HMAC secrets are never published.
func (r *KeyRegistry) JWKS() jose.JSONWebKeySet {
	snap := r.snap.Load()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, e := range snap.ordered {
		if !e.key.Verifies() || e.key.Symmetric() {
			continue
		}
		set.Keys = append(set.Keys, jsonWebKey(e))
	}
	return set
}
