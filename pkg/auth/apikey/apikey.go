// Package apikey authenticates bearer tokens against a static key list.
// Keys are kept only as SHA-256 hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/batchgate/pkg/auth"
)

// Method is recorded on identities produced by this authenticator.
const Method = "apikey"

// RawKeyEntry is the configuration format for API keys.
type RawKeyEntry struct {
	Key      string
	Identity auth.Identity
}

type keyEntry struct {
	hash     [sha256.Size]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against a static key store.
type Authenticator struct {
	keys []keyEntry
}

// New creates an API key authenticator. Keys are hashed immediately;
// plaintext keys are not stored.
func New(entries []RawKeyEntry) *Authenticator {
	a := &Authenticator{keys: make([]keyEntry, 0, len(entries))}
	for _, e := range entries {
		id := e.Identity
		id.Method = Method
		if id.ServiceTier == "" {
			id.ServiceTier = auth.DefaultTier
		}
		a.keys = append(a.keys, keyEntry{
			hash:     sha256.Sum256([]byte(e.Key)),
			identity: id,
		})
	}
	return a
}

// Len returns the number of configured keys.
func (a *Authenticator) Len() int { return len(a.keys) }

// Authenticate returns Yes for a known key, No for an unknown or empty
// bearer token and Abstain when no bearer token is present.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	hash := sha256.Sum256([]byte(token))

	// Every entry is compared so timing does not reveal the match position.
	var match *keyEntry
	for i := range a.keys {
		if subtle.ConstantTimeCompare(hash[:], a.keys[i].hash[:]) == 1 {
			match = &a.keys[i]
		}
	}
	if match == nil {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := match.identity
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}
