// Package auth narrows the teacher's rotating-token RBAC system down to
// spec.md §6's static API-key allow-list (X-API-Key header, keys sourced
// from API_KEY_DEV/API_KEY_TEST), grounded on
// original_source/oversight_gateway/auth.py. It additionally keeps the
// teacher's ephemeral bearer-token issuer as an "operator key" path for
// the admin-only config endpoints.
package auth

import (
	"net/http"
)

// HeaderName is the header clients present their API key in.
const HeaderName = "X-API-Key"

// Client identifies who an API key belongs to, for logging/audit only —
// spec.md does not define per-client scopes, so every valid key grants
// the same evaluate/approve/near-miss access.
type Client struct {
	Name string
}

// KeyStore is a static allow-list of API keys, loaded once at startup from
// configuration/environment and never mutated, mirroring auth.py's
// module-level VALID_API_KEYS dict.
type KeyStore struct {
	keys map[string]Client
}

// NewKeyStore builds a KeyStore from a key->client-name map.
func NewKeyStore(keys map[string]string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]Client, len(keys))}
	for key, name := range keys {
		if key == "" {
			continue
		}
		ks.keys[key] = Client{Name: name}
	}
	return ks
}

// Verify reports whether key is present in the allow-list, returning the
// associated Client on success.
func (ks *KeyStore) Verify(key string) (Client, bool) {
	if key == "" {
		return Client{}, false
	}
	c, ok := ks.keys[key]
	return c, ok
}

// KeyFromRequest extracts the API key from the X-API-Key header, falling
// back to an api_key query parameter for the WebSocket handshake, which
// browser clients cannot attach custom headers to.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get(HeaderName); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
