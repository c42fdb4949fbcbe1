package auth

import (
	"net/http"
	"testing"
)

func TestKeyStoreVerify(t *testing.T) {
	ks := NewKeyStore(map[string]string{
		"dev-key-12345":  "development",
		"test-key-67890": "testing",
	})

	c, ok := ks.Verify("dev-key-12345")
	if !ok || c.Name != "development" {
		t.Errorf("Verify(dev-key-12345) = (%v, %v), want development/true", c, ok)
	}

	if _, ok := ks.Verify("bogus"); ok {
		t.Error("expected bogus key to be rejected")
	}

	if _, ok := ks.Verify(""); ok {
		t.Error("expected empty key to be rejected")
	}
}

func TestKeyStoreIgnoresEmptyConfiguredKeys(t *testing.T) {
	ks := NewKeyStore(map[string]string{"": "should-not-count"})
	if _, ok := ks.Verify(""); ok {
		t.Error("empty key should never validate even if configured")
	}
}

func TestKeyFromRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/evaluate", nil)
	req.Header.Set(HeaderName, "dev-key-12345")

	if got := KeyFromRequest(req); got != "dev-key-12345" {
		t.Errorf("KeyFromRequest() = %q, want dev-key-12345", got)
	}
}
