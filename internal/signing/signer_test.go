package signing

import (
	"errors"
	"testing"
)

func TestSign_Deterministic(t *testing.T) {
	// Given: A fixed secret and request tuple
	secret := []byte("edge-secret")
	body := []byte(`{"queueSize":3}`)

	// When: The same tuple is signed twice
	a := Sign(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", body)
	b := Sign(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", body)

	// Then: Signatures are identical
	if a != b {
		t.Errorf("expected deterministic signature, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestSign_AnyFieldChangesSignature(t *testing.T) {
	secret := []byte("edge-secret")
	body := []byte(`{"queueSize":3}`)
	base := Sign(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", body)

	variants := map[string]string{
		"method":    Sign(secret, "GET", "/sync/heartbeat", "2026-09-01T10:00:00Z", body),
		"path":      Sign(secret, "POST", "/sync/push", "2026-09-01T10:00:00Z", body),
		"timestamp": Sign(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:01Z", body),
		"body":      Sign(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", []byte(`{"queueSize":4}`)),
		"secret":    Sign([]byte("other-secret"), "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", body),
	}

	for field, sig := range variants {
		if sig == base {
			t.Errorf("changing %s did not change the signature", field)
		}
	}
}

func TestSign_MethodCaseInsensitive(t *testing.T) {
	secret := []byte("edge-secret")
	upper := Sign(secret, "POST", "/sync/item", "2026-09-01T10:00:00Z", nil)
	lower := Sign(secret, "post", "/sync/item", "2026-09-01T10:00:00Z", nil)
	if upper != lower {
		t.Error("expected method to be canonicalized before signing")
	}
}

func TestVerify_Valid(t *testing.T) {
	secret := []byte("edge-secret")
	sig := Sign(secret, "POST", "/sync/push", "2026-09-01T10:00:00Z", []byte("{}"))

	if err := Verify(secret, "POST", "/sync/push", "2026-09-01T10:00:00Z", []byte("{}"), sig); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	secret := []byte("edge-secret")
	sig := Sign(secret, "POST", "/sync/push", "2026-09-01T10:00:00Z", []byte("{}"))

	err := Verify(secret, "POST", "/sync/push", "2026-09-01T10:00:01Z", []byte("{}"), sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_SubstitutedSignature(t *testing.T) {
	// Given: A correctly formed signature produced with a different secret
	secret := []byte("edge-secret")
	forged := Sign([]byte("attacker-secret"), "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", nil)

	// Then: Verification against the real secret fails
	err := Verify(secret, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", nil, forged)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_MissingSecret(t *testing.T) {
	err := Verify(nil, "POST", "/sync/heartbeat", "2026-09-01T10:00:00Z", nil, "abc")
	if !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}
