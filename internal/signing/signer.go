// Package signing implements the keyed request signature shared by the
// central gateway and the edge uplink client.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature indicates the presented signature does not match the
// recomputed one. It is an authentication failure, never a generic error.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrMissingSecret indicates no shared secret is available for verification.
var ErrMissingSecret = errors.New("missing shared secret")

// Sign computes the hex-encoded HMAC-SHA256 signature over the canonical
// serialization of {method, path, timestamp, body} using the shared secret.
// The same tuple and secret always produce the same signature.
func Sign(secret []byte, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical(method, path, timestamp)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for the given tuple and compares it against
// the presented value in constant time. A mismatch or missing secret yields an
// authentication-kind error.
func Verify(secret []byte, method, path, timestamp string, body []byte, presented string) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}

	expected := Sign(secret, method, path, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return ErrInvalidSignature
	}
	return nil
}

// canonical builds the signed prefix. The method is uppercased so clients
// cannot produce two valid signatures for the same request.
func canonical(method, path, timestamp string) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n"
}
