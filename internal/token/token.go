// Package token generates the random capability strings used across the
// keysystem flow. All generation uses crypto/rand; none of these values are
// identifiers a caller may guess or enumerate.
package token

import (
	"crypto/rand"
	"math/big"
)

const (
	alpha        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// CallbackTokenLen is the length of the static per-checkpoint callback
	// token embedded in provider return URLs.
	CallbackTokenLen = 48

	// SessionTokenLen is the length of the short-lived anti-bypass token.
	SessionTokenLen = 64

	// KeyValueLen is the length of an issued access key.
	KeyValueLen = 32

	// APIKeyLen is the length of a raw owner API key, including the lookup
	// prefix.
	APIKeyLen = 40
)

// NewCallbackToken returns a 48-character token over [A-Za-z]. Collisions are
// not expected at any realistic checkpoint count; callers that insert into a
// unique column should regenerate on conflict anyway.
func NewCallbackToken() string {
	return randomString(CallbackTokenLen, alpha)
}

// NewSessionToken returns the anti-bypass token issued before a redirect.
func NewSessionToken() string {
	return randomString(SessionTokenLen, alphanumeric)
}

// NewKeyValue returns a 32-character access key.
func NewKeyValue() string {
	return randomString(KeyValueLen, alphanumeric)
}

// NewAPIKey returns a raw owner API key with the "csx_" marker prefix. The
// first 8 characters serve as the store lookup prefix.
func NewAPIKey() string {
	return "csx_" + randomString(APIKeyLen-4, alphanumeric)
}

func randomString(n int, charset string) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform RNG is broken;
			// nothing sensible can run in that state.
			panic("token: crypto/rand unavailable: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
