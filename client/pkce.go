package client

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/oauth2"
)

// CodeChallengeMethodS256 is the only challenge method this package produces.
const CodeChallengeMethodS256 = "S256"

const (
	verifierBytes = 32
	nonceBytes    = 16
)

// randReader is swapped in tests to simulate a missing randomness source.
var randReader io.Reader = rand.Reader

// GenerateCodeVerifier returns a fresh URL-safe PKCE verifier carrying 32 random bytes.
func GenerateCodeVerifier() (string, error) {
	return randomURLSafe(verifierBytes)
}

// GenerateCodeChallenge derives the S256 challenge: base64url(sha256(verifier)), unpadded.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateNonce returns an independent random value bound to one attempt.
func GenerateNonce() (string, error) {
	return randomURLSafe(nonceBytes)
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", &EnvironmentError{Capability: "secure random source", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
