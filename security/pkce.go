package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	// PKCEMethodS256 is the only supported code challenge method.
	// The 'plain' method is deprecated in OAuth 2.1 and never accepted here.
	PKCEMethodS256 = "S256"
)

// PKCEPair holds a generated verifier and its derived challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GenerateChallenge creates a fresh PKCE verifier/challenge pair.
// The verifier is produced by oauth2.GenerateVerifier (43 characters of
// cryptographically secure, URL-safe entropy) and the challenge is the
// base64url-encoded SHA-256 of the verifier.
func GenerateChallenge() PKCEPair {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  verifier,
		Challenge: ComputeChallenge(verifier),
		Method:    PKCEMethodS256,
	}
}

// ComputeChallenge derives the S256 challenge for a verifier.
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge checks a code verifier against a previously stored
// challenge. Comparison is constant-time to prevent timing side channels.
// Only the S256 method is accepted.
func VerifyChallenge(verifier, challenge, method string) bool {
	if method != PKCEMethodS256 {
		return false
	}
	if err := ValidateVerifierFormat(verifier); err != nil {
		return false
	}
	computed := ComputeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifierFormat checks the RFC 7636 length and character
// constraints for a code verifier. Rejecting malformed verifiers up front
// prevents injection of control characters into downstream logs.
func ValidateVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}
