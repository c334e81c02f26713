package security

import (
	"strings"
	"testing"
)

func TestGenerateChallenge(t *testing.T) {
	pair := GenerateChallenge()

	if pair.Method != PKCEMethodS256 {
		t.Errorf("Method = %q, want %q", pair.Method, PKCEMethodS256)
	}
	if err := ValidateVerifierFormat(pair.Verifier); err != nil {
		t.Errorf("generated verifier invalid: %v", err)
	}
	if !VerifyChallenge(pair.Verifier, pair.Challenge, pair.Method) {
		t.Error("generated pair does not verify")
	}

	// Two generations must not collide.
	if other := GenerateChallenge(); other.Verifier == pair.Verifier {
		t.Error("verifier collision across generations")
	}
}

func TestVerifyChallenge(t *testing.T) {
	pair := GenerateChallenge()

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"valid", pair.Verifier, pair.Challenge, "S256", true},
		{"wrong verifier", GenerateChallenge().Verifier, pair.Challenge, "S256", false},
		{"wrong challenge", pair.Verifier, ComputeChallenge("x"), "S256", false},
		{"plain method rejected", pair.Verifier, pair.Verifier, "plain", false},
		{"empty method rejected", pair.Verifier, pair.Challenge, "", false},
		{"empty verifier rejected", "", pair.Challenge, "S256", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyChallenge(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("VerifyChallenge = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateVerifierFormat(t *testing.T) {
	valid := strings.Repeat("a", 43)

	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", valid, false},
		{"maximum length", strings.Repeat("a", 128), false},
		{"all allowed specials", strings.Repeat("-._~", 11), false},
		{"too short", strings.Repeat("a", 42), true},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid character", strings.Repeat("a", 42) + "!", true},
		{"space", strings.Repeat("a", 42) + " ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifierFormat(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVerifierFormat(%q) error = %v, wantErr %v", tt.verifier, err, tt.wantErr)
			}
		})
	}
}
