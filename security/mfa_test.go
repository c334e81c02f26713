package security

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestGenerateTOTPSecret(t *testing.T) {
	key, err := GenerateTOTPSecret("https://auth.example.com", "alice@example.com")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	if key.Secret() == "" {
		t.Error("empty secret")
	}
	if !strings.HasPrefix(key.URL(), "otpauth://totp/") {
		t.Errorf("URL = %q, want otpauth://totp/ prefix", key.URL())
	}
}

func TestVerifyTOTP(t *testing.T) {
	key, err := GenerateTOTPSecret("https://auth.example.com", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyTOTP(code, key.Secret()) {
		t.Error("current code rejected")
	}
	if VerifyTOTP("000000", key.Secret()) {
		t.Error("bogus code accepted")
	}
	if VerifyTOTP("", key.Secret()) {
		t.Error("empty code accepted")
	}
}
