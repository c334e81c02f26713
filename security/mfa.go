package security

import (
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GenerateTOTPSecret enrolls a user in TOTP step-up authentication and
// returns the provisioning key (secret + otpauth URL for QR enrollment).
func GenerateTOTPSecret(issuer, accountName string) (*otp.Key, error) {
	if issuer == "" || accountName == "" {
		return nil, fmt.Errorf("security: issuer and account name are required for TOTP enrollment")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("security: failed to generate TOTP secret: %w", err)
	}
	return key, nil
}

// VerifyTOTP checks a six-digit TOTP code against an enrolled secret.
func VerifyTOTP(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}
