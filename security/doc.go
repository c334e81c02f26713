// Package security provides the cryptographic and policy primitives for the
// authorization core: PKCE challenge generation and verification, DPoP
// proof-of-possession validation with replay protection, RFC 7638 JWK
// thumbprints, TOTP step-up verification, security audit logging, and
// per-identifier rate limiting.
//
// All comparisons of secret material use constant-time operations.
package security
