package security

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// JWK represents a public key in JSON Web Key format (RFC 7517).
// Only the members needed for DPoP proof verification are modeled:
// EC (P-256), RSA, and OKP (Ed25519) public keys.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`

	// RSA parameters
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC / OKP parameters
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

var (
	// ErrUnsupportedKeyType indicates a JWK with a key type this server
	// cannot verify proofs for.
	ErrUnsupportedKeyType = errors.New("security: unsupported JWK key type")

	// ErrInvalidKey indicates a structurally invalid JWK.
	ErrInvalidKey = errors.New("security: invalid JWK")
)

// Thumbprint computes the RFC 7638 JWK thumbprint: the base64url-encoded
// SHA-256 of the canonical JSON containing only the required members of the
// key, with keys in lexicographic order. The thumbprint is stable across
// member reordering and optional members, which makes it a safe identifier
// for DPoP key binding.
func (j JWK) Thumbprint() (string, error) {
	var canonical string
	switch j.Kty {
	case "EC":
		if j.Crv == "" || j.X == "" || j.Y == "" {
			return "", fmt.Errorf("%w: EC key missing crv/x/y", ErrInvalidKey)
		}
		canonical = fmt.Sprintf(`{"crv":%s,"kty":"EC","x":%s,"y":%s}`,
			jsonString(j.Crv), jsonString(j.X), jsonString(j.Y))
	case "RSA":
		if j.N == "" || j.E == "" {
			return "", fmt.Errorf("%w: RSA key missing n/e", ErrInvalidKey)
		}
		canonical = fmt.Sprintf(`{"e":%s,"kty":"RSA","n":%s}`,
			jsonString(j.E), jsonString(j.N))
	case "OKP":
		if j.Crv == "" || j.X == "" {
			return "", fmt.Errorf("%w: OKP key missing crv/x", ErrInvalidKey)
		}
		canonical = fmt.Sprintf(`{"crv":%s,"kty":"OKP","x":%s}`,
			jsonString(j.Crv), jsonString(j.X))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKeyType, j.Kty)
	}

	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// jsonString encodes a string as a JSON string literal. The thumbprint input
// must be exact JSON, so we go through the encoder rather than quoting by hand.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// PublicKey converts the JWK into a crypto public key usable for signature
// verification (*ecdsa.PublicKey, *rsa.PublicKey, or ed25519.PublicKey).
func (j JWK) PublicKey() (any, error) {
	switch j.Kty {
	case "EC":
		if j.Crv != "P-256" {
			return nil, fmt.Errorf("%w: EC curve %q", ErrUnsupportedKeyType, j.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("%w: bad x coordinate: %v", ErrInvalidKey, err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(j.Y)
		if err != nil {
			return nil, fmt.Errorf("%w: bad y coordinate: %v", ErrInvalidKey, err)
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
		}
		return pub, nil

	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, fmt.Errorf("%w: bad modulus: %v", ErrInvalidKey, err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, fmt.Errorf("%w: bad exponent: %v", ErrInvalidKey, err)
		}
		e := new(big.Int).SetBytes(eb)
		if !e.IsInt64() || e.Int64() <= 1 {
			return nil, fmt.Errorf("%w: invalid RSA exponent", ErrInvalidKey)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(e.Int64())}, nil

	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("%w: OKP curve %q", ErrUnsupportedKeyType, j.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("%w: bad public key: %v", ErrInvalidKey, err)
		}
		if len(xb) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: invalid Ed25519 public key size", ErrInvalidKey)
		}
		return ed25519.PublicKey(xb), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, j.Kty)
	}
}

// JWKFromECDSA builds a JWK for an ECDSA P-256 public key.
// Coordinates are left-padded to the 32-byte P-256 field size so the
// encoding, and therefore the thumbprint, is deterministic.
func JWKFromECDSA(pub *ecdsa.PublicKey) JWK {
	xBytes := pub.X.Bytes()
	yBytes := pub.Y.Bytes()
	x := make([]byte, 32)
	y := make([]byte, 32)
	copy(x[32-len(xBytes):], xBytes)
	copy(y[32-len(yBytes):], yBytes)

	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(x),
		Y:   base64.RawURLEncoding.EncodeToString(y),
	}
}

// JWKFromEd25519 builds a JWK for an Ed25519 public key.
func JWKFromEd25519(pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}
