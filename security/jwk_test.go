package security

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

// rfc7638ExampleN is the RSA modulus from the thumbprint example in
// RFC 7638 section 3.1.
const rfc7638ExampleN = "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw"

func TestThumbprintRFC7638Vector(t *testing.T) {
	key := JWK{Kty: "RSA", N: rfc7638ExampleN, E: "AQAB"}

	got, err := key.Thumbprint()
	if err != nil {
		t.Fatalf("Thumbprint: %v", err)
	}
	want := "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs"
	if got != want {
		t.Errorf("Thumbprint = %q, want %q", got, want)
	}
}

func TestThumbprintIgnoresOptionalMembers(t *testing.T) {
	bare := JWK{Kty: "RSA", N: rfc7638ExampleN, E: "AQAB"}
	decorated := JWK{Kty: "RSA", N: rfc7638ExampleN, E: "AQAB", Alg: "RS256", Kid: "2011-04-29"}

	a, err := bare.Thumbprint()
	if err != nil {
		t.Fatal(err)
	}
	b, err := decorated.Thumbprint()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("thumbprint changed with optional members present")
	}
}

func TestThumbprintRejectsIncompleteKeys(t *testing.T) {
	tests := []struct {
		name string
		key  JWK
	}{
		{"EC missing y", JWK{Kty: "EC", Crv: "P-256", X: "abc"}},
		{"RSA missing e", JWK{Kty: "RSA", N: "abc"}},
		{"OKP missing x", JWK{Kty: "OKP", Crv: "Ed25519"}},
		{"unknown kty", JWK{Kty: "oct"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.key.Thumbprint(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestECDSARoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	jwk := JWKFromECDSA(&priv.PublicKey)
	pub, err := jwk.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("PublicKey returned %T, want *ecdsa.PublicKey", pub)
	}
	if !ecPub.Equal(&priv.PublicKey) {
		t.Error("round-tripped key differs")
	}
	if _, err := jwk.Thumbprint(); err != nil {
		t.Errorf("Thumbprint: %v", err)
	}
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	jwk := JWKFromEd25519(pub)
	got, err := jwk.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	edPub, ok := got.(ed25519.PublicKey)
	if !ok {
		t.Fatalf("PublicKey returned %T, want ed25519.PublicKey", got)
	}
	if !edPub.Equal(pub) {
		t.Error("round-tripped key differs")
	}
}

func TestPublicKeyRejectsOffCurvePoint(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	jwk := JWKFromECDSA(&priv.PublicKey)
	jwk.Y = jwk.X // almost certainly not on the curve

	if _, err := jwk.PublicKey(); err == nil {
		t.Error("off-curve point accepted")
	}
}

func TestPublicKeyRejectsBadRSAExponent(t *testing.T) {
	jwk := JWK{Kty: "RSA", N: rfc7638ExampleN, E: "AQ"} // exponent 1
	if _, err := jwk.PublicKey(); err == nil {
		t.Error("RSA exponent 1 accepted")
	}
}
