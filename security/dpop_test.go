package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type proofOptions struct {
	typ    string
	htm    string
	htu    string
	iat    time.Time
	jti    string
	jwk    any
	noJWK  bool
	method jwt.SigningMethod
}

// signProof builds a DPoP proof JWS signed with the given P-256 key,
// applying overrides from opts.
func signProof(t *testing.T, priv *ecdsa.PrivateKey, opts proofOptions) string {
	t.Helper()

	if opts.typ == "" {
		opts.typ = "dpop+jwt"
	}
	if opts.htm == "" {
		opts.htm = "POST"
	}
	if opts.htu == "" {
		opts.htu = "https://auth.example.com/token"
	}
	if opts.iat.IsZero() {
		opts.iat = time.Now()
	}
	if opts.jti == "" {
		opts.jti = fmt.Sprintf("jti-%d", time.Now().UnixNano())
	}
	if opts.method == nil {
		opts.method = jwt.SigningMethodES256
	}

	token := jwt.NewWithClaims(opts.method, jwt.MapClaims{
		"htm": opts.htm,
		"htu": opts.htu,
		"iat": opts.iat.Unix(),
		"jti": opts.jti,
	})
	token.Header["typ"] = opts.typ
	if !opts.noJWK {
		if opts.jwk != nil {
			token.Header["jwk"] = opts.jwk
		} else {
			token.Header["jwk"] = JWKFromECDSA(&priv.PublicKey)
		}
	}

	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing proof: %v", err)
	}
	return signed
}

func newP256Key(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv
}

func TestVerifyValidProof(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, NewReplayCache(0, 0))

	proof := signProof(t, priv, proofOptions{})
	got, err := v.Verify(proof, "POST", "https://auth.example.com/token", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	wantJKT, err := JWKFromECDSA(&priv.PublicKey).Thumbprint()
	if err != nil {
		t.Fatal(err)
	}
	if got.JKT != wantJKT {
		t.Errorf("JKT = %q, want %q", got.JKT, wantJKT)
	}
	if got.JTI == "" {
		t.Error("JTI empty")
	}
}

func TestVerifyBoundThumbprint(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, nil)
	jkt, _ := JWKFromECDSA(&priv.PublicKey).Thumbprint()

	proof := signProof(t, priv, proofOptions{})
	if _, err := v.Verify(proof, "POST", "https://auth.example.com/token", jkt); err != nil {
		t.Errorf("matching thumbprint rejected: %v", err)
	}

	proof = signProof(t, priv, proofOptions{})
	if _, err := v.Verify(proof, "POST", "https://auth.example.com/token", "different-jkt"); !errors.Is(err, ErrDPoPKeyMismatch) {
		t.Errorf("mismatched thumbprint = %v, want ErrDPoPKeyMismatch", err)
	}
}

func TestVerifyMethodAndURIBinding(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, nil)

	tests := []struct {
		name    string
		htm     string
		htu     string
		method  string
		url     string
		wantErr error
	}{
		{"method mismatch", "POST", "https://auth.example.com/token", "GET", "https://auth.example.com/token", ErrDPoPMethodURI},
		{"path mismatch", "POST", "https://auth.example.com/token", "POST", "https://auth.example.com/other", ErrDPoPMethodURI},
		{"host case insensitive", "POST", "https://AUTH.example.com/token", "POST", "https://auth.example.com/token", nil},
		{"method case insensitive", "post", "https://auth.example.com/token", "POST", "https://auth.example.com/token", nil},
		{"query ignored", "POST", "https://auth.example.com/token", "POST", "https://auth.example.com/token?x=1", nil},
		{"scheme mismatch", "POST", "http://auth.example.com/token", "POST", "https://auth.example.com/token", ErrDPoPMethodURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof := signProof(t, priv, proofOptions{htm: tt.htm, htu: tt.htu})
			_, err := v.Verify(proof, tt.method, tt.url, "")
			if tt.wantErr == nil && err != nil {
				t.Errorf("Verify = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(60*time.Second, nil)

	old := signProof(t, priv, proofOptions{iat: time.Now().Add(-2 * time.Minute)})
	if _, err := v.Verify(old, "POST", "https://auth.example.com/token", ""); !errors.Is(err, ErrDPoPStale) {
		t.Errorf("stale proof = %v, want ErrDPoPStale", err)
	}

	future := signProof(t, priv, proofOptions{iat: time.Now().Add(2 * time.Minute)})
	if _, err := v.Verify(future, "POST", "https://auth.example.com/token", ""); !errors.Is(err, ErrDPoPStale) {
		t.Errorf("future proof = %v, want ErrDPoPStale", err)
	}

	skewed := signProof(t, priv, proofOptions{iat: time.Now().Add(-30 * time.Second)})
	if _, err := v.Verify(skewed, "POST", "https://auth.example.com/token", ""); err != nil {
		t.Errorf("proof within skew rejected: %v", err)
	}
}

func TestVerifyReplay(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, NewReplayCache(0, 0))

	proof := signProof(t, priv, proofOptions{jti: "fixed-jti"})
	if _, err := v.Verify(proof, "POST", "https://auth.example.com/token", ""); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := v.Verify(proof, "POST", "https://auth.example.com/token", ""); !errors.Is(err, ErrDPoPReplay) {
		t.Errorf("replay = %v, want ErrDPoPReplay", err)
	}
}

func TestVerifyRejectedProofDoesNotPoisonReplayCache(t *testing.T) {
	priv := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, NewReplayCache(0, 0))

	// Wrong method first; the jti must remain usable afterwards.
	bad := signProof(t, priv, proofOptions{jti: "retry-jti", htm: "GET"})
	if _, err := v.Verify(bad, "POST", "https://auth.example.com/token", ""); err == nil {
		t.Fatal("mismatched proof accepted")
	}
	good := signProof(t, priv, proofOptions{jti: "retry-jti"})
	if _, err := v.Verify(good, "POST", "https://auth.example.com/token", ""); err != nil {
		t.Errorf("corrected proof rejected: %v", err)
	}
}

func TestVerifyMalformedProofs(t *testing.T) {
	priv := newP256Key(t)
	other := newP256Key(t)
	v := NewDPoPVerifier(DefaultDPoPClockSkew, nil)

	privateJWK := map[string]any{
		"kty": "EC", "crv": "P-256",
		"x": JWKFromECDSA(&priv.PublicKey).X,
		"y": JWKFromECDSA(&priv.PublicKey).Y,
		"d": "c2VjcmV0",
	}

	tests := []struct {
		name  string
		proof string
	}{
		{"empty", ""},
		{"garbage", "not.a.jws"},
		{"wrong typ", signProof(t, priv, proofOptions{typ: "JWT"})},
		{"missing jwk", signProof(t, priv, proofOptions{noJWK: true})},
		{"private key material in jwk", signProof(t, priv, proofOptions{jwk: privateJWK})},
		{"signed with other key", signProof(t, priv, proofOptions{jwk: JWKFromECDSA(&other.PublicKey)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.proof, "POST", "https://auth.example.com/token", ""); err == nil {
				t.Error("malformed proof accepted")
			}
		})
	}
}

func TestReplayCacheExpiry(t *testing.T) {
	c := NewReplayCache(time.Minute, 10)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if !c.CheckAndStore("a") {
		t.Fatal("fresh jti rejected")
	}
	if c.CheckAndStore("a") {
		t.Fatal("duplicate jti accepted")
	}

	now = now.Add(2 * time.Minute)
	if !c.CheckAndStore("a") {
		t.Error("expired jti still rejected")
	}
}

func TestReplayCacheFailsClosedWhenFull(t *testing.T) {
	c := NewReplayCache(time.Hour, 3)
	for i := 0; i < 3; i++ {
		if !c.CheckAndStore(fmt.Sprintf("jti-%d", i)) {
			t.Fatalf("jti-%d rejected", i)
		}
	}
	if c.CheckAndStore("overflow") {
		t.Error("full cache accepted a new jti")
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestReplayCacheSweep(t *testing.T) {
	c := NewReplayCache(time.Minute, 10)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.CheckAndStore("a")
	c.CheckAndStore("b")
	now = now.Add(2 * time.Minute)
	c.Sweep()

	if c.Len() != 0 {
		t.Errorf("Len after sweep = %d, want 0", c.Len())
	}
}
