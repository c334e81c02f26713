package security

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DPoP validation errors. All of them mean the proof must be rejected; the
// distinctions exist for audit logging, not for the client-facing response.
var (
	ErrDPoPMalformed   = errors.New("security: malformed DPoP proof")
	ErrDPoPSignature   = errors.New("security: DPoP proof signature invalid")
	ErrDPoPMethodURI   = errors.New("security: DPoP proof htm/htu mismatch")
	ErrDPoPStale       = errors.New("security: DPoP proof iat outside freshness window")
	ErrDPoPReplay      = errors.New("security: DPoP proof jti already seen")
	ErrDPoPKeyMismatch = errors.New("security: DPoP proof key does not match bound thumbprint")
)

const (
	// dpopTokenType is the required JOSE typ header for DPoP proofs (RFC 9449).
	dpopTokenType = "dpop+jwt"

	// DefaultDPoPClockSkew is the freshness window for proof iat claims.
	DefaultDPoPClockSkew = 60 * time.Second
)

// DPoPSigningAlgorithms lists the JWS algorithms accepted for DPoP proofs.
var DPoPSigningAlgorithms = []string{"ES256", "RS256", "EdDSA"}

// DPoPProof is the validated content of a DPoP proof JWS.
type DPoPProof struct {
	// JKT is the RFC 7638 thumbprint of the proof's embedded public key.
	JKT string

	// JTI is the proof's unique identifier, used for replay detection.
	JTI string

	// IssuedAt is the proof's iat claim.
	IssuedAt time.Time

	// Key is the embedded public JWK.
	Key JWK
}

// DPoPVerifier validates DPoP proofs against a request and an optional
// expected key thumbprint. It is safe for concurrent use.
type DPoPVerifier struct {
	clockSkew time.Duration
	replay    *ReplayCache
	parser    *jwt.Parser
	now       func() time.Time
}

// NewDPoPVerifier creates a verifier with the given freshness window and
// replay cache. A nil cache disables replay detection (tests only; production
// callers must supply one).
func NewDPoPVerifier(clockSkew time.Duration, replay *ReplayCache) *DPoPVerifier {
	if clockSkew <= 0 {
		clockSkew = DefaultDPoPClockSkew
	}
	return &DPoPVerifier{
		clockSkew: clockSkew,
		replay:    replay,
		parser:    jwt.NewParser(jwt.WithValidMethods(DPoPSigningAlgorithms)),
		now:       time.Now,
	}
}

// Verify validates a DPoP proof JWS for the given HTTP method and URL.
// It checks, in order: JOSE header shape and signature against the embedded
// public key, htm/htu binding to the request, iat freshness within the skew
// window, jti replay, and (when expectedJKT is non-empty) that the embedded
// key's thumbprint matches the token binding. It never panics on malformed
// input; every failure is returned as an error.
func (v *DPoPVerifier) Verify(proof, method, requestURL, expectedJKT string) (*DPoPProof, error) {
	if proof == "" {
		return nil, fmt.Errorf("%w: empty proof", ErrDPoPMalformed)
	}

	var embeddedKey JWK

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		typ, _ := t.Header["typ"].(string)
		if !strings.EqualFold(typ, dpopTokenType) {
			return nil, fmt.Errorf("typ must be %q", dpopTokenType)
		}

		rawJWK, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("jwk header missing")
		}
		key, err := decodeEmbeddedJWK(rawJWK)
		if err != nil {
			return nil, err
		}
		embeddedKey = key
		return key.PublicKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrDPoPSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDPoPMalformed, err)
	}
	if !token.Valid {
		return nil, ErrDPoPSignature
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("%w: jti claim missing", ErrDPoPMalformed)
	}

	htm, _ := claims["htm"].(string)
	htu, _ := claims["htu"].(string)
	if !strings.EqualFold(htm, method) {
		return nil, fmt.Errorf("%w: htm %q does not match request method %q", ErrDPoPMethodURI, htm, method)
	}
	if !matchHTU(htu, requestURL) {
		return nil, fmt.Errorf("%w: htu %q does not match request URL", ErrDPoPMethodURI, htu)
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return nil, fmt.Errorf("%w: iat claim missing", ErrDPoPMalformed)
	}
	now := v.now()
	if now.Sub(issuedAt.Time) > v.clockSkew || issuedAt.Time.Sub(now) > v.clockSkew {
		return nil, fmt.Errorf("%w: iat %s, now %s", ErrDPoPStale, issuedAt.Time.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	jkt, err := embeddedKey.Thumbprint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDPoPMalformed, err)
	}
	if expectedJKT != "" {
		if subtle.ConstantTimeCompare([]byte(jkt), []byte(expectedJKT)) != 1 {
			return nil, ErrDPoPKeyMismatch
		}
	}

	// Replay check last: a rejected proof must not poison the cache for a
	// later legitimate retry with the same jti on a corrected request.
	if v.replay != nil && !v.replay.CheckAndStore(jti) {
		return nil, ErrDPoPReplay
	}

	return &DPoPProof{
		JKT:      jkt,
		JTI:      jti,
		IssuedAt: issuedAt.Time,
		Key:      embeddedKey,
	}, nil
}

// decodeEmbeddedJWK converts the raw jwk header value into a JWK and rejects
// keys that smuggle private parameters.
func decodeEmbeddedJWK(raw any) (JWK, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return JWK{}, fmt.Errorf("jwk header is not an object")
	}
	if _, hasPrivate := m["d"]; hasPrivate {
		return JWK{}, fmt.Errorf("jwk header must not contain private key material")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return JWK{}, fmt.Errorf("jwk header not serializable: %w", err)
	}
	var key JWK
	if err := json.Unmarshal(b, &key); err != nil {
		return JWK{}, fmt.Errorf("jwk header malformed: %w", err)
	}
	return key, nil
}

// matchHTU compares the proof's htu claim against the request URL per
// RFC 9449: scheme and host case-insensitively, path exactly, and ignoring
// query and fragment.
func matchHTU(htu, requestURL string) bool {
	if htu == "" || requestURL == "" {
		return false
	}
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Path == b.Path
}

// ReplayCache tracks DPoP jti values that have already been accepted.
// Entries expire after a TTL slightly longer than the proof freshness
// window; a proof old enough to have left the cache is rejected by the
// iat check instead.
type ReplayCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewReplayCache creates a replay cache with the given entry TTL.
// maxSize bounds memory under a flood of unique jti values; when the cache
// is full, expired entries are purged and, if still full, the proof is
// treated as replayed (fail closed).
func NewReplayCache(ttl time.Duration, maxSize int) *ReplayCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100_000
	}
	return &ReplayCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndStore atomically records a jti. It returns false if the jti was
// already present (replay) or the cache cannot accept new entries.
func (c *ReplayCache) CheckAndStore(jti string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiry, exists := c.seen[jti]; exists && now.Before(expiry) {
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.purgeLocked(now)
		if len(c.seen) >= c.maxSize {
			return false
		}
	}

	c.seen[jti] = now.Add(c.ttl)
	return true
}

// Sweep removes expired entries. Correctness does not depend on it; it only
// bounds memory between floods.
func (c *ReplayCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
}

// Len reports the number of tracked jti values.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *ReplayCache) purgeLocked(now time.Time) {
	for jti, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, jti)
		}
	}
}
