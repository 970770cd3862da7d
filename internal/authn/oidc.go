package authn

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// OIDCConfig holds the provider coordinates needed to verify bearer
// tokens issued by an external identity provider.
type OIDCConfig struct {
	Issuer         string
	ExpectedAudience string
	JWKSURI        string
}

// OIDCVerifier implements Verifier by manually parsing and verifying an
// RS256 JWT against a provider's JWKS, the same approach the teacher
// uses rather than pulling in a JWT library: requires alg=RS256,
// verifies the signature via rsa.VerifyPKCS1v15, checks exp and aud.
type OIDCVerifier struct {
	cfg   OIDCConfig
	cache *jwksCache
}

func NewOIDCVerifier(cfg OIDCConfig) *OIDCVerifier {
	return &OIDCVerifier{cfg: cfg, cache: newJWKSCache(cfg.JWKSURI)}
}

func (v *OIDCVerifier) Verify(ctx context.Context, tokenStr string) (provider, providerIdentifier string, expiresAt *time.Time, err error) {
	claims, err := v.verifyJWT(ctx, tokenStr)
	if err != nil {
		return "", "", nil, err
	}
	exp := time.Unix(claims.Exp, 0).UTC()
	return "oidc:" + v.cfg.Issuer, claims.Sub, &exp, nil
}

type jwtClaims struct {
	Sub string `json:"sub"`
	Aud any    `json:"aud"`
	Exp int64  `json:"exp"`
	Azp string `json:"azp"`
}

func (v *OIDCVerifier) verifyJWT(ctx context.Context, tokenStr string) (*jwtClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, err
	}
	if header.Alg != "RS256" {
		return nil, fmt.Errorf("unsupported alg: %s", header.Alg)
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var claims jwtClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}

	pub, err := v.cache.key(ctx, header.Kid)
	if err != nil {
		return nil, err
	}
	hashed := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig); err != nil {
		return nil, errors.New("signature verification failed")
	}

	if time.Now().After(time.Unix(claims.Exp, 0)) {
		return nil, errors.New("token expired")
	}

	if v.cfg.ExpectedAudience != "" && !audienceMatches(claims, v.cfg.ExpectedAudience) {
		return nil, errors.New("audience mismatch")
	}

	return &claims, nil
}

func audienceMatches(claims jwtClaims, expected string) bool {
	if claims.Azp == expected {
		return true
	}
	switch aud := claims.Aud.(type) {
	case string:
		return aud == expected
	case []any:
		for _, a := range aud {
			if s, ok := a.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// jwksCache caches a provider's JWKS, coalescing concurrent refreshes
// via singleflight (the same pattern the teacher's handler/oidc.go
// uses) with a 5-minute TTL.
type jwksCache struct {
	uri   string
	mu    sync.RWMutex
	keys  map[string]*rsa.PublicKey
	until time.Time
	group singleflight.Group
}

func newJWKSCache(uri string) *jwksCache {
	return &jwksCache{uri: uri, keys: map[string]*rsa.PublicKey{}}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if time.Now().Before(c.until) {
		if k, ok := c.keys[kid]; ok {
			c.mu.RUnlock()
			return k, nil
		}
	}
	c.mu.RUnlock()

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", kid)
	}
	return k, nil
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(body.Keys))
	for _, k := range body.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.until = time.Now().Add(5 * time.Minute)
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
