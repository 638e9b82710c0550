package lti

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrJWKSUnavailable marks a platform key-set fetch that failed after
// retries. Callers should surface it as a transient dependency fault, not a
// rejected launch.
var ErrJWKSUnavailable = errors.New("lti: platform jwks unavailable")

// ErrUnknownKID means the platform's key set, freshly fetched, has no key
// matching the id_token header.
var ErrUnknownKID = errors.New("lti: unknown signing key id")

// PlatformKeys fetches and caches platform JWKS documents, keyed by JWKS
// URL. Concurrent fetches of the same URL are collapsed into one request; a
// kid that misses the cached set forces one refresh before giving up, which
// is how platform-side rotation propagates.
type PlatformKeys struct {
	HTTP    *http.Client
	TTL     time.Duration // default 10 minutes
	Retries int           // extra attempts after the first; default 2

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedKeySet
}

type cachedKeySet struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// VerificationKey returns the RSA public key the platform published under
// kid. A stale or missing cache entry triggers a fetch; a kid miss against a
// fresh-enough entry triggers exactly one forced refresh.
func (pk *PlatformKeys) VerificationKey(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	if jwksURL == "" {
		return nil, errors.New("lti: jwks url required")
	}
	if key, ok := pk.cached(jwksURL, kid, false); ok {
		return key, nil
	}
	if _, err := pk.refresh(ctx, jwksURL); err != nil {
		return nil, err
	}
	if key, ok := pk.cached(jwksURL, kid, true); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
}

// cached returns the kid's key if the entry exists, is fresh, and has the
// kid. With anyAge set, staleness is ignored (used right after a refresh).
func (pk *PlatformKeys) cached(jwksURL, kid string, anyAge bool) (*rsa.PublicKey, bool) {
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	entry, ok := pk.cache[jwksURL]
	if !ok {
		return nil, false
	}
	if !anyAge && time.Since(entry.fetchedAt) > pk.ttl() {
		return nil, false
	}
	key, ok := entry.keys[kid]
	return key, ok
}

// refresh fetches the key set, deduplicating concurrent callers per URL.
func (pk *PlatformKeys) refresh(ctx context.Context, jwksURL string) (map[string]*rsa.PublicKey, error) {
	v, err, _ := pk.group.Do(jwksURL, func() (any, error) {
		keys, err := pk.fetch(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		pk.mu.Lock()
		if pk.cache == nil {
			pk.cache = make(map[string]cachedKeySet)
		}
		pk.cache[jwksURL] = cachedKeySet{keys: keys, fetchedAt: time.Now()}
		pk.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*rsa.PublicKey), nil
}

func (pk *PlatformKeys) fetch(ctx context.Context, jwksURL string) (map[string]*rsa.PublicKey, error) {
	var lastErr error
	for attempt := 0; attempt <= pk.retries(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		keys, err := pk.fetchOnce(ctx, jwksURL)
		if err == nil {
			return keys, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, lastErr)
}

func (pk *PlatformKeys) fetchOnce(ctx context.Context, jwksURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := pk.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return rsaKeysFromJWKS(body)
}

// rsaKeysFromJWKS parses a JWKS document into kid-indexed RSA public keys.
// Non-RSA and malformed entries are skipped rather than failing the set.
func rsaKeysFromJWKS(body []byte) (map[string]*rsa.PublicKey, error) {
	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("jwks parse: %w", err)
	}
	out := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		e := new(big.Int).SetBytes(eb)
		if !e.IsInt64() || e.Int64() <= 0 {
			continue
		}
		out[k.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(e.Int64()),
		}
	}
	if len(out) == 0 {
		return nil, errors.New("jwks parse: no usable RSA keys")
	}
	return out, nil
}

func (pk *PlatformKeys) client() *http.Client {
	if pk.HTTP != nil {
		return pk.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (pk *PlatformKeys) ttl() time.Duration {
	if pk.TTL > 0 {
		return pk.TTL
	}
	return 10 * time.Minute
}

func (pk *PlatformKeys) retries() int {
	if pk.Retries > 0 {
		return pk.Retries
	}
	return 2
}
