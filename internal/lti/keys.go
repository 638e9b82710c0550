package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

/*
Key manager for the tool's own signing identity.

The manager owns the RSA key pairs this tool signs outbound JWTs with
(deep-linking responses, grade passback assertions) and publishes their
public halves as a JWKS. Rotation keeps retired keys visible for a
retention window longer than any plausible platform-side JWKS cache, so
a platform holding a stale cached key set can still verify us.
*/

var ErrNoActiveKey = errors.New("keys: no active signing key")

// ToolKey is one signing key pair and its lifecycle window.
type ToolKey struct {
	KID       string
	Alg       string // only RS256 is generated
	CreatedAt time.Time
	NotAfter  time.Time // stop signing with it after this
	Private   *rsa.PrivateKey
}

// PublicJWK returns the public-only JWK map for the key.
func (k ToolKey) PublicJWK() map[string]any {
	if k.Private == nil {
		return nil
	}
	return RSAPublicJWK(&k.Private.PublicKey, k.KID, k.Alg)
}

// KeyStorage persists tool keys. Provide the SQL implementation in prod.
type KeyStorage interface {
	List(ctx context.Context) ([]ToolKey, error)
	Save(ctx context.Context, k ToolKey) error
	Delete(ctx context.Context, kid string) error
}

// InMemoryKeyStorage is process-local key storage (dev/tests).
type InMemoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string]ToolKey
}

func NewInMemoryKeyStorage() *InMemoryKeyStorage {
	return &InMemoryKeyStorage{keys: make(map[string]ToolKey)}
}

func (s *InMemoryKeyStorage) List(_ context.Context) ([]ToolKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *InMemoryKeyStorage) Save(_ context.Context, k ToolKey) error {
	if k.KID == "" {
		return errors.New("keys: kid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KID] = k
	return nil
}

func (s *InMemoryKeyStorage) Delete(_ context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, kid)
	return nil
}

// KeyManager signs tool JWTs and serves the public JWKS.
type KeyManager struct {
	Storage KeyStorage

	RSAKeyBits       int           // default 2048
	RotationInterval time.Duration // default 90 days
	Retention        time.Duration // JWKS visibility beyond NotAfter; default 7 days

	Now func() time.Time

	// serializes rotations
	mu sync.Mutex
}

// Sign signs claims with the currently active key, embedding its kid in the
// header. A jti is added when the caller did not set one.
func (km *KeyManager) Sign(ctx context.Context, claims jwt.MapClaims) (string, error) {
	if km.Storage == nil {
		return "", errors.New("keys: storage not configured")
	}
	rec, err := km.ensureActiveKey(ctx)
	if err != nil {
		return "", err
	}
	if _, ok := claims["jti"]; !ok {
		claims["jti"] = uuid.NewString()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = rec.KID
	return tok.SignedString(rec.Private)
}

// PublicJWKS returns all keys still within their retention window, newest
// first. Retired keys stay published so platforms with cached copies keep
// verifying.
func (km *KeyManager) PublicJWKS(ctx context.Context) (JWKS, error) {
	if km.Storage == nil {
		return JWKS{}, errors.New("keys: storage not configured")
	}
	keys, err := km.Storage.List(ctx)
	if err != nil {
		return JWKS{}, err
	}
	now := km.now()
	var set JWKS
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	for _, k := range keys {
		if now.After(k.NotAfter.Add(km.retention())) {
			continue
		}
		if pub := k.PublicJWK(); pub != nil {
			set.Keys = append(set.Keys, pub)
		}
	}
	return set, nil
}

// Rotate generates and publishes a new key, demotes the previous active key
// to retired-but-published, and removes keys past retention. The new key is
// saved before anything is deleted, so the set never loses its only active
// key.
func (km *KeyManager) Rotate(ctx context.Context) (ToolKey, error) {
	if km.Storage == nil {
		return ToolKey{}, errors.New("keys: storage not configured")
	}
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.rotateLocked(ctx)
}

func (km *KeyManager) rotateLocked(ctx context.Context) (ToolKey, error) {
	now := km.now()
	rec, err := km.generateKey(now)
	if err != nil {
		return ToolKey{}, err
	}
	if err := km.Storage.Save(ctx, rec); err != nil {
		return ToolKey{}, err
	}

	// Drop keys no platform could plausibly still hold.
	keys, err := km.Storage.List(ctx)
	if err != nil {
		return rec, nil // new key is live; cleanup can wait
	}
	for _, k := range keys {
		if k.KID != rec.KID && now.After(k.NotAfter.Add(km.retention())) {
			_ = km.Storage.Delete(ctx, k.KID)
		}
	}
	return rec, nil
}

// ActiveKID returns the kid Sign would use right now.
func (km *KeyManager) ActiveKID(ctx context.Context) (string, error) {
	keys, err := km.Storage.List(ctx)
	if err != nil {
		return "", err
	}
	k, ok := activeKey(keys, km.now())
	if !ok {
		return "", ErrNoActiveKey
	}
	return k.KID, nil
}

// ensureActiveKey returns a signing key, rotating when none is usable or the
// current one is inside its retention runway.
func (km *KeyManager) ensureActiveKey(ctx context.Context) (ToolKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	keys, err := km.Storage.List(ctx)
	if err != nil {
		return ToolKey{}, err
	}
	now := km.now()
	if k, ok := activeKey(keys, now); ok && now.Add(km.retention()).Before(k.NotAfter) {
		return k, nil
	}
	return km.rotateLocked(ctx)
}

// activeKey picks the newest key whose signing window is still open.
func activeKey(keys []ToolKey, now time.Time) (ToolKey, bool) {
	var best ToolKey
	var found bool
	for _, k := range keys {
		if now.Before(k.NotAfter) && (!found || k.CreatedAt.After(best.CreatedAt)) {
			best, found = k, true
		}
	}
	return best, found
}

func (km *KeyManager) generateKey(now time.Time) (ToolKey, error) {
	bits := km.RSAKeyBits
	if bits <= 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return ToolKey{}, fmt.Errorf("keys: rsa generate: %w", err)
	}
	return ToolKey{
		KID:       makeKID(&priv.PublicKey),
		Alg:       "RS256",
		CreatedAt: now,
		NotAfter:  now.Add(km.rotateEvery()),
		Private:   priv,
	}, nil
}

func (km *KeyManager) rotateEvery() time.Duration {
	if km.RotationInterval > 0 {
		return km.RotationInterval
	}
	return 90 * 24 * time.Hour
}

func (km *KeyManager) retention() time.Duration {
	if km.Retention > 0 {
		return km.Retention
	}
	return 7 * 24 * time.Hour
}

func (km *KeyManager) now() time.Time {
	if km.Now != nil {
		return km.Now()
	}
	return time.Now().UTC()
}

// makeKID derives a stable-ish kid from the public key material plus a short
// random suffix so regenerated keys never collide.
func makeKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write([]byte{byte(pub.E >> 24), byte(pub.E >> 16), byte(pub.E >> 8), byte(pub.E)})
	r := make([]byte, 4)
	_, _ = rand.Read(r)
	sum := h.Sum(nil)
	return fmt.Sprintf("rsa-%s-%s", hex.EncodeToString(sum[:6]), hex.EncodeToString(r))
}

/* ------------------------------- JWKS shape -------------------------------- */

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// RSAPublicJWK builds a minimal RSA JWK map (n,e) for the given key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}

// b64url encodes bytes using base64url without padding.
func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
