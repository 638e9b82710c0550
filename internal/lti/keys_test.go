package lti_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/newton-ai/lti-gateway/internal/lti"
)

func newTestKeyManager(now *time.Time) *lti.KeyManager {
	return &lti.KeyManager{
		Storage:          lti.NewInMemoryKeyStorage(),
		RSAKeyBits:       1024, // small keys keep the test fast
		RotationInterval: 90 * 24 * time.Hour,
		Retention:        7 * 24 * time.Hour,
		Now:              func() time.Time { return *now },
	}
}

func jwkToRSA(t *testing.T, jwk map[string]any) *rsa.PublicKey {
	t.Helper()
	nb, err := base64.RawURLEncoding.DecodeString(jwk["n"].(string))
	if err != nil {
		t.Fatalf("decode n: %v", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(jwk["e"].(string))
	if err != nil {
		t.Fatalf("decode e: %v", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(new(big.Int).SetBytes(eb).Int64())}
}

func TestKeyManagerSignVerifiesAgainstPublishedJWKS(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	km := newTestKeyManager(&now)
	ctx := context.Background()

	signed, err := km.Sign(ctx, jwt.MapClaims{
		"iss": "https://tool.example.com",
		"sub": "user-42",
		"exp": now.Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	set, err := km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("jwks has %d keys, want 1", len(set.Keys))
	}

	keysByKID := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if k["kty"] != "RSA" || k["alg"] != "RS256" || k["use"] != "sig" {
			t.Fatalf("unexpected jwk shape: %+v", k)
		}
		keysByKID[k["kid"].(string)] = jwkToRSA(t, k)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		key, ok := keysByKID[kid]
		if !ok {
			return nil, errors.New("kid not in published set")
		}
		return key, nil
	})
	if err != nil || !tok.Valid {
		t.Fatalf("verify: %v", err)
	}
	if claims["sub"] != "user-42" {
		t.Fatalf("claims lost in transit: %+v", claims)
	}
	if claims["jti"] == nil || claims["jti"] == "" {
		t.Fatalf("signed token missing jti")
	}
}

func TestKeyManagerRotateKeepsRetiredKeysPublished(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	km := newTestKeyManager(&now)
	ctx := context.Background()

	first, err := km.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	now = now.Add(time.Minute)
	second, err := km.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if first.KID == second.KID {
		t.Fatalf("rotation reused kid %s", first.KID)
	}

	set, err := km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("jwks has %d keys after rotation, want 2", len(set.Keys))
	}

	// The newest key signs.
	kid, err := km.ActiveKID(ctx)
	if err != nil {
		t.Fatalf("active kid: %v", err)
	}
	if kid != second.KID {
		t.Fatalf("active kid = %s, want %s", kid, second.KID)
	}
}

func TestKeyManagerDropsKeysPastRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	km := newTestKeyManager(&now)
	ctx := context.Background()

	old, err := km.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Past NotAfter but inside retention: still published, no longer active.
	now = old.NotAfter.Add(24 * time.Hour)
	fresh, err := km.Rotate(ctx)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	set, err := km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("retired key dropped early: %d keys, want 2", len(set.Keys))
	}

	// Past retention: gone from the set on the next rotation sweep.
	now = old.NotAfter.Add(8 * 24 * time.Hour)
	if _, err := km.Rotate(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	set, err = km.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	for _, k := range set.Keys {
		if k["kid"] == old.KID {
			t.Fatalf("key %s still published past retention", old.KID)
		}
	}
	found := false
	for _, k := range set.Keys {
		if k["kid"] == fresh.KID {
			found = true
		}
	}
	if !found {
		t.Fatalf("key %s missing from set", fresh.KID)
	}
}

func TestKeyManagerActiveKIDWithoutKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	km := newTestKeyManager(&now)
	if _, err := km.ActiveKID(context.Background()); !errors.Is(err, lti.ErrNoActiveKey) {
		t.Fatalf("got %v, want ErrNoActiveKey", err)
	}
}
