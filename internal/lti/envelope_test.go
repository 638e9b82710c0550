package lti_test

import (
	"errors"
	"testing"
	"time"

	"github.com/newton-ai/lti-gateway/internal/lti"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := lti.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	st := lti.OIDCState{
		State:         "abc",
		Nonce:         "def",
		Issuer:        "https://lms.example.edu",
		ClientID:      "tool-123",
		LoginHint:     "user-42",
		TargetLinkURI: "https://tool.example.com/launch",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		ExpiresAt:     time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second),
	}

	token, err := s.Seal(st)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := s.Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.State != st.State || got.Nonce != st.Nonce || got.Issuer != st.Issuer || got.LoginHint != st.LoginHint {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// Distinct seals of the same record differ (fresh nonce each time).
	token2, err := s.Seal(st)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if token == token2 {
		t.Fatalf("sealed tokens must not repeat")
	}
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := lti.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	token, err := s.Seal(lti.OIDCState{State: "abc", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Flip one character of the ciphertext.
	mutated := []byte(token)
	i := len(mutated) / 2
	if mutated[i] == 'A' {
		mutated[i] = 'B'
	} else {
		mutated[i] = 'A'
	}

	if _, err := s.Open(string(mutated)); !errors.Is(err, lti.ErrEnvelopeInvalid) {
		t.Fatalf("tampered open: got %v, want ErrEnvelopeInvalid", err)
	}
	if _, err := s.Open("not-base64!!"); !errors.Is(err, lti.ErrEnvelopeInvalid) {
		t.Fatalf("garbage open: got %v, want ErrEnvelopeInvalid", err)
	}
	if _, err := s.Open(""); !errors.Is(err, lti.ErrEnvelopeInvalid) {
		t.Fatalf("empty open: got %v, want ErrEnvelopeInvalid", err)
	}
}

func TestSealerRejectsOtherKey(t *testing.T) {
	a, _ := lti.NewSealer("secret-a")
	b, _ := lti.NewSealer("secret-b")

	token, err := a.Seal(lti.OIDCState{State: "abc", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(token); !errors.Is(err, lti.ErrEnvelopeInvalid) {
		t.Fatalf("cross-key open: got %v, want ErrEnvelopeInvalid", err)
	}
}

func TestSealerRejectsExpired(t *testing.T) {
	s, err := lti.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	token, err := s.Seal(lti.OIDCState{State: "abc", ExpiresAt: now.Add(5 * time.Minute)})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open(token); err != nil {
		t.Fatalf("open before expiry: %v", err)
	}

	now = now.Add(6 * time.Minute)
	if _, err := s.Open(token); !errors.Is(err, lti.ErrEnvelopeInvalid) {
		t.Fatalf("open after expiry: got %v, want ErrEnvelopeInvalid", err)
	}
}

func TestSealerRequiresSecret(t *testing.T) {
	if _, err := lti.NewSealer(""); err == nil {
		t.Fatalf("empty secret accepted")
	}
}
