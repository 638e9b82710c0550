package lti

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

/*
State and nonce management for the OIDC login flow.

Every login initiation mints one OIDCState record: an opaque `state` token
the platform round-trips back to us, and a `nonce` embedded in the id_token
request. The record is single-use; Consume is the anti-replay core of the
whole subsystem and must admit exactly one winner per state even across
processes, so SQL implementations do the test-and-set in the database.
*/

// OIDCState is one in-flight login attempt.
type OIDCState struct {
	State         string `json:"state"`
	Nonce         string `json:"nonce"`
	Issuer        string `json:"issuer"`
	ClientID      string `json:"client_id"`
	LoginHint     string `json:"login_hint,omitempty"`
	MessageHint   string `json:"lti_message_hint,omitempty"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"-"`
}

// Rejected reasons. Distinguished internally for diagnostics; the external
// caller sees the same "invalid or expired launch" for all three.
var (
	ErrStateNotFound = errors.New("state: not found")
	ErrStateExpired  = errors.New("state: expired")
	ErrStateConsumed = errors.New("state: already consumed")
)

// StateRequest carries the login-initiation parameters bound to a new state.
type StateRequest struct {
	Issuer        string
	ClientID      string
	LoginHint     string
	MessageHint   string
	TargetLinkURI string
}

// StateStore persists in-flight login attempts.
type StateStore interface {
	// Create mints fresh state and nonce tokens and persists the record with
	// the store's TTL.
	Create(ctx context.Context, req StateRequest) (OIDCState, error)

	// Consume atomically marks the record consumed. Exactly one concurrent
	// caller wins; later callers get ErrStateConsumed. Expired records yield
	// ErrStateExpired even if never consumed.
	Consume(ctx context.Context, state string) (OIDCState, error)

	// PurgeExpired deletes records past their TTL, returning the count.
	PurgeExpired(ctx context.Context) (int64, error)
}

// tokenBytes gives 256 bits of entropy per token, comfortably past the
// 128-bit floor for unguessable state.
const tokenBytes = 32

func randToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("lti: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// newState builds an unsaved record with fresh tokens.
func newState(req StateRequest, now time.Time, ttl time.Duration) OIDCState {
	return OIDCState{
		State:         randToken(),
		Nonce:         randToken(),
		Issuer:        req.Issuer,
		ClientID:      req.ClientID,
		LoginHint:     req.LoginHint,
		MessageHint:   req.MessageHint,
		TargetLinkURI: req.TargetLinkURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}
