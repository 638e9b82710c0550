package lti

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

/*
Sealed state envelope.

Some LMS deployments run the tool inside an iframe where third-party
storage is unreliable, so the redirect metadata is additionally sealed
into an authenticated-encryption token bound one-to-one with the store
record. Tampering is detectable on its own, independent of the lookup.
The envelope is a fallback: when the durable store has the record, the
store's single-use semantics win.
*/

const envelopeSalt = "newton-lti-state"

// ErrEnvelopeInvalid covers undecodable, tampered, or expired envelopes.
var ErrEnvelopeInvalid = errors.New("envelope: invalid or expired")

// Sealer seals and opens OIDCState envelopes with AES-256-GCM. The key is
// derived once from the configured secret via scrypt.
type Sealer struct {
	aead cipher.AEAD
	Now  func() time.Time
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("envelope: secret is required")
	}
	key, err := scrypt.Key([]byte(secret), []byte(envelopeSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts the record into a base64url token: nonce || ciphertext+tag.
func (s *Sealer) Seal(st OIDCState) (string, error) {
	plain, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a sealed token and enforces its expiry.
func (s *Sealer) Open(token string) (OIDCState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return OIDCState{}, ErrEnvelopeInvalid
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return OIDCState{}, ErrEnvelopeInvalid
	}
	var st OIDCState
	if err := json.Unmarshal(plain, &st); err != nil {
		return OIDCState{}, ErrEnvelopeInvalid
	}
	if s.now().After(st.ExpiresAt) {
		return OIDCState{}, ErrEnvelopeInvalid
	}
	return st, nil
}

func (s *Sealer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
