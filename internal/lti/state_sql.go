package lti

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStateStore keeps OIDCState rows in lti_state. The consume step is a
// conditional UPDATE so the single-winner guarantee holds across processes
// without any application-level lock.
type SQLStateStore struct {
	DB   *sql.DB
	TTL  time.Duration // bounded lifetime of a login attempt
	Skew time.Duration // clock tolerance applied to the expiry check
	Now  func() time.Time
}

func (s *SQLStateStore) Create(ctx context.Context, req StateRequest) (OIDCState, error) {
	st := newState(req, s.now(), s.ttl())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_state (state, nonce, issuer, client_id, login_hint, message_hint, target_link_uri, consumed, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8,$9)`,
		st.State, st.Nonce, st.Issuer, st.ClientID, st.LoginHint, st.MessageHint, st.TargetLinkURI,
		st.CreatedAt.Unix(), st.ExpiresAt.Unix())
	if err != nil {
		return OIDCState{}, fmt.Errorf("state: create: %w", err)
	}
	return st, nil
}

func (s *SQLStateStore) Consume(ctx context.Context, state string) (OIDCState, error) {
	if state == "" {
		return OIDCState{}, ErrStateNotFound
	}

	// Test-and-set: only the first caller flips consumed.
	res, err := s.DB.ExecContext(ctx, `
		UPDATE lti_state SET consumed=TRUE WHERE state=$1 AND NOT consumed`, state)
	if err != nil {
		return OIDCState{}, fmt.Errorf("state: consume: %w", err)
	}
	won, err := res.RowsAffected()
	if err != nil {
		return OIDCState{}, fmt.Errorf("state: consume: %w", err)
	}

	st, err := s.load(ctx, state)
	if err != nil {
		return OIDCState{}, err
	}
	if won == 0 {
		return OIDCState{}, ErrStateConsumed
	}
	if s.now().After(st.ExpiresAt.Add(s.Skew)) {
		return OIDCState{}, ErrStateExpired
	}
	return st, nil
}

func (s *SQLStateStore) load(ctx context.Context, state string) (OIDCState, error) {
	var st OIDCState
	var createdAt, expiresAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT state, nonce, issuer, client_id, login_hint, message_hint, target_link_uri, consumed, created_at, expires_at
		FROM lti_state WHERE state=$1`, state).
		Scan(&st.State, &st.Nonce, &st.Issuer, &st.ClientID, &st.LoginHint, &st.MessageHint, &st.TargetLinkURI,
			&st.Consumed, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OIDCState{}, ErrStateNotFound
	}
	if err != nil {
		return OIDCState{}, fmt.Errorf("state: load: %w", err)
	}
	st.CreatedAt = time.Unix(createdAt, 0).UTC()
	st.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return st, nil
}

// PurgeExpired removes records past expiry regardless of consumption. Skew
// is added so a row cannot be purged while Consume could still accept it.
func (s *SQLStateStore) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.Skew).Unix()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM lti_state WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("state: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStateStore) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 5 * time.Minute
}

func (s *SQLStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
