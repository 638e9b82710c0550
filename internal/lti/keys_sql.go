package lti

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// SQLKeyStorage persists tool keys in the tool_keys table. Private keys are
// stored as PKCS#1 PEM; the table never holds public material separately
// since it derives from the private half.
type SQLKeyStorage struct {
	DB *sql.DB
}

func (s *SQLKeyStorage) List(ctx context.Context) ([]ToolKey, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT kid, alg, private_pem, created_at, not_after FROM tool_keys`)
	if err != nil {
		return nil, fmt.Errorf("keys: list: %w", err)
	}
	defer rows.Close()

	var out []ToolKey
	for rows.Next() {
		var (
			k         ToolKey
			pemText   string
			createdAt int64
			notAfter  int64
		)
		if err := rows.Scan(&k.KID, &k.Alg, &pemText, &createdAt, &notAfter); err != nil {
			return nil, fmt.Errorf("keys: scan: %w", err)
		}
		k.CreatedAt = time.Unix(createdAt, 0).UTC()
		k.NotAfter = time.Unix(notAfter, 0).UTC()
		priv, err := decodePrivatePEM(pemText)
		if err != nil {
			return nil, fmt.Errorf("keys: %s: %w", k.KID, err)
		}
		k.Private = priv
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLKeyStorage) Save(ctx context.Context, k ToolKey) error {
	if k.KID == "" || k.Private == nil {
		return errors.New("keys: kid and private key required")
	}
	pemText := encodePrivatePEM(k.Private)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tool_keys (kid, alg, private_pem, created_at, not_after)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kid) DO UPDATE SET
			alg = EXCLUDED.alg,
			private_pem = EXCLUDED.private_pem,
			not_after = EXCLUDED.not_after`,
		k.KID, k.Alg, pemText, k.CreatedAt.Unix(), k.NotAfter.Unix())
	if err != nil {
		return fmt.Errorf("keys: save: %w", err)
	}
	return nil
}

func (s *SQLKeyStorage) Delete(ctx context.Context, kid string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tool_keys WHERE kid = $1`, kid)
	if err != nil {
		return fmt.Errorf("keys: delete: %w", err)
	}
	return nil
}

func encodePrivatePEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

func decodePrivatePEM(text string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
