package lti

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLRegistry reads and writes lti_platforms. Reads serve the launch-trust
// core; writes serve the admin registration API.
type SQLRegistry struct {
	DB  *sql.DB
	Now func() time.Time
}

const platformColumns = `issuer, client_id, COALESCE(deployment_id,''), oidc_auth_url, jwks_url, token_url, name, created_at`

func scanPlatform(row *sql.Row) (Platform, error) {
	var p Platform
	var createdAt int64
	err := row.Scan(&p.Issuer, &p.ClientID, &p.DeploymentID, &p.OIDCAuthURL, &p.JWKSURL, &p.TokenURL, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, ErrPlatformNotFound
	}
	if err != nil {
		return Platform{}, err
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}

func (r *SQLRegistry) ByIssuer(ctx context.Context, issuer string) (Platform, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+platformColumns+` FROM lti_platforms
		WHERE issuer=$1 ORDER BY created_at, client_id LIMIT 1`, issuer)
	return scanPlatform(row)
}

func (r *SQLRegistry) ByClientID(ctx context.Context, clientID string) (Platform, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+platformColumns+` FROM lti_platforms
		WHERE client_id=$1 ORDER BY created_at, issuer LIMIT 1`, clientID)
	return scanPlatform(row)
}

// Upsert inserts or replaces a registration keyed by (issuer, client_id).
func (r *SQLRegistry) Upsert(ctx context.Context, p Platform) error {
	now := r.now()
	var dep any
	if p.DeploymentID != "" {
		dep = p.DeploymentID
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO lti_platforms (issuer, client_id, deployment_id, oidc_auth_url, jwks_url, token_url, name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (issuer, client_id)
		DO UPDATE SET
			deployment_id=EXCLUDED.deployment_id,
			oidc_auth_url=EXCLUDED.oidc_auth_url,
			jwks_url=EXCLUDED.jwks_url,
			token_url=EXCLUDED.token_url,
			name=EXCLUDED.name`,
		p.Issuer, p.ClientID, dep, p.OIDCAuthURL, p.JWKSURL, p.TokenURL, p.Name, now.Unix())
	return err
}

func (r *SQLRegistry) Delete(ctx context.Context, issuer, clientID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM lti_platforms WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPlatformNotFound
	}
	return nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]Platform, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+platformColumns+` FROM lti_platforms ORDER BY name, issuer, client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Platform
	for rows.Next() {
		var p Platform
		var createdAt int64
		if err := rows.Scan(&p.Issuer, &p.ClientID, &p.DeploymentID, &p.OIDCAuthURL, &p.JWKSURL, &p.TokenURL, &p.Name, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
