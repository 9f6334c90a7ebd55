package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore persists platforms in the lti_platforms table.
type SQLStore struct {
	DB  *sqlx.DB
	Now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore { return &SQLStore{DB: db, Now: time.Now} }

type platformRow struct {
	Platform
	CreatedUnix int64 `db:"created_at"`
	UpdatedUnix int64 `db:"updated_at"`
}

func (r platformRow) toPlatform() Platform {
	p := r.Platform
	p.CreatedAt = time.Unix(r.CreatedUnix, 0).UTC()
	p.UpdatedAt = time.Unix(r.UpdatedUnix, 0).UTC()
	return p
}

const selectPlatform = `SELECT issuer, client_id, deployment_id, authentication_endpoint,
  access_token_endpoint, jwks_endpoint, created_at, updated_at FROM lti_platforms`

func (s *SQLStore) FindByIssuer(ctx context.Context, issuer string) (Platform, error) {
	var row platformRow
	q := s.DB.Rebind(selectPlatform + ` WHERE issuer = ?`)
	if err := s.DB.GetContext(ctx, &row, q, NormalizeIssuer(issuer)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Platform{}, ErrNotFound
		}
		return Platform{}, err
	}
	return row.toPlatform(), nil
}

func (s *SQLStore) FindByIssuerClientDeployment(ctx context.Context, issuer, clientID, deploymentID string) (Platform, error) {
	var row platformRow
	q := s.DB.Rebind(selectPlatform + ` WHERE issuer = ? AND client_id = ? AND deployment_id = ?`)
	if err := s.DB.GetContext(ctx, &row, q, NormalizeIssuer(issuer), clientID, deploymentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Platform{}, ErrNotFound
		}
		return Platform{}, err
	}
	return row.toPlatform(), nil
}

func (s *SQLStore) Upsert(ctx context.Context, p Platform) (Platform, error) {
	p = normalize(p)
	now := s.Now().UTC().Unix()
	q := s.DB.Rebind(`
INSERT INTO lti_platforms (issuer, client_id, deployment_id, authentication_endpoint,
  access_token_endpoint, jwks_endpoint, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (issuer) DO UPDATE SET
  client_id = excluded.client_id,
  deployment_id = excluded.deployment_id,
  authentication_endpoint = excluded.authentication_endpoint,
  access_token_endpoint = excluded.access_token_endpoint,
  jwks_endpoint = excluded.jwks_endpoint,
  updated_at = excluded.updated_at`)
	if _, err := s.DB.ExecContext(ctx, q, p.Issuer, p.ClientID, p.DeploymentID,
		p.AuthenticationEndpoint, p.AccessTokenEndpoint, p.JWKSEndpoint, now, now); err != nil {
		return Platform{}, err
	}
	return s.FindByIssuer(ctx, p.Issuer)
}

func (s *SQLStore) List(ctx context.Context) ([]Platform, error) {
	var rows []platformRow
	if err := s.DB.SelectContext(ctx, &rows, selectPlatform+` ORDER BY issuer`); err != nil {
		return nil, err
	}
	out := make([]Platform, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPlatform())
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, issuer string) error {
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`DELETE FROM lti_platforms WHERE issuer = ?`), NormalizeIssuer(issuer))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
