package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ActiveCredential returns the active credential for a user, or ErrNotFound
// when the user has none (logged out, or refresh permanently failed).
func (s *DB) ActiveCredential(ctx context.Context, userID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, refresh_token, token_uri, client_id, client_secret,
		   scopes_json, expires_at, active, created_at, updated_at
		 FROM credentials WHERE user_id = ? AND active = 1`, userID)

	var c Credential
	var rt, ea, ca, ua sql.NullString
	var active int
	err := row.Scan(&c.UserID, &c.AccessToken, &rt, &c.TokenURI, &c.ClientID,
		&c.ClientSecret, &c.ScopesJSON, &ea, &active, &ca, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.RefreshToken = strOf(rt)
	c.ExpiresAt = parseTime(ea)
	c.Active = active != 0
	c.CreatedAt = parseTime(ca)
	c.UpdatedAt = parseTime(ua)
	return &c, nil
}

// UpsertCredential stores a credential obtained from a fresh authorization,
// replacing any previous credential for the user and reactivating it.
func (s *DB) UpsertCredential(ctx context.Context, c *Credential) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, access_token, refresh_token, token_uri, client_id,
		   client_secret, scopes_json, expires_at, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,1,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   token_uri = excluded.token_uri,
		   client_id = excluded.client_id,
		   client_secret = excluded.client_secret,
		   scopes_json = excluded.scopes_json,
		   expires_at = excluded.expires_at,
		   active = 1,
		   updated_at = excluded.updated_at`,
		c.UserID, c.AccessToken, nullStr(c.RefreshToken), c.TokenURI, c.ClientID,
		c.ClientSecret, c.ScopesJSON, fmtTime(c.ExpiresAt), fmtTime(c.CreatedAt),
		fmtTime(c.UpdatedAt),
	)
	return err
}

// UpdateCredentialToken persists a refreshed access token and expiry in place.
func (s *DB) UpdateCredentialToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token = ?, expires_at = ?, updated_at = ?
		 WHERE user_id = ? AND active = 1`,
		accessToken, fmtTime(expiresAt), fmtTime(time.Now()), userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeactivateCredential soft-deletes a credential. The row is kept for audit;
// a later UpsertCredential reactivates the user.
func (s *DB) DeactivateCredential(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET active = 0, updated_at = ? WHERE user_id = ?`,
		fmtTime(time.Now()), userID,
	)
	return err
}

func (s *DB) ActiveCredentialUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM credentials WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
