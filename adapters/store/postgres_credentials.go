package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
)

const credentialColumns = `id, user_id, public_key, sign_count, friendly_name, backup_eligible, created_at, last_used_at, revoked_at`

func insertCredential(ctx context.Context, tx DBTX, c *core.Credential) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, public_key, sign_count, friendly_name, backup_eligible, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		c.ID, c.UserID, c.PublicKey, int64(c.SignCount), c.FriendlyName, c.BackupEligible, c.CreatedAt)
	return expectOneRow(res, err, core.ErrCredentialExists)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*core.Credential, error) {
	var (
		c          core.Credential
		signCount  int64
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PublicKey, &signCount, &c.FriendlyName,
		&c.BackupEligible, &c.CreatedAt, &lastUsedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	c.SignCount = uint32(signCount)
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	return &c, nil
}

func (s *PostgresStore) AddCredential(ctx context.Context, cred *core.Credential) error {
	return insertCredential(ctx, s.db, cred)
}

func (s *PostgresStore) GetCredential(ctx context.Context, id []byte) (*core.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	c, err := scanCredential(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, userID string) ([]core.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials
		 WHERE user_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []core.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// UpdateCredentialUsage only matches when the stored counter is lower, so
// two racing logins with the same counter cannot both succeed.
func (s *PostgresStore) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	query :=
		`UPDATE credentials SET sign_count = $2, last_used_at = $3
		 WHERE id = $1 AND revoked_at IS NULL AND sign_count < $2`

	res, err := s.db.ExecContext(ctx, query, id, int64(counter), usedAt)
	return expectOneRow(res, err, core.ErrCounterNotIncreased)
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, userID string, id []byte, at time.Time) error {
	return s.withTx(ctx, func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM credentials
			 WHERE user_id = $1 AND revoked_at IS NULL
			 FOR UPDATE`, userID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		var (
			active int
			found  bool
		)
		for rows.Next() {
			var cid []byte
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return fmt.Errorf("db error: %w", err)
			}
			active++
			if bytes.Equal(cid, id) {
				found = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		if !found {
			return core.ErrNotFound
		}
		if active <= 1 {
			return core.ErrLastCredential
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE credentials SET revoked_at = $3 WHERE id = $1 AND user_id = $2`,
			id, userID, at)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}
