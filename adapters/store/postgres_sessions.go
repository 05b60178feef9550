package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
)

func insertSession(ctx context.Context, tx DBTX, session *core.Session) error {
	query :=
		`INSERT INTO sessions (id, user_id, issued_at, expires_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5)`

	_, err := tx.ExecContext(ctx, query,
		session.ID, session.UserID, session.IssuedAt, session.ExpiresAt, session.LastActiveAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *core.Session) error {
	return insertSession(ctx, s.db, session)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	query :=
		`SELECT id, user_id, issued_at, expires_at, last_active_at, revoked_at FROM sessions
		 WHERE id = $1`

	var (
		sess      core.Session
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.IssuedAt, &sess.ExpiresAt, &sess.LastActiveAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if revokedAt.Valid {
		sess.RevokedAt = &revokedAt.Time
	}
	return &sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query :=
		`UPDATE sessions SET last_active_at = $2
		 WHERE id = $1 AND last_active_at < $2`

	if _, err := s.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	query :=
		`UPDATE sessions SET revoked_at = $2
		 WHERE id = $1 AND revoked_at IS NULL`

	if _, err := s.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// revokeUserSessions revokes every active session of the user except keep
func revokeUserSessions(ctx context.Context, tx DBTX, userID, keep string, at time.Time) (int, error) {
	query :=
		`UPDATE sessions SET revoked_at = $3
		 WHERE user_id = $1 AND id <> $2 AND revoked_at IS NULL`

	res, err := tx.ExecContext(ctx, query, userID, keep, at)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
