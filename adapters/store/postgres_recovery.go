package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
)

func replaceCodes(ctx context.Context, tx DBTX, userID string, codes []core.RecoveryCode) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, rc := range codes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recovery_codes (id, user_id, salt, hash, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			rc.ID, userID, rc.Salt, rc.Hash, rc.CreatedAt)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET recovery_codes_acknowledged = FALSE WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnconsumedRecoveryCodes(ctx context.Context, userID string) ([]core.RecoveryCode, error) {
	query :=
		`SELECT id, user_id, salt, hash, created_at FROM recovery_codes
		 WHERE user_id = $1 AND consumed_at IS NULL`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []core.RecoveryCode
	for rows.Next() {
		var rc core.RecoveryCode
		if err := rows.Scan(&rc.ID, &rc.UserID, &rc.Salt, &rc.Hash, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ConsumeRecoveryCode(ctx context.Context, codeID string, at time.Time) error {
	query :=
		`UPDATE recovery_codes SET consumed_at = $2
		 WHERE id = $1 AND consumed_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, codeID, at)
	return expectOneRow(res, err, core.ErrAlreadyConsumed)
}

func (s *PostgresStore) CountUnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	query :=
		`SELECT count(*) FROM recovery_codes
		 WHERE user_id = $1 AND consumed_at IS NULL`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []core.RecoveryCode) error {
	return s.withTx(ctx, func(tx DBTX) error {
		return replaceCodes(ctx, tx, userID, codes)
	})
}

func (s *PostgresStore) RecordRecoveryAttempt(ctx context.Context, attempt core.RecoveryAttempt) error {
	query :=
		`INSERT INTO recovery_attempts (subject, user_id, success, remote_addr, at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		attempt.Subject, attempt.UserID, attempt.Success, attempt.RemoteAddr, attempt.At)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecoveryFailuresSince(ctx context.Context, subject string, since time.Time) (int, time.Time, error) {
	query :=
		`SELECT count(*), min(at) FROM recovery_attempts
		 WHERE subject = $1 AND NOT success AND at >= $2`

	var (
		n      int
		oldest sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, subject, since).Scan(&n, &oldest); err != nil {
		return 0, time.Time{}, fmt.Errorf("db error: %w", err)
	}
	return n, oldest.Time, nil
}
