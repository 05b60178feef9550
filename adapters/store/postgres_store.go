package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/layer-3/custodian/adapters/store/migrations"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"github.com/pressly/goose/v3"
)

// DBTX is the subset of database/sql used by the queries.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore is a PostgreSQL implementation of the CredentialStore
// interface. Conditional updates are single statements guarded by their
// WHERE clause; multi-row changes run in a transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ ports.CredentialStore = (*PostgresStore)(nil)

// OpenPostgres opens and pings a pgx-backed database/sql handle
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back
// on error or panic.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	query :=
		`SELECT id, email, created_at, recovery_codes_acknowledged FROM users
		 WHERE id = $1`

	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	query :=
		`SELECT id, email, created_at, recovery_codes_acknowledged FROM users
		 WHERE email = $1`

	return scanUser(s.db.QueryRowContext(ctx, query, core.NormalizeEmail(email)))
}

func scanUser(row *sql.Row) (*core.User, error) {
	u := &core.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.CreatedAt, &u.RecoveryCodesAcknowledged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) AcknowledgeRecoveryCodes(ctx context.Context, userID string) error {
	query :=
		`UPDATE users SET recovery_codes_acknowledged = TRUE
		 WHERE id = $1 AND NOT recovery_codes_acknowledged`

	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("db error: %w", err)
	} else if n == 1 {
		return nil
	}

	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}
	return core.ErrAlreadyAcknowledged
}

func (s *PostgresStore) SaveRegistration(ctx context.Context, reg *ports.Registration) error {
	return s.withTx(ctx, func(tx DBTX) error {
		if reg.NewUser {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, email, created_at, recovery_codes_acknowledged)
				 VALUES ($1, $2, $3, FALSE)
				 ON CONFLICT DO NOTHING`,
				reg.User.ID, core.NormalizeEmail(reg.User.Email), reg.User.CreatedAt)
			if err := expectOneRow(res, err, core.ErrEmailUnavailable); err != nil {
				return err
			}
		} else {
			if err := lockUser(ctx, tx, reg.User.ID); err != nil {
				return err
			}
			// A reused user row is only claimable while it has no passkey
			var active int
			err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM credentials WHERE user_id = $1 AND revoked_at IS NULL`,
				reg.User.ID).Scan(&active)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			if active > 0 {
				return core.ErrEmailUnavailable
			}
		}

		if err := insertCredential(ctx, tx, reg.Credential); err != nil {
			return err
		}

		if acc := reg.Account; acc != nil {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO accounts (user_id, address, public_key, scheme, provenance, origin_credential_id, encrypted_seed, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (user_id) DO NOTHING`,
				acc.UserID, acc.Address, acc.PublicKey, acc.Scheme, string(acc.Provenance),
				acc.OriginCredentialID, acc.EncryptedSeed, acc.CreatedAt)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}

		return replaceCodes(ctx, tx, reg.User.ID, reg.RecoveryCodes)
	})
}

func (s *PostgresStore) SaveRecovery(ctx context.Context, rec *ports.Recovery) (int, error) {
	var revoked int
	err := s.withTx(ctx, func(tx DBTX) error {
		if err := lockUser(ctx, tx, rec.UserID); err != nil {
			return err
		}
		if err := insertCredential(ctx, tx, rec.Credential); err != nil {
			return err
		}
		if err := replaceCodes(ctx, tx, rec.UserID, rec.RecoveryCodes); err != nil {
			return err
		}

		if err := insertSession(ctx, tx, rec.Session); err != nil {
			return err
		}
		n, err := revokeUserSessions(ctx, tx, rec.UserID, rec.Session.ID, rec.At)
		revoked = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// lockUser takes the user's row lock so concurrent writers to the same user
// serialise
func lockUser(ctx context.Context, tx DBTX, userID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*core.Account, error) {
	query :=
		`SELECT user_id, address, public_key, scheme, provenance, origin_credential_id, encrypted_seed, created_at
		 FROM accounts WHERE user_id = $1`

	acc := &core.Account{}
	var provenance string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&acc.UserID, &acc.Address, &acc.PublicKey, &acc.Scheme, &provenance,
		&acc.OriginCredentialID, &acc.EncryptedSeed, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	acc.Provenance = core.Provenance(provenance)
	return acc, nil
}

// expectOneRow turns a zero-row conditional statement into onZero
func expectOneRow(res sql.Result, err error, onZero error) error {
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return onZero
	}
	return nil
}
