package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgres_GetUserByEmail(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	rows := sqlmock.NewRows([]string{"id", "email", "created_at", "recovery_codes_acknowledged"}).
		AddRow("u1", "alice@example.com", t0, true)
	mock.ExpectQuery(`SELECT id, email, created_at, recovery_codes_acknowledged FROM users\s+WHERE email = \$1`).
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	u, err := s.GetUserByEmail(context.Background(), " Alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, &core.User{ID: "u1", Email: "alice@example.com", CreatedAt: t0, RecoveryCodesAcknowledged: true}, u)
}

func TestPostgres_GetUser_NotFound(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPostgres_GetUser_DBError(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).
		WithArgs("u1").
		WillReturnError(errors.New("db down"))

	_, err := s.GetUser(context.Background(), "u1")
	assert.ErrorContains(t, err, "db error: db down")
}

func TestPostgres_AcknowledgeRecoveryCodes(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`UPDATE users SET recovery_codes_acknowledged = TRUE\s+WHERE id = \$1 AND NOT recovery_codes_acknowledged`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.AcknowledgeRecoveryCodes(context.Background(), "u1"))

	mock.ExpectExec(`UPDATE users SET recovery_codes_acknowledged = TRUE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "created_at", "recovery_codes_acknowledged"}).
			AddRow("u1", "alice@example.com", t0, true))
	assert.ErrorIs(t, s.AcknowledgeRecoveryCodes(context.Background(), "u1"), core.ErrAlreadyAcknowledged)
}

func registration() *ports.Registration {
	return &ports.Registration{
		User:       &core.User{ID: "u1", Email: "alice@example.com", CreatedAt: t0},
		NewUser:    true,
		Credential: &core.Credential{ID: []byte("cred-1"), UserID: "u1", PublicKey: []byte("pk"), CreatedAt: t0},
		Account: &core.Account{
			UserID: "u1", Address: "0xabc", PublicKey: []byte("pub"), Scheme: "secp256k1",
			Provenance: core.ProvenanceServer, OriginCredentialID: []byte("cred-1"), EncryptedSeed: []byte("blob"), CreatedAt: t0,
		},
		RecoveryCodes: []core.RecoveryCode{{ID: "rc1", UserID: "u1", Salt: []byte("s"), Hash: []byte("h"), CreatedAt: t0}},
	}
}

func TestPostgres_SaveRegistration(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", "alice@example.com", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credentials`).
		WithArgs([]byte("cred-1"), "u1", []byte("pk"), int64(0), "", false, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("u1", "0xabc", []byte("pub"), "secp256k1", "server", []byte("cred-1"), []byte("blob"), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM recovery_codes WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO recovery_codes`).
		WithArgs("rc1", "u1", []byte("s"), []byte("h"), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET recovery_codes_acknowledged = FALSE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRegistration(context.Background(), registration()))
}

func TestPostgres_SaveRegistration_EmailTaken(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveRegistration(context.Background(), registration())
	assert.ErrorIs(t, err, core.ErrEmailUnavailable)
}

func TestPostgres_SaveRegistration_CredentialTaken(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credentials`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveRegistration(context.Background(), registration())
	assert.ErrorIs(t, err, core.ErrCredentialExists)
}

func TestPostgres_SaveRegistration_ReusedUserClaimed(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	reg := registration()
	reg.NewUser = false

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM credentials WHERE user_id = \$1 AND revoked_at IS NULL`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := s.SaveRegistration(context.Background(), reg)
	assert.ErrorIs(t, err, core.ErrEmailUnavailable)
}

func TestPostgres_SaveRegistration_ReusedUser(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	reg := registration()
	reg.NewUser = false
	reg.Account = nil
	reg.RecoveryCodes = nil

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery(`SELECT count\(\*\) FROM credentials`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO credentials`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM recovery_codes WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE users SET recovery_codes_acknowledged = FALSE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRegistration(context.Background(), reg))
}

func recovery() *ports.Recovery {
	return &ports.Recovery{
		UserID:        "u1",
		Credential:    &core.Credential{ID: []byte("cred-2"), UserID: "u1", PublicKey: []byte("pk"), CreatedAt: t0},
		RecoveryCodes: []core.RecoveryCode{{ID: "rc2", UserID: "u1", Salt: []byte("s"), Hash: []byte("h"), CreatedAt: t0}},
		Session:       &core.Session{ID: "s-new", UserID: "u1", IssuedAt: t0, ExpiresAt: t0.Add(time.Hour), LastActiveAt: t0},
		At:            t0,
	}
}

func TestPostgres_SaveRecovery(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectExec(`INSERT INTO credentials`).
		WithArgs([]byte("cred-2"), "u1", []byte("pk"), int64(0), "", false, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM recovery_codes WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec(`INSERT INTO recovery_codes`).
		WithArgs("rc2", "u1", []byte("s"), []byte("h"), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET recovery_codes_acknowledged = FALSE`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("s-new", "u1", t0, t0.Add(time.Hour), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sessions SET revoked_at = \$3\s+WHERE user_id = \$1 AND id <> \$2 AND revoked_at IS NULL`).
		WithArgs("u1", "s-new", t0).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	n, err := s.SaveRecovery(context.Background(), recovery())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPostgres_SaveRecovery_RollsBack(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectExec(`INSERT INTO credentials`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM recovery_codes`).
		WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	_, err := s.SaveRecovery(context.Background(), recovery())
	assert.ErrorContains(t, err, "db down")
}

func TestPostgres_SaveRecovery_UnknownUser(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.SaveRecovery(context.Background(), recovery())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPostgres_GetCredential(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "public_key", "sign_count", "friendly_name", "backup_eligible", "created_at", "last_used_at", "revoked_at"}).
		AddRow([]byte("cred-1"), "u1", []byte("pk"), int64(7), "laptop", true, t0, t0, nil)
	mock.ExpectQuery(`SELECT id, user_id, public_key, sign_count, .* FROM credentials WHERE id = \$1`).
		WithArgs([]byte("cred-1")).
		WillReturnRows(rows)

	c, err := s.GetCredential(context.Background(), []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), c.SignCount)
	assert.Equal(t, "laptop", c.FriendlyName)
	assert.True(t, c.BackupEligible)
	require.NotNil(t, c.LastUsedAt)
	assert.Nil(t, c.RevokedAt)
}

func TestPostgres_UpdateCredentialUsage(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	q := `UPDATE credentials SET sign_count = \$2, last_used_at = \$3\s+WHERE id = \$1 AND revoked_at IS NULL AND sign_count < \$2`

	mock.ExpectExec(q).
		WithArgs([]byte("cred-1"), int64(2), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.UpdateCredentialUsage(context.Background(), []byte("cred-1"), 2, t0))

	mock.ExpectExec(q).
		WithArgs([]byte("cred-1"), int64(2), t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.UpdateCredentialUsage(context.Background(), []byte("cred-1"), 2, t0)
	assert.ErrorIs(t, err, core.ErrCounterNotIncreased)
}

func TestPostgres_RevokeCredential_Last(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM credentials\s+WHERE user_id = \$1 AND revoked_at IS NULL\s+FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow([]byte("cred-1")))
	mock.ExpectRollback()

	err := s.RevokeCredential(context.Background(), "u1", []byte("cred-1"), t0)
	assert.ErrorIs(t, err, core.ErrLastCredential)
}

func TestPostgres_RevokeCredential(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM credentials`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow([]byte("cred-1")).AddRow([]byte("cred-2")))
	mock.ExpectExec(`UPDATE credentials SET revoked_at = \$3 WHERE id = \$1 AND user_id = \$2`).
		WithArgs([]byte("cred-1"), "u1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.RevokeCredential(context.Background(), "u1", []byte("cred-1"), t0))
}

func TestPostgres_ConsumeRecoveryCode(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	q := `UPDATE recovery_codes SET consumed_at = \$2\s+WHERE id = \$1 AND consumed_at IS NULL`

	mock.ExpectExec(q).WithArgs("rc1", t0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("rc1", t0).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.ConsumeRecoveryCode(context.Background(), "rc1", t0))
	assert.ErrorIs(t, s.ConsumeRecoveryCode(context.Background(), "rc1", t0), core.ErrAlreadyConsumed)
}

func TestPostgres_RecordRecoveryAttempt(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	q := `INSERT INTO recovery_attempts \(subject, user_id, success, remote_addr, at\)\s+VALUES \(\$1, NULLIF\(\$2, ''\), \$3, \$4, \$5\)`

	mock.ExpectExec(q).
		WithArgs("subj", "", false, "10.0.0.1", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordRecoveryAttempt(context.Background(), core.RecoveryAttempt{
		Subject: "subj", RemoteAddr: "10.0.0.1", At: t0,
	})
	require.NoError(t, err)
}

func TestPostgres_RecoveryFailuresSince(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	since := t0.Add(-time.Hour)

	mock.ExpectQuery(`SELECT count\(\*\), min\(at\) FROM recovery_attempts\s+WHERE subject = \$1`).
		WithArgs("subj", since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(3, t0))

	n, oldest, err := s.RecoveryFailuresSince(context.Background(), "subj", since)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, t0, oldest)
}

func TestPostgres_GetSession(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT id, user_id, issued_at, expires_at, last_active_at, revoked_at FROM sessions`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "issued_at", "expires_at", "last_active_at", "revoked_at"}).
			AddRow("s1", "u1", t0, t0.Add(time.Hour), t0, nil))

	sess, err := s.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Nil(t, sess.RevokedAt)
}

func TestRunMigrations(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	require.NoError(t, RunMigrations(context.Background(), db))

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	assert.ErrorContains(t, RunMigrations(context.Background(), db), "boom")
}
