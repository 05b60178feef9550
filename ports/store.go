package ports

import (
	"context"
	"time"

	"github.com/layer-3/custodian/core"
)

// Registration is everything a successful registration persists at once
type Registration struct {
	User          *core.User
	NewUser       bool
	Credential    *core.Credential
	Account       *core.Account // nil keeps the user's existing account
	RecoveryCodes []core.RecoveryCode
}

// Recovery is everything a completed email recovery persists at once: the
// new passkey, a fresh recovery code batch and the session that replaces
// every other session of the user.
type Recovery struct {
	UserID        string
	Credential    *core.Credential
	RecoveryCodes []core.RecoveryCode
	Session       *core.Session
	At            time.Time
}

// UserStore holds identity records
type UserStore interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	GetUserByEmail(ctx context.Context, email string) (*core.User, error)
	// AcknowledgeRecoveryCodes flips the flag and returns
	// core.ErrAlreadyAcknowledged when it was already set.
	AcknowledgeRecoveryCodes(ctx context.Context, userID string) error
}

// CredentialRepository holds passkeys
type CredentialRepository interface {
	AddCredential(ctx context.Context, cred *core.Credential) error
	// GetCredential returns revoked credentials too; callers decide.
	GetCredential(ctx context.Context, id []byte) (*core.Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]core.Credential, error)
	// UpdateCredentialUsage stores counter only if it is strictly greater
	// than the stored one, otherwise core.ErrCounterNotIncreased.
	UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error
	// RevokeCredential fails with core.ErrLastCredential when id is the
	// user's only active credential.
	RevokeCredential(ctx context.Context, userID string, id []byte, at time.Time) error
}

// AccountStore holds custodial account records
type AccountStore interface {
	GetAccount(ctx context.Context, userID string) (*core.Account, error)
}

// RecoveryCodeStore holds recovery code hashes and attempt history
type RecoveryCodeStore interface {
	ListUnconsumedRecoveryCodes(ctx context.Context, userID string) ([]core.RecoveryCode, error)
	// ConsumeRecoveryCode fails with core.ErrAlreadyConsumed when another
	// caller got there first.
	ConsumeRecoveryCode(ctx context.Context, codeID string, at time.Time) error
	CountUnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error)
	// ReplaceRecoveryCodes drops the old batch and clears the acknowledged flag.
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []core.RecoveryCode) error
	RecordRecoveryAttempt(ctx context.Context, attempt core.RecoveryAttempt) error
	// RecoveryFailuresSince returns the failure count for subject since the
	// given time and the timestamp of the oldest failure counted.
	RecoveryFailuresSince(ctx context.Context, subject string, since time.Time) (int, time.Time, error)
}

// SessionStore holds issued sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// RevokeSession is idempotent.
	RevokeSession(ctx context.Context, id string, at time.Time) error
	// PurgeExpiredSessions deletes sessions whose absolute expiry has passed.
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error)
}

// CredentialStore is the single owner of all durable records. Lookups that
// miss return core.ErrNotFound.
type CredentialStore interface {
	UserStore
	CredentialRepository
	AccountStore
	RecoveryCodeStore
	SessionStore

	// SaveRegistration persists a registration atomically. It fails with
	// core.ErrEmailUnavailable on an email clash and core.ErrCredentialExists
	// on a credential id clash.
	SaveRegistration(ctx context.Context, reg *Registration) error

	// SaveRecovery persists a recovery atomically and returns how many
	// other sessions it revoked. It fails with core.ErrCredentialExists on
	// a credential id clash and writes nothing.
	SaveRecovery(ctx context.Context, rec *Recovery) (int, error)
}
