package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
)

// MemoryStore is an in-memory implementation of the CredentialStore
// interface. A single mutex serialises every conditional update, which is
// what gives it the same atomicity as the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]*core.User
	usersByEmail  map[string]string
	credentials   map[string]*core.Credential // keyed by string(credential id)
	accounts      map[string]*core.Account
	recoveryCodes map[string]*core.RecoveryCode
	attempts      []core.RecoveryAttempt
	sessions      map[string]*core.Session

	attemptRetention time.Duration
}

// DefaultAttemptRetention is how long recovery attempts are kept unless
// WithAttemptRetention says otherwise
const DefaultAttemptRetention = 24 * time.Hour

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:            make(map[string]*core.User),
		usersByEmail:     make(map[string]string),
		credentials:      make(map[string]*core.Credential),
		accounts:         make(map[string]*core.Account),
		recoveryCodes:    make(map[string]*core.RecoveryCode),
		sessions:         make(map[string]*core.Session),
		attemptRetention: DefaultAttemptRetention,
	}
}

// WithAttemptRetention bounds how far back recovery attempts are kept. It
// must be at least the recovery failure window.
func (s *MemoryStore) WithAttemptRetention(d time.Duration) *MemoryStore {
	if d > 0 {
		s.attemptRetention = d
	}
	return s
}

var _ ports.CredentialStore = (*MemoryStore)(nil)

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[core.NormalizeEmail(email)]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) AcknowledgeRecoveryCodes(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return core.ErrNotFound
	}
	if u.RecoveryCodesAcknowledged {
		return core.ErrAlreadyAcknowledged
	}
	u.RecoveryCodesAcknowledged = true
	return nil
}

func (s *MemoryStore) SaveRegistration(ctx context.Context, reg *ports.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := core.NormalizeEmail(reg.User.Email)
	if reg.NewUser {
		if _, taken := s.usersByEmail[email]; taken {
			return core.ErrEmailUnavailable
		}
	} else {
		if _, ok := s.users[reg.User.ID]; !ok {
			return core.ErrNotFound
		}
		// A reused user row is only claimable while it has no passkey
		if s.activeCredentialsLocked(reg.User.ID) > 0 {
			return core.ErrEmailUnavailable
		}
	}
	if _, taken := s.credentials[string(reg.Credential.ID)]; taken {
		return core.ErrCredentialExists
	}

	if reg.NewUser {
		u := *reg.User
		u.Email = email
		s.users[u.ID] = &u
		s.usersByEmail[email] = u.ID
	}
	cred := cloneCredential(reg.Credential)
	s.credentials[string(cred.ID)] = cred
	if reg.Account != nil {
		if _, exists := s.accounts[reg.User.ID]; !exists {
			acc := *reg.Account
			s.accounts[acc.UserID] = &acc
		}
	}
	s.replaceCodesLocked(reg.User.ID, reg.RecoveryCodes)
	return nil
}

func (s *MemoryStore) SaveRecovery(ctx context.Context, rec *ports.Recovery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.UserID]; !ok {
		return 0, core.ErrNotFound
	}
	if _, taken := s.credentials[string(rec.Credential.ID)]; taken {
		return 0, core.ErrCredentialExists
	}

	s.credentials[string(rec.Credential.ID)] = cloneCredential(rec.Credential)
	s.replaceCodesLocked(rec.UserID, rec.RecoveryCodes)

	sess := *rec.Session
	s.sessions[sess.ID] = &sess
	return s.revokeUserSessionsLocked(rec.UserID, sess.ID, rec.At), nil
}

func (s *MemoryStore) AddCredential(ctx context.Context, cred *core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[cred.UserID]; !ok {
		return core.ErrNotFound
	}
	if _, taken := s.credentials[string(cred.ID)]; taken {
		return core.ErrCredentialExists
	}
	s.credentials[string(cred.ID)] = cloneCredential(cred)
	return nil
}

func (s *MemoryStore) GetCredential(ctx context.Context, id []byte) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[string(id)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *MemoryStore) ListCredentials(ctx context.Context, userID string) ([]core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Credential
	for _, c := range s.credentials {
		if c.UserID == userID && !c.Revoked() {
			out = append(out, *cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return bytes.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok || c.Revoked() {
		return core.ErrNotFound
	}
	if counter <= c.SignCount {
		return core.ErrCounterNotIncreased
	}
	c.SignCount = counter
	c.LastUsedAt = &usedAt
	return nil
}

func (s *MemoryStore) RevokeCredential(ctx context.Context, userID string, id []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok || c.UserID != userID || c.Revoked() {
		return core.ErrNotFound
	}
	if s.activeCredentialsLocked(userID) <= 1 {
		return core.ErrLastCredential
	}
	c.RevokedAt = &at
	return nil
}

func (s *MemoryStore) activeCredentialsLocked(userID string) int {
	n := 0
	for _, c := range s.credentials {
		if c.UserID == userID && !c.Revoked() {
			n++
		}
	}
	return n
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListUnconsumedRecoveryCodes(ctx context.Context, userID string) ([]core.RecoveryCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.RecoveryCode
	for _, rc := range s.recoveryCodes {
		if rc.UserID == userID && rc.ConsumedAt == nil {
			out = append(out, *rc)
		}
	}
	return out, nil
}

func (s *MemoryStore) ConsumeRecoveryCode(ctx context.Context, codeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.recoveryCodes[codeID]
	if !ok {
		return core.ErrNotFound
	}
	if rc.ConsumedAt != nil {
		return core.ErrAlreadyConsumed
	}
	rc.ConsumedAt = &at
	return nil
}

func (s *MemoryStore) CountUnconsumedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rc := range s.recoveryCodes {
		if rc.UserID == userID && rc.ConsumedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []core.RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return core.ErrNotFound
	}
	s.replaceCodesLocked(userID, codes)
	return nil
}

func (s *MemoryStore) replaceCodesLocked(userID string, codes []core.RecoveryCode) {
	for id, rc := range s.recoveryCodes {
		if rc.UserID == userID {
			delete(s.recoveryCodes, id)
		}
	}
	for i := range codes {
		rc := codes[i]
		s.recoveryCodes[rc.ID] = &rc
	}
	if u, ok := s.users[userID]; ok {
		u.RecoveryCodesAcknowledged = false
	}
}

func (s *MemoryStore) RecordRecoveryAttempt(ctx context.Context, attempt core.RecoveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := attempt.At.Add(-s.attemptRetention)
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if !a.At.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	clear(s.attempts[len(kept):])
	s.attempts = append(kept, attempt)
	return nil
}

func (s *MemoryStore) RecoveryFailuresSince(ctx context.Context, subject string, since time.Time) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		n      int
		oldest time.Time
	)
	for _, a := range s.attempts {
		if a.Subject != subject || a.Success || a.At.Before(since) {
			continue
		}
		if n == 0 || a.At.Before(oldest) {
			oldest = a.At
		}
		n++
	}
	return n, oldest, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return core.ErrNotFound
	}
	if at.After(sess.LastActiveAt) {
		sess.LastActiveAt = at
	}
	return nil
}

func (s *MemoryStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok && sess.RevokedAt == nil {
		sess.RevokedAt = &at
	}
	return nil
}

func (s *MemoryStore) revokeUserSessionsLocked(userID, keep string, at time.Time) int {
	n := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID && id != keep && sess.RevokedAt == nil {
			sess.RevokedAt = &at
			n++
		}
	}
	return n
}

func (s *MemoryStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if !before.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneCredential(c *core.Credential) *core.Credential {
	cp := *c
	cp.ID = append([]byte(nil), c.ID...)
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	return &cp
}
