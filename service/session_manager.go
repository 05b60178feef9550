package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"go.uber.org/zap"
)

// SessionConfig bounds session lifetime
type SessionConfig struct {
	TTL         time.Duration // Absolute lifetime
	IdleTimeout time.Duration // Sliding idle limit, zero disables it
}

// SessionManager issues and validates session tokens. The token is a signed
// envelope around a stored session id; the store decides whether it is live.
type SessionManager struct {
	store       ports.SessionStore
	users       ports.UserStore
	tokenizer   ports.Tokenizer
	revocations ports.RevocationList
	cfg         SessionConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewSessionManager creates a new session manager
func NewSessionManager(store ports.CredentialStore, tokenizer ports.Tokenizer, cfg SessionConfig, logger *zap.Logger) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		store:     store,
		users:     store,
		tokenizer: tokenizer,
		cfg:       cfg,
		logger:    logger.Named("sessions"),
		now:       time.Now,
	}
}

// WithRevocationList puts a shared denylist in front of the store
func (m *SessionManager) WithRevocationList(list ports.RevocationList) *SessionManager {
	m.revocations = list
	return m
}

// WithClock replaces the time source
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

// Issue creates a session for the user and returns its bearer token
func (m *SessionManager) Issue(ctx context.Context, userID string) (string, *core.Session, error) {
	token, session, err := m.mint(userID)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}
	return token, session, nil
}

// mint builds and signs a session without storing it; the caller persists
// it, possibly as part of a larger write
func (m *SessionManager) mint(userID string) (string, *core.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return "", nil, err
	}

	now := m.now()
	session := &core.Session{
		ID:           id,
		UserID:       userID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.cfg.TTL),
		LastActiveAt: now,
	}
	token, err := m.tokenizer.SessionToToken(session)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session token: %w", err)
	}
	return token, session, nil
}

// Validate resolves a token to its live session and user. Unknown, expired,
// idle, revoked and malformed tokens all fail with core.ErrInvalidSession.
func (m *SessionManager) Validate(ctx context.Context, token string) (*core.Session, *core.User, error) {
	claimed, err := m.tokenizer.TokenToSession(token)
	if err != nil {
		return nil, nil, core.ErrInvalidSession
	}

	if m.revocations != nil {
		revoked, err := m.revocations.IsSessionRevoked(ctx, claimed.ID)
		if err != nil {
			m.logger.Warn("revocation list unavailable", zap.Error(err))
		} else if revoked {
			return nil, nil, core.ErrInvalidSession
		}
	}

	session, err := m.store.GetSession(ctx, claimed.ID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil, core.ErrInvalidSession
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := m.now()
	if session.UserID != claimed.UserID || !session.Active(now, m.cfg.IdleTimeout) {
		return nil, nil, core.ErrInvalidSession
	}

	if err := m.store.TouchSession(ctx, session.ID, now); err != nil {
		return nil, nil, fmt.Errorf("failed to touch session: %w", err)
	}
	session.LastActiveAt = now

	user, err := m.users.GetUser(ctx, session.UserID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil, core.ErrInvalidSession
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}
	return session, user, nil
}

// Revoke ends the session behind token. Revoking twice is not an error;
// a token that cannot be parsed is.
func (m *SessionManager) Revoke(ctx context.Context, token string) (*core.Session, error) {
	claimed, err := m.tokenizer.TokenToSession(token)
	if err != nil {
		return nil, core.ErrInvalidSession
	}

	now := m.now()
	if err := m.store.RevokeSession(ctx, claimed.ID, now); err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to revoke session: %w", err)
	}

	if m.revocations != nil {
		if err := m.revocations.RevokeSession(ctx, claimed.ID, claimed.ExpiresAt.Sub(now)); err != nil {
			m.logger.Warn("failed to publish session revocation", zap.String("session_id", claimed.ID), zap.Error(err))
		}
	}
	return claimed, nil
}

// Purge deletes sessions past their absolute expiry
func (m *SessionManager) Purge(ctx context.Context) (int, error) {
	return m.store.PurgeExpiredSessions(ctx, m.now())
}

// RunSweeper purges expired sessions every interval until ctx is done
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Purge(ctx)
			if err != nil {
				m.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Debug("purged expired sessions", zap.Int("count", n))
			}
		}
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
