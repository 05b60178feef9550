package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/encryption"
	"github.com/layer-3/custodian/keyderiv"
	"github.com/layer-3/custodian/ports"
	"go.uber.org/zap"
)

// Config tunes the authentication flows
type Config struct {
	ChallengeTTL          time.Duration
	RecoveryTokenTTL      time.Duration
	RecoveryCodeCount     int
	RecoveryMaxFailures   int
	RecoveryFailureWindow time.Duration
	VerifierTimeout       time.Duration
	NotifierTimeout       time.Duration
	// ServerSecret backs the fallback derivation path and decoy login options
	ServerSecret []byte
}

func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 5 * time.Minute
	}
	if c.RecoveryTokenTTL <= 0 {
		c.RecoveryTokenTTL = time.Hour
	}
	if c.RecoveryCodeCount <= 0 {
		c.RecoveryCodeCount = 10
	}
	if c.RecoveryMaxFailures <= 0 {
		c.RecoveryMaxFailures = 5
	}
	if c.RecoveryFailureWindow <= 0 {
		c.RecoveryFailureWindow = time.Hour
	}
	if c.VerifierTimeout <= 0 {
		c.VerifierTimeout = 5 * time.Second
	}
	if c.NotifierTimeout <= 0 {
		c.NotifierTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators an AuthService orchestrates
type Deps struct {
	Store      ports.CredentialStore
	Challenges ports.ChallengeRegistry
	Verifier   ports.PasskeyVerifier
	Notifier   ports.Notifier
	Events     ports.EventPublisher // optional
	Sessions   *SessionManager
	Deriver    *keyderiv.Deriver
	Encryption *encryption.Service
	Logger     *zap.Logger
}

// AuthService runs the registration, login and recovery flows
type AuthService struct {
	store      ports.CredentialStore
	challenges ports.ChallengeRegistry
	verifier   ports.PasskeyVerifier
	notifier   ports.Notifier
	events     ports.EventPublisher
	sessions   *SessionManager
	deriver    *keyderiv.Deriver
	cipher     *encryption.Service
	hasher     codeHasher
	logger     *zap.Logger
	now        func() time.Time

	cfg Config
}

// NewAuthService creates a new authentication service
func NewAuthService(deps Deps, cfg Config) (*AuthService, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("credential store is required")
	case deps.Challenges == nil:
		return nil, errors.New("challenge registry is required")
	case deps.Verifier == nil:
		return nil, errors.New("passkey verifier is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Sessions == nil:
		return nil, errors.New("session manager is required")
	case deps.Deriver == nil:
		return nil, errors.New("key deriver is required")
	case deps.Encryption == nil:
		return nil, errors.New("encryption service is required")
	}
	if len(cfg.ServerSecret) < keyderiv.MinSecretSize {
		return nil, fmt.Errorf("server secret must be at least %d bytes", keyderiv.MinSecretSize)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = noopPublisher{}
	}

	return &AuthService{
		store:      deps.Store,
		challenges: deps.Challenges,
		verifier:   deps.Verifier,
		notifier:   deps.Notifier,
		events:     events,
		sessions:   deps.Sessions,
		deriver:    deps.Deriver,
		cipher:     deps.Encryption,
		hasher:     defaultCodeHasher,
		logger:     logger.Named("auth"),
		now:        time.Now,
		cfg:        cfg.withDefaults(),
	}, nil
}

// WithClock replaces the time source
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Sessions exposes the session manager to the transport layer
func (s *AuthService) Sessions() *SessionManager {
	return s.sessions
}

// redeem consumes a challenge and checks it was issued for purpose. A
// purpose mismatch is indistinguishable from an unknown id.
func (s *AuthService) redeem(ctx context.Context, id string, purpose core.Purpose) (*core.Challenge, error) {
	if id == "" {
		return nil, core.ErrChallengeNotFound
	}
	ch, err := s.challenges.Redeem(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Purpose != purpose {
		return nil, core.ErrChallengeNotFound
	}
	return ch, nil
}

// authenticate resolves a bearer token to its user
func (s *AuthService) authenticate(ctx context.Context, token string) (*core.Session, *core.User, error) {
	return s.sessions.Validate(ctx, token)
}

func (s *AuthService) verifyRegistration(ctx context.Context, ceremony core.RegistrationCeremony) (*core.VerifiedCredential, error) {
	vc, err := callWithTimeout(ctx, s.cfg.VerifierTimeout, core.ErrVerifierUnavailable,
		func(ctx context.Context) (*core.VerifiedCredential, error) {
			return s.verifier.VerifyRegistration(ctx, ceremony)
		})
	return vc, classifyVerifierError(err)
}

func (s *AuthService) verifyAssertion(ctx context.Context, ceremony core.AssertionCeremony) (*core.VerifiedCredential, error) {
	vc, err := callWithTimeout(ctx, s.cfg.VerifierTimeout, core.ErrVerifierUnavailable,
		func(ctx context.Context) (*core.VerifiedCredential, error) {
			return s.verifier.VerifyAssertion(ctx, ceremony)
		})
	return vc, classifyVerifierError(err)
}

// classifyVerifierError keeps verdicts as they are and marks everything
// else as a transient verifier failure.
func classifyVerifierError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrCredentialVerificationFailed),
		errors.Is(err, core.ErrUnknownCredential),
		errors.Is(err, core.ErrInvalidRequest),
		core.IsRetryable(err):
		return err
	default:
		return core.Retryable(core.ErrVerifierUnavailable, err)
	}
}

func (s *AuthService) notify(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := callWithTimeout(ctx, s.cfg.NotifierTimeout, core.ErrNotifierUnavailable,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
	if err != nil && !core.IsRetryable(err) {
		err = core.Retryable(core.ErrNotifierUnavailable, err)
	}
	return err
}

// publish never fails the calling flow
func (s *AuthService) publish(ctx context.Context, event core.Event) {
	if event.At.IsZero() {
		event.At = s.now()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("user_id", event.UserID),
			zap.Error(err))
	}
}

func (s *AuthService) newCredential(userID string, vc *core.VerifiedCredential, friendlyName string, now time.Time) *core.Credential {
	name := strings.TrimSpace(friendlyName)
	if name == "" {
		name = "Passkey"
	}
	return &core.Credential{
		ID:             vc.ID,
		UserID:         userID,
		PublicKey:      vc.PublicKey,
		SignCount:      vc.SignCount,
		FriendlyName:   name,
		BackupEligible: vc.BackupEligible,
		CreatedAt:      now,
	}
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func accountInfo(a *core.Account) core.AccountInfo {
	return core.AccountInfo{
		Address:    a.Address,
		PublicKey:  hexutil.Encode(a.PublicKey),
		Scheme:     a.Scheme,
		Provenance: a.Provenance,
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, core.Event) error { return nil }
