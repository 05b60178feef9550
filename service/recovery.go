package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"go.uber.org/zap"
)

// RecoveryCodeVerify signs a user in with one of their recovery codes.
// Unknown emails and wrong codes fail the same way: attempts are counted
// per email whether or not it is registered, and every call hashes the code
// against the same number of records.
func (s *AuthService) RecoveryCodeVerify(ctx context.Context, req core.RecoveryCodeVerifyRequest) (*core.RecoveryCodeVerifyResult, error) {
	email := core.NormalizeEmail(req.Email)
	code := normalizeRecoveryCode(req.Code)
	if email == "" || code == "" {
		return nil, core.ErrInvalidRecoveryCode
	}

	now := s.now()
	attempt := core.RecoveryAttempt{
		Subject:    s.attemptSubject(email),
		RemoteAddr: req.RemoteAddr,
		At:         now,
	}
	if err := s.checkRecoveryRate(ctx, attempt); err != nil {
		return nil, err
	}

	var codes []core.RecoveryCode
	user, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, core.ErrNotFound):
		user = nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	default:
		attempt.UserID = user.ID
		codes, err = s.store.ListUnconsumedRecoveryCodes(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load recovery codes: %w", err)
		}
	}

	match := s.hasher.find(code, codes, s.cfg.RecoveryCodeCount)
	if match == nil {
		s.recordAttempt(ctx, attempt)
		return nil, core.ErrInvalidRecoveryCode
	}

	if err := s.store.ConsumeRecoveryCode(ctx, match.ID, now); err != nil {
		if errors.Is(err, core.ErrAlreadyConsumed) {
			s.recordAttempt(ctx, attempt)
			return nil, core.ErrInvalidRecoveryCode
		}
		return nil, fmt.Errorf("failed to consume recovery code: %w", err)
	}
	attempt.Success = true
	s.recordAttempt(ctx, attempt)

	remaining, err := s.store.CountUnconsumedRecoveryCodes(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recovery codes: %w", err)
	}

	token, _, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("recovery code used",
		zap.String("user_id", user.ID),
		zap.Int("remaining_codes", remaining))
	s.publish(ctx, core.Event{
		Type:       core.EventRecoveryCodeUsed,
		UserID:     user.ID,
		At:         now,
		Attributes: map[string]string{"remaining_codes": fmt.Sprint(remaining)},
	})

	// The session is already issued; a failed alert must not take it back
	if err := s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.SendRecoveryAlert(ctx, user.Email, remaining)
	}); err != nil {
		s.logger.Warn("failed to send recovery alert", zap.String("user_id", user.ID), zap.Error(err))
	}

	return &core.RecoveryCodeVerifyResult{
		User:           *user,
		SessionToken:   token,
		RemainingCodes: remaining,
	}, nil
}

// attemptSubject keys the attempt log. It is stable per email and does not
// reveal the email to whoever reads the log.
func (s *AuthService) attemptSubject(email string) string {
	mac := hmac.New(sha256.New, s.cfg.ServerSecret)
	mac.Write([]byte("custodian-recovery-attempt:"))
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *AuthService) checkRecoveryRate(ctx context.Context, attempt core.RecoveryAttempt) error {
	window := s.cfg.RecoveryFailureWindow
	failures, oldest, err := s.store.RecoveryFailuresSince(ctx, attempt.Subject, attempt.At.Add(-window))
	if err != nil {
		return fmt.Errorf("failed to load recovery attempts: %w", err)
	}
	if failures < s.cfg.RecoveryMaxFailures {
		return nil
	}

	retryAfter := oldest.Add(window).Sub(attempt.At)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	s.logger.Warn("recovery code attempts rate limited",
		zap.String("remote_addr", attempt.RemoteAddr),
		zap.Int("failures", failures))
	return &core.RateLimitError{RetryAfter: retryAfter}
}

func (s *AuthService) recordAttempt(ctx context.Context, attempt core.RecoveryAttempt) {
	if err := s.store.RecordRecoveryAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record recovery attempt", zap.String("user_id", attempt.UserID), zap.Error(err))
	}
}

// AcknowledgeRecoveryCodes records that the user has saved their codes.
// Acknowledging twice succeeds.
func (s *AuthService) AcknowledgeRecoveryCodes(ctx context.Context, token string) (*core.AcknowledgeResult, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	err = s.store.AcknowledgeRecoveryCodes(ctx, user.ID)
	if err != nil && !errors.Is(err, core.ErrAlreadyAcknowledged) {
		return nil, fmt.Errorf("failed to acknowledge recovery codes: %w", err)
	}
	return &core.AcknowledgeResult{Success: true, Acknowledged: true}, nil
}

// EmailRecoveryStart mails a single-use recovery token. It reports sent for
// unknown emails too.
func (s *AuthService) EmailRecoveryStart(ctx context.Context, email string) (*core.EmailRecoveryStartResult, error) {
	email = core.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, fmt.Errorf("email: %w", core.ErrInvalidRequest)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		return &core.EmailRecoveryStartResult{Sent: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	ch, err := s.challenges.Issue(ctx, core.PurposeRecovery, core.ChallengeHint{Email: email, UserID: user.ID}, s.cfg.RecoveryTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue recovery token: %w", err)
	}

	if err := s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.SendRecoveryToken(ctx, email, ch.ID)
	}); err != nil {
		return nil, err
	}

	s.logger.Info("recovery email requested", zap.String("user_id", user.ID))
	return &core.EmailRecoveryStartResult{Sent: true}, nil
}

// EmailRecoveryOptions returns creation options bound to a recovery token
// without consuming it
func (s *AuthService) EmailRecoveryOptions(ctx context.Context, token string) (*core.EmailRecoveryOptionsResult, error) {
	if token == "" {
		return nil, core.ErrChallengeNotFound
	}
	ch, err := s.challenges.Peek(ctx, token)
	if err != nil {
		return nil, err
	}
	if ch.Purpose != core.PurposeRecovery {
		return nil, core.ErrChallengeNotFound
	}

	user, err := s.store.GetUser(ctx, ch.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	creds, err := s.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return &core.EmailRecoveryOptionsResult{
		Options: s.verifier.CreationOptions(ch, core.PasskeyUser{
			Handle:      []byte(user.ID),
			Name:        user.Email,
			DisplayName: user.Email,
		}, creds),
	}, nil
}

// EmailRecoveryComplete registers a new passkey for the existing user from
// a recovery token. The custodial account is user-scoped and stays as it
// is. The recovery code batch is replaced and every other session revoked.
func (s *AuthService) EmailRecoveryComplete(ctx context.Context, req core.EmailRecoveryCompleteRequest) (*core.EmailRecoveryCompleteResult, error) {
	ch, err := s.redeem(ctx, req.Token, core.PurposeRecovery)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, ch.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	vc, err := s.verifyRegistration(ctx, core.RegistrationCeremony{
		Challenge:  ch.Bytes,
		UserHandle: []byte(user.ID),
		Response:   req.Credential,
	})
	if err != nil {
		return nil, err
	}

	// The account must still open before we hand out new ways in
	account, err := s.store.GetAccount(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if _, err := s.openAccount(account); err != nil {
		return nil, err
	}

	now := s.now()
	cred := s.newCredential(user.ID, vc, req.FriendlyName, now)
	codes, records, err := s.hasher.generate(user.ID, s.cfg.RecoveryCodeCount, now)
	if err != nil {
		return nil, err
	}
	token, session, err := s.sessions.mint(user.ID)
	if err != nil {
		return nil, err
	}

	// The passkey, the code batch and the session swap land together or not at all
	revoked, err := s.store.SaveRecovery(ctx, &ports.Recovery{
		UserID:        user.ID,
		Credential:    cred,
		RecoveryCodes: records,
		Session:       session,
		At:            now,
	})
	if err != nil {
		if errors.Is(err, core.ErrCredentialExists) {
			return nil, fmt.Errorf("%w: %w", core.ErrCredentialVerificationFailed, err)
		}
		return nil, fmt.Errorf("failed to save recovery: %w", err)
	}
	user.RecoveryCodesAcknowledged = false

	s.logger.Info("email recovery completed",
		zap.String("user_id", user.ID),
		zap.String("credential_id", cred.EncodedID()),
		zap.Int("revoked_sessions", revoked))
	s.publish(ctx, core.Event{
		Type:         core.EventEmailRecoveryCompleted,
		UserID:       user.ID,
		CredentialID: cred.EncodedID(),
		At:           now,
	})

	if err := s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.SendCredentialAdded(ctx, user.Email, cred.FriendlyName)
	}); err != nil {
		s.logger.Warn("failed to send credential notice", zap.String("user_id", user.ID), zap.Error(err))
	}

	return &core.EmailRecoveryCompleteResult{
		User:            *user,
		SessionToken:    token,
		RecoveryCodes:   codes,
		MustAcknowledge: true,
	}, nil
}
