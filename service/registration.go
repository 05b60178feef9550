package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
	"go.uber.org/zap"
)

// RegisterStart issues a registration challenge for email. A user row
// without active credentials is reused; otherwise a prospective user id is
// bound to the challenge and only materialised on verify.
func (s *AuthService) RegisterStart(ctx context.Context, req core.RegisterStartRequest) (*core.RegisterStartResult, error) {
	email := core.NormalizeEmail(req.Email)
	if !validEmail(email) {
		return nil, fmt.Errorf("email: %w", core.ErrInvalidRequest)
	}

	userID, err := s.registrableUserID(ctx, email)
	if err != nil {
		return nil, err
	}

	ch, err := s.challenges.Issue(ctx, core.PurposeRegistration, core.ChallengeHint{Email: email, UserID: userID}, s.cfg.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}

	return &core.RegisterStartResult{
		ChallengeID: ch.ID,
		Options: s.verifier.CreationOptions(ch, core.PasskeyUser{
			Handle:      []byte(userID),
			Name:        email,
			DisplayName: email,
		}, nil),
	}, nil
}

// registrableUserID returns the id a new registration for email should use
func (s *AuthService) registrableUserID(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	creds, err := s.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(creds) > 0 {
		return "", core.ErrEmailUnavailable
	}
	return user.ID, nil
}

// RegisterVerify completes a registration: it verifies the attestation,
// creates the user, credential, custodial account and recovery codes in one
// write and issues a session.
func (s *AuthService) RegisterVerify(ctx context.Context, req core.RegisterVerifyRequest) (*core.RegisterVerifyResult, error) {
	ch, err := s.redeem(ctx, req.ChallengeID, core.PurposeRegistration)
	if err != nil {
		return nil, err
	}
	email := core.NormalizeEmail(req.Email)
	if email != ch.Email {
		return nil, core.ErrChallengeNotFound
	}

	vc, err := s.verifyRegistration(ctx, core.RegistrationCeremony{
		Challenge:  ch.Bytes,
		UserHandle: []byte(ch.UserID),
		Response:   req.Credential,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	userID := ch.UserID
	reg := &ports.Registration{
		Credential: s.newCredential(userID, vc, req.FriendlyName, now),
	}

	// Re-check: another registration may have claimed the email meanwhile
	existing, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, core.ErrNotFound):
		reg.NewUser = true
		reg.User = &core.User{ID: userID, Email: email, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	case existing.ID != userID:
		return nil, core.ErrEmailUnavailable
	default:
		creds, err := s.store.ListCredentials(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to list credentials: %w", err)
		}
		if len(creds) > 0 {
			return nil, core.ErrEmailUnavailable
		}
		reg.User = existing
	}

	account, err := s.store.GetAccount(ctx, userID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		account, _, err = s.newAccount(userID, vc.ID, vc.SecretMaterial, now)
		if err != nil {
			return nil, err
		}
		reg.Account = account
	case err != nil:
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	codes, records, err := s.hasher.generate(userID, s.cfg.RecoveryCodeCount, now)
	if err != nil {
		return nil, err
	}
	reg.RecoveryCodes = records

	if err := s.store.SaveRegistration(ctx, reg); err != nil {
		if errors.Is(err, core.ErrCredentialExists) {
			return nil, fmt.Errorf("%w: %w", core.ErrCredentialVerificationFailed, err)
		}
		return nil, err
	}
	reg.User.RecoveryCodesAcknowledged = false

	token, _, err := s.sessions.Issue(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		zap.String("user_id", userID),
		zap.String("credential_id", reg.Credential.EncodedID()),
		zap.String("provenance", string(account.Provenance)),
		zap.Bool("new_user", reg.NewUser))
	s.publish(ctx, core.Event{
		Type:         core.EventUserRegistered,
		UserID:       userID,
		CredentialID: reg.Credential.EncodedID(),
		Attributes:   map[string]string{"provenance": string(account.Provenance)},
	})

	return &core.RegisterVerifyResult{
		User:            *reg.User,
		SessionToken:    token,
		RecoveryCodes:   codes,
		MustAcknowledge: true,
		Account:         accountInfo(account),
	}, nil
}
