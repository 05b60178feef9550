package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/custodian/core"
	"go.uber.org/zap"
)

// ValidateSession reports whether token is a live session. An invalid
// token is a normal answer, not an error.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*core.SessionValidateResult, error) {
	_, user, err := s.authenticate(ctx, token)
	if errors.Is(err, core.ErrInvalidSession) {
		return &core.SessionValidateResult{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &core.SessionValidateResult{User: user, Valid: true}, nil
}

// Logout revokes the session behind token
func (s *AuthService) Logout(ctx context.Context, token string) error {
	session, err := s.sessions.Revoke(ctx, token)
	if err != nil {
		return err
	}
	s.publish(ctx, core.Event{
		Type:      core.EventSessionRevoked,
		UserID:    session.UserID,
		SessionID: session.ID,
	})
	return nil
}

// ListCredentials returns the caller's active passkeys
func (s *AuthService) ListCredentials(ctx context.Context, token string) ([]core.CredentialInfo, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	infos := make([]core.CredentialInfo, 0, len(creds))
	for i := range creds {
		infos = append(infos, core.NewCredentialInfo(&creds[i]))
	}
	return infos, nil
}

// AddCredentialStart issues a challenge for registering another passkey on
// the caller's account
func (s *AuthService) AddCredentialStart(ctx context.Context, token string) (*core.RegisterStartResult, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.ListCredentials(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	ch, err := s.challenges.Issue(ctx, core.PurposeAddCredential, core.ChallengeHint{Email: user.Email, UserID: user.ID}, s.cfg.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}

	return &core.RegisterStartResult{
		ChallengeID: ch.ID,
		Options: s.verifier.CreationOptions(ch, core.PasskeyUser{
			Handle:      []byte(user.ID),
			Name:        user.Email,
			DisplayName: user.Email,
		}, creds),
	}, nil
}

// AddCredentialVerify registers the extra passkey. It never touches the
// custodial account.
func (s *AuthService) AddCredentialVerify(ctx context.Context, token string, req core.AddCredentialVerifyRequest) (*core.CredentialInfo, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	ch, err := s.redeem(ctx, req.ChallengeID, core.PurposeAddCredential)
	if err != nil {
		return nil, err
	}
	if ch.UserID != user.ID {
		return nil, core.ErrChallengeNotFound
	}

	vc, err := s.verifyRegistration(ctx, core.RegistrationCeremony{
		Challenge:  ch.Bytes,
		UserHandle: []byte(user.ID),
		Response:   req.Credential,
	})
	if err != nil {
		return nil, err
	}

	cred := s.newCredential(user.ID, vc, req.FriendlyName, s.now())
	if err := s.store.AddCredential(ctx, cred); err != nil {
		if errors.Is(err, core.ErrCredentialExists) {
			return nil, fmt.Errorf("%w: %w", core.ErrCredentialVerificationFailed, err)
		}
		return nil, fmt.Errorf("failed to add credential: %w", err)
	}

	s.logger.Info("credential added",
		zap.String("user_id", user.ID),
		zap.String("credential_id", cred.EncodedID()))
	s.publish(ctx, core.Event{
		Type:         core.EventCredentialAdded,
		UserID:       user.ID,
		CredentialID: cred.EncodedID(),
	})
	if err := s.notify(ctx, func(ctx context.Context) error {
		return s.notifier.SendCredentialAdded(ctx, user.Email, cred.FriendlyName)
	}); err != nil {
		s.logger.Warn("failed to send credential notice", zap.String("user_id", user.ID), zap.Error(err))
	}

	info := core.NewCredentialInfo(cred)
	return &info, nil
}

// RevokeCredential revokes one of the caller's passkeys. The last active
// passkey cannot be revoked.
func (s *AuthService) RevokeCredential(ctx context.Context, token, credentialID string) error {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return err
	}
	id, err := core.DecodeCredentialID(credentialID)
	if err != nil || len(id) == 0 {
		return fmt.Errorf("credential id: %w", core.ErrInvalidRequest)
	}

	if err := s.store.RevokeCredential(ctx, user.ID, id, s.now()); err != nil {
		return err
	}

	s.logger.Info("credential revoked",
		zap.String("user_id", user.ID),
		zap.String("credential_id", credentialID))
	s.publish(ctx, core.Event{
		Type:         core.EventCredentialRevoked,
		UserID:       user.ID,
		CredentialID: core.EncodeCredentialID(id),
	})
	return nil
}
