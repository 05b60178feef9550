package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/custodian/core"
	"go.uber.org/zap"
)

// LoginStart issues a login challenge. With an email it is scoped to that
// user's credentials; an unknown email gets a decoy allow-list so the
// response looks the same. Without an email the challenge is unscoped.
func (s *AuthService) LoginStart(ctx context.Context, req core.LoginStartRequest) (*core.LoginStartResult, error) {
	email := core.NormalizeEmail(req.Email)

	var (
		hint  core.ChallengeHint
		allow [][]byte
	)
	if email != "" {
		if !validEmail(email) {
			return nil, fmt.Errorf("email: %w", core.ErrInvalidRequest)
		}
		hint.Email = email

		user, err := s.store.GetUserByEmail(ctx, email)
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to look up user: %w", err)
		default:
			creds, err := s.store.ListCredentials(ctx, user.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to list credentials: %w", err)
			}
			hint.UserID = user.ID
			for _, c := range creds {
				allow = append(allow, c.ID)
			}
		}
		if len(allow) == 0 {
			allow = [][]byte{s.decoyCredentialID(email)}
		}
	}

	ch, err := s.challenges.Issue(ctx, core.PurposeLogin, hint, s.cfg.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue challenge: %w", err)
	}

	return &core.LoginStartResult{
		ChallengeID: ch.ID,
		Options:     s.verifier.RequestOptions(ch, allow),
	}, nil
}

// decoyCredentialID is stable per email so repeated probes see the same id
func (s *AuthService) decoyCredentialID(email string) []byte {
	mac := hmac.New(sha256.New, s.cfg.ServerSecret)
	mac.Write([]byte("custodian-decoy-credential:"))
	mac.Write([]byte(email))
	return mac.Sum(nil)
}

// LoginVerify completes a login. The asserted counter must be strictly
// greater than the stored one; otherwise the credential is left untouched
// and the attempt fails with core.ErrPossibleCloneDetected.
func (s *AuthService) LoginVerify(ctx context.Context, req core.LoginVerifyRequest) (*core.LoginVerifyResult, error) {
	ch, err := s.redeem(ctx, req.ChallengeID, core.PurposeLogin)
	if err != nil {
		return nil, err
	}

	credID, err := core.AssertedCredentialID(req.Credential)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.GetCredential(ctx, credID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrUnknownCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if stored.Revoked() || (ch.UserID != "" && stored.UserID != ch.UserID) {
		return nil, core.ErrUnknownCredential
	}

	vc, err := s.verifyAssertion(ctx, core.AssertionCeremony{
		Challenge:  ch.Bytes,
		UserHandle: []byte(stored.UserID),
		Stored:     stored,
		Response:   req.Credential,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	if vc.SignCount <= stored.SignCount {
		return nil, s.cloneDetected(ctx, stored, vc.SignCount, now)
	}
	if err := s.store.UpdateCredentialUsage(ctx, stored.ID, vc.SignCount, now); err != nil {
		if errors.Is(err, core.ErrCounterNotIncreased) {
			// A concurrent login with the same or a higher counter won
			return nil, s.cloneDetected(ctx, stored, vc.SignCount, now)
		}
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrUnknownCredential
		}
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}

	user, err := s.store.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	account, _, err := s.restoreAccount(ctx, user.ID, stored.ID, vc.SecretMaterial)
	if err != nil {
		return nil, err
	}

	token, _, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in",
		zap.String("user_id", user.ID),
		zap.String("credential_id", stored.EncodedID()))
	s.publish(ctx, core.Event{
		Type:         core.EventUserLoggedIn,
		UserID:       user.ID,
		CredentialID: stored.EncodedID(),
		At:           now,
	})

	return &core.LoginVerifyResult{
		User:         *user,
		SessionToken: token,
		Account:      accountInfo(account),
	}, nil
}

func (s *AuthService) cloneDetected(ctx context.Context, stored *core.Credential, asserted uint32, now time.Time) error {
	s.logger.Warn("possible cloned authenticator",
		zap.String("user_id", stored.UserID),
		zap.String("credential_id", stored.EncodedID()),
		zap.Uint32("stored_counter", stored.SignCount),
		zap.Uint32("asserted_counter", asserted))
	s.publish(ctx, core.Event{
		Type:         core.EventCloneDetected,
		UserID:       stored.UserID,
		CredentialID: stored.EncodedID(),
		At:           now,
		Attributes: map[string]string{
			"stored_counter":   fmt.Sprint(stored.SignCount),
			"asserted_counter": fmt.Sprint(asserted),
		},
	})
	return core.ErrPossibleCloneDetected
}
