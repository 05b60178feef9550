package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/keyderiv"
	"go.uber.org/zap"
)

// newAccount derives the user's custodial keypair from the registering
// credential and seals its seed. Hardware secret material wins when the
// authenticator exposed it; otherwise the server secret is used.
func (s *AuthService) newAccount(userID string, credentialID []byte, secret []byte, now time.Time) (*core.Account, *keyderiv.Keypair, error) {
	var (
		kp         *keyderiv.Keypair
		provenance core.Provenance
		err        error
	)
	if len(secret) > 0 {
		// Short hardware material is rejected rather than silently
		// downgraded to the server path.
		kp, err = s.deriver.FromHardwareSecret(secret, userID)
		provenance = core.ProvenancePRF
	} else {
		kp, err = s.deriver.FromServerSecret(userID, credentialID, s.cfg.ServerSecret)
		provenance = core.ProvenanceServer
	}
	if err != nil {
		return nil, nil, err
	}

	sealed, err := s.cipher.Encrypt(kp.Seed, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal account seed: %w", err)
	}

	return &core.Account{
		UserID:             userID,
		Address:            kp.Address,
		PublicKey:          kp.PublicKey,
		Scheme:             kp.Scheme,
		Provenance:         provenance,
		OriginCredentialID: append([]byte(nil), credentialID...),
		EncryptedSeed:      sealed,
		CreatedAt:          now,
	}, kp, nil
}

// restoreAccount recovers the user's keypair after a login. It re-derives
// when the login carries what the original derivation used and otherwise
// opens the sealed seed. Either way the result must match the stored
// address; a mismatch is fatal and never replaces the record.
func (s *AuthService) restoreAccount(ctx context.Context, userID string, credentialID []byte, secret []byte) (*core.Account, *keyderiv.Keypair, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account: %w", err)
	}

	deriver, err := accountDeriver(account)
	if err != nil {
		return nil, nil, err
	}

	var kp *keyderiv.Keypair
	switch {
	case account.Provenance == core.ProvenanceServer:
		kp, err = deriver.FromServerSecret(userID, account.OriginCredentialID, s.cfg.ServerSecret)
	case account.Provenance == core.ProvenancePRF && len(secret) > 0 && bytes.Equal(credentialID, account.OriginCredentialID):
		kp, err = deriver.FromHardwareSecret(secret, userID)
	default:
		kp, err = s.openAccount(account)
	}
	if err != nil {
		return nil, nil, err
	}

	if kp.Address != account.Address {
		s.logger.Error("derived address does not match account",
			zap.String("user_id", userID),
			zap.String("provenance", string(account.Provenance)),
			zap.String("credential_id", core.EncodeCredentialID(credentialID)))
		return nil, nil, fmt.Errorf("derived address mismatch: %w", core.ErrInvalidSecretMaterial)
	}
	return account, kp, nil
}

// openAccount decrypts the stored seed and rebuilds the keypair
func (s *AuthService) openAccount(account *core.Account) (*keyderiv.Keypair, error) {
	seed, err := s.cipher.Decrypt(account.EncryptedSeed, account.UserID)
	if err != nil {
		return nil, err
	}
	deriver, err := accountDeriver(account)
	if err != nil {
		return nil, err
	}
	kp, err := deriver.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kp.Address != account.Address {
		return nil, fmt.Errorf("sealed seed does not match account: %w", core.ErrInvalidSecretMaterial)
	}
	return kp, nil
}

// accountDeriver uses the scheme the account was created with, which may
// differ from the currently configured one.
func accountDeriver(account *core.Account) (*keyderiv.Deriver, error) {
	scheme, err := keyderiv.SchemeByName(account.Scheme)
	if err != nil {
		return nil, fmt.Errorf("account scheme: %w", core.ErrInvalidSecretMaterial)
	}
	return keyderiv.New(scheme), nil
}

// AccountInfo returns the public view of the caller's custodial account
func (s *AuthService) AccountInfo(ctx context.Context, token string) (*core.AccountInfo, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetAccount(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	info := accountInfo(account)
	return &info, nil
}

// DeriveSubAccount returns the keypair at index below the caller's master
// account. The master seed never leaves the service.
func (s *AuthService) DeriveSubAccount(ctx context.Context, token string, index uint32) (*core.SubAccount, error) {
	_, user, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetAccount(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	master, err := s.openAccount(account)
	if err != nil {
		return nil, err
	}

	deriver, err := accountDeriver(account)
	if err != nil {
		return nil, err
	}
	sub, err := deriver.SubAccount(master, index)
	if err != nil {
		return nil, err
	}
	return &core.SubAccount{
		Index:     index,
		Address:   sub.Address,
		PublicKey: hexutil.Encode(sub.PublicKey),
	}, nil
}
