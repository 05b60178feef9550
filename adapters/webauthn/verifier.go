// Package webauthn adapts go-webauthn to the PasskeyVerifier port.
// Challenges are minted by the ChallengeRegistry, not by go-webauthn, so the
// adapter rebuilds the library's SessionData from the redeemed challenge.
package webauthn

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	gowebauthn "github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/custodian/core"
	"github.com/layer-3/custodian/ports"
)

// prfSalt is the fixed PRF evaluation input. Changing it changes every
// hardware-derived key, so it is versioned rather than configurable.
var prfSalt = sha256.Sum256([]byte("custodian-prf-eval-v1"))

var credentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	Timeout       time.Duration
}

type provider interface {
	CreateCredential(user gowebauthn.User, session gowebauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*gowebauthn.Credential, error)
	ValidateLogin(user gowebauthn.User, session gowebauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*gowebauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Verifier implements the PasskeyVerifier interface with go-webauthn
type Verifier struct {
	cfg      Config
	provider provider
	parser   parser
}

var _ ports.PasskeyVerifier = (*Verifier)(nil)

// New creates a verifier for the configured relying party
func New(cfg Config) (*Verifier, error) {
	w, err := gowebauthn.New(&gowebauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Verifier{cfg: cfg, provider: w, parser: defaultParser{}}, nil
}

func (v *Verifier) CreationOptions(ch *core.Challenge, user core.PasskeyUser, exclude []core.Credential) *core.CreationOptions {
	opts := &core.CreationOptions{
		Challenge: base64.RawURLEncoding.EncodeToString(ch.Bytes),
		RP:        core.RelyingParty{ID: v.cfg.RPID, Name: v.cfg.RPDisplayName},
		User: core.UserEntity{
			ID:          base64.RawURLEncoding.EncodeToString(user.Handle),
			Name:        user.Name,
			DisplayName: user.DisplayName,
		},
		Timeout: v.cfg.Timeout.Milliseconds(),
		AuthenticatorSelection: core.AuthenticatorSelection{
			ResidentKey:      string(protocol.ResidentKeyRequirementPreferred),
			UserVerification: string(protocol.VerificationPreferred),
		},
		Attestation: string(protocol.PreferNoAttestation),
		Extensions:  prfExtension(),
	}
	for _, p := range credentialParameters {
		opts.PubKeyCredParams = append(opts.PubKeyCredParams, core.CredentialParameter{
			Type: string(p.Type),
			Alg:  int(p.Algorithm),
		})
	}
	for _, c := range exclude {
		opts.ExcludeCredentials = append(opts.ExcludeCredentials, descriptor(c.ID))
	}
	return opts
}

func (v *Verifier) RequestOptions(ch *core.Challenge, allow [][]byte) *core.RequestOptions {
	opts := &core.RequestOptions{
		Challenge:        base64.RawURLEncoding.EncodeToString(ch.Bytes),
		RPID:             v.cfg.RPID,
		Timeout:          v.cfg.Timeout.Milliseconds(),
		UserVerification: string(protocol.VerificationPreferred),
		Extensions:       prfExtension(),
	}
	for _, id := range allow {
		opts.AllowCredentials = append(opts.AllowCredentials, descriptor(id))
	}
	return opts
}

func (v *Verifier) VerifyRegistration(ctx context.Context, c core.RegistrationCeremony) (*core.VerifiedCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := v.parser.ParseCredentialCreationResponseBytes(c.Response)
	if err != nil {
		return nil, fmt.Errorf("parse attestation: %w: %v", core.ErrCredentialVerificationFailed, err)
	}

	user := &passkeyUser{id: c.UserHandle}
	cred, err := v.provider.CreateCredential(user, v.session(c.Challenge, c.UserHandle), parsed)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %w: %v", core.ErrCredentialVerificationFailed, err)
	}

	return &core.VerifiedCredential{
		ID:             cred.ID,
		PublicKey:      cred.PublicKey,
		SignCount:      cred.Authenticator.SignCount,
		BackupEligible: cred.Flags.BackupEligible,
		SecretMaterial: prfOutput(parsed.ClientExtensionResults),
	}, nil
}

func (v *Verifier) VerifyAssertion(ctx context.Context, c core.AssertionCeremony) (*core.VerifiedCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Stored == nil {
		return nil, fmt.Errorf("no stored credential: %w", core.ErrUnknownCredential)
	}

	parsed, err := v.parser.ParseCredentialRequestResponseBytes(c.Response)
	if err != nil {
		return nil, fmt.Errorf("parse assertion: %w: %v", core.ErrCredentialVerificationFailed, err)
	}

	user := &passkeyUser{
		id: c.UserHandle,
		credentials: []gowebauthn.Credential{{
			ID:            c.Stored.ID,
			PublicKey:     c.Stored.PublicKey,
			Authenticator: gowebauthn.Authenticator{SignCount: c.Stored.SignCount},
			Flags:         gowebauthn.CredentialFlags{BackupEligible: c.Stored.BackupEligible},
		}},
	}
	cred, err := v.provider.ValidateLogin(user, v.session(c.Challenge, c.UserHandle), parsed)
	if err != nil {
		return nil, fmt.Errorf("verify assertion: %w: %v", core.ErrCredentialVerificationFailed, err)
	}

	// go-webauthn keeps the stored counter when it flags a clone; the
	// engine needs the asserted one to apply its own rule.
	return &core.VerifiedCredential{
		ID:             cred.ID,
		PublicKey:      cred.PublicKey,
		SignCount:      parsed.Response.AuthenticatorData.Counter,
		BackupEligible: cred.Flags.BackupEligible,
		SecretMaterial: prfOutput(parsed.ClientExtensionResults),
	}, nil
}

func (v *Verifier) session(challenge, userHandle []byte) gowebauthn.SessionData {
	return gowebauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(challenge),
		UserID:           userHandle,
		UserVerification: protocol.VerificationPreferred,
		CredParams:       credentialParameters,
	}
}

func descriptor(id []byte) core.CredentialDescriptor {
	return core.CredentialDescriptor{
		Type: string(protocol.PublicKeyCredentialType),
		ID:   core.EncodeCredentialID(id),
	}
}

func prfExtension() *core.Extensions {
	prf := &core.PRFInputs{}
	prf.Eval.First = base64.RawURLEncoding.EncodeToString(prfSalt[:])
	return &core.Extensions{PRF: prf}
}

// prfOutput digs results.first out of the client's PRF extension output.
// Browsers serialise it as base64url; anything else reads as absent.
func prfOutput(ext protocol.AuthenticationExtensionsClientOutputs) []byte {
	prf, ok := ext["prf"].(map[string]any)
	if !ok {
		return nil
	}
	results, ok := prf["results"].(map[string]any)
	if !ok {
		return nil
	}
	first, ok := results["first"].(string)
	if !ok || first == "" {
		return nil
	}
	first = strings.TrimRight(first, "=")
	if out, err := base64.RawURLEncoding.DecodeString(first); err == nil {
		return out
	}
	if out, err := base64.RawStdEncoding.DecodeString(first); err == nil {
		return out
	}
	return nil
}

type passkeyUser struct {
	id          []byte
	credentials []gowebauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return u.id
}

func (u *passkeyUser) WebAuthnName() string {
	return string(u.id)
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return string(u.id)
}

func (u *passkeyUser) WebAuthnIcon() string {
	return ""
}

func (u *passkeyUser) WebAuthnCredentials() []gowebauthn.Credential {
	return u.credentials
}
