package ports

import (
	"context"

	"github.com/layer-3/custodian/core"
)

// PasskeyVerifier checks attestations and assertions against a challenge.
// A signature or protocol mismatch wraps core.ErrCredentialVerificationFailed;
// anything else is treated as a transient failure.
type PasskeyVerifier interface {
	CreationOptions(challenge *core.Challenge, user core.PasskeyUser, exclude []core.Credential) *core.CreationOptions
	RequestOptions(challenge *core.Challenge, allow [][]byte) *core.RequestOptions

	VerifyRegistration(ctx context.Context, ceremony core.RegistrationCeremony) (*core.VerifiedCredential, error)
	VerifyAssertion(ctx context.Context, ceremony core.AssertionCeremony) (*core.VerifiedCredential, error)
}
