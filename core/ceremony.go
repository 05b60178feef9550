package core

import (
	"encoding/json"
	"fmt"
)

// RegistrationCeremony is what a verifier needs to check an attestation
type RegistrationCeremony struct {
	Challenge  []byte
	UserHandle []byte
	Response   json.RawMessage
}

// AssertionCeremony is what a verifier needs to check an assertion
type AssertionCeremony struct {
	Challenge  []byte
	UserHandle []byte
	Stored     *Credential
	Response   json.RawMessage
}

// VerifiedCredential is the outcome of a successful ceremony
type VerifiedCredential struct {
	ID             []byte
	PublicKey      []byte
	SignCount      uint32
	BackupEligible bool
	// SecretMaterial is the PRF extension output, nil when the
	// authenticator did not expose one.
	SecretMaterial []byte
}

// AssertedCredentialID pulls the credential id out of a client response
// without verifying anything.
func AssertedCredentialID(raw json.RawMessage) ([]byte, error) {
	var envelope struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed credential: %w", ErrInvalidRequest)
	}
	encoded := envelope.RawID
	if encoded == "" {
		encoded = envelope.ID
	}
	if encoded == "" {
		return nil, fmt.Errorf("credential id missing: %w", ErrInvalidRequest)
	}
	id, err := DecodeCredentialID(encoded)
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("credential id not base64url: %w", ErrInvalidRequest)
	}
	return id, nil
}
