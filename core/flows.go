package core

import (
	"encoding/json"
	"time"
)

type RegisterStartRequest struct {
	Email string `json:"email"`
}

type RegisterStartResult struct {
	ChallengeID string           `json:"challenge_id"`
	Options     *CreationOptions `json:"options"`
}

type RegisterVerifyRequest struct {
	Email        string          `json:"email"`
	ChallengeID  string          `json:"challenge_id"`
	Credential   json.RawMessage `json:"credential"`
	FriendlyName string          `json:"friendly_name,omitempty"`
}

type RegisterVerifyResult struct {
	User            User        `json:"user"`
	SessionToken    string      `json:"session_token"`
	RecoveryCodes   []string    `json:"recovery_codes"`
	MustAcknowledge bool        `json:"must_acknowledge"`
	Account         AccountInfo `json:"account"`
}

type LoginStartRequest struct {
	Email string `json:"email"`
}

type LoginStartResult struct {
	ChallengeID string          `json:"challenge_id"`
	Options     *RequestOptions `json:"options"`
}

type LoginVerifyRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

type LoginVerifyResult struct {
	User         User        `json:"user"`
	SessionToken string      `json:"session_token"`
	Account      AccountInfo `json:"account"`
}

type RecoveryCodeVerifyRequest struct {
	Email      string `json:"email"`
	Code       string `json:"code"`
	RemoteAddr string `json:"-"`
}

type RecoveryCodeVerifyResult struct {
	User           User   `json:"user"`
	SessionToken   string `json:"session_token"`
	RemainingCodes int    `json:"remaining_codes"`
}

type SessionValidateResult struct {
	User  *User `json:"user,omitempty"`
	Valid bool  `json:"valid"`
}

type AcknowledgeResult struct {
	Success      bool `json:"success"`
	Acknowledged bool `json:"acknowledged"`
}

type EmailRecoveryStartResult struct {
	Sent bool `json:"sent"`
}

type EmailRecoveryOptionsResult struct {
	Options *CreationOptions `json:"options"`
}

type EmailRecoveryCompleteRequest struct {
	Token        string          `json:"token"`
	Credential   json.RawMessage `json:"credential"`
	FriendlyName string          `json:"friendly_name,omitempty"`
}

type EmailRecoveryCompleteResult struct {
	User            User     `json:"user"`
	SessionToken    string   `json:"session_token"`
	RecoveryCodes   []string `json:"recovery_codes"`
	MustAcknowledge bool     `json:"must_acknowledge"`
}

type AddCredentialVerifyRequest struct {
	ChallengeID  string          `json:"challenge_id"`
	Credential   json.RawMessage `json:"credential"`
	FriendlyName string          `json:"friendly_name,omitempty"`
}

// CredentialInfo is the public view of a registered passkey
type CredentialInfo struct {
	ID             string     `json:"id"`
	FriendlyName   string     `json:"friendly_name"`
	BackupEligible bool       `json:"backup_eligible"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// NewCredentialInfo strips key material off a credential
func NewCredentialInfo(c *Credential) CredentialInfo {
	return CredentialInfo{
		ID:             c.EncodedID(),
		FriendlyName:   c.FriendlyName,
		BackupEligible: c.BackupEligible,
		CreatedAt:      c.CreatedAt,
		LastUsedAt:     c.LastUsedAt,
	}
}

// AccountInfo is the public view of a custodial account
type AccountInfo struct {
	Address    string     `json:"address"`
	PublicKey  string     `json:"public_key"`
	Scheme     string     `json:"scheme"`
	Provenance Provenance `json:"provenance"`
}

type SubAccount struct {
	Index     uint32 `json:"index"`
	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
}
