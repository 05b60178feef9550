package core

import (
	"encoding/base64"
	"strings"
	"time"
)

// User is the identity anchor every credential and account hangs off
type User struct {
	ID                        string    `json:"id"`
	Email                     string    `json:"email"`
	CreatedAt                 time.Time `json:"created_at"`
	RecoveryCodesAcknowledged bool      `json:"recovery_codes_acknowledged"`
}

// Credential is one registered passkey
type Credential struct {
	ID             []byte     `json:"-"`
	UserID         string     `json:"user_id"`
	PublicKey      []byte     `json:"-"`
	SignCount      uint32     `json:"sign_count"`
	FriendlyName   string     `json:"friendly_name"`
	BackupEligible bool       `json:"backup_eligible"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// EncodedID returns the credential id in its wire (base64url) form
func (c *Credential) EncodedID() string {
	return EncodeCredentialID(c.ID)
}

// Revoked reports whether the credential has been explicitly revoked
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// RecoveryCode is one single-use backup secret; only its hash is kept
type RecoveryCode struct {
	ID         string
	UserID     string
	Salt       []byte
	Hash       []byte
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// RecoveryAttempt is one recovery-code verification outcome, used for rate
// limiting. Subject is derived from the submitted email so unknown emails
// are counted the same way as registered ones; UserID is empty for them.
type RecoveryAttempt struct {
	Subject    string
	UserID     string
	Success    bool
	RemoteAddr string
	At         time.Time
}

// Provenance tags how a custodial keypair was derived
type Provenance string

const (
	// ProvenancePRF means the seed came from the authenticator's PRF output
	ProvenancePRF Provenance = "prf"
	// ProvenanceServer means the seed depends on the server-held secret; a
	// server compromise reveals it
	ProvenanceServer Provenance = "server"
)

// Account is the custodial keypair record, one per user
type Account struct {
	UserID             string
	Address            string
	PublicKey          []byte
	Scheme             string
	Provenance         Provenance
	OriginCredentialID []byte
	EncryptedSeed      []byte
	CreatedAt          time.Time
}

// NormalizeEmail folds an email into its lookup form
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EncodeCredentialID renders raw credential id bytes as unpadded base64url
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentialID accepts padded or unpadded base64url
func DecodeCredentialID(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
