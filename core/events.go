package core

import "time"

// EventType names an auth event published for other services
type EventType string

const (
	EventUserRegistered         EventType = "user.registered"
	EventUserLoggedIn           EventType = "user.logged_in"
	EventCloneDetected          EventType = "credential.clone_detected"
	EventCredentialAdded        EventType = "credential.added"
	EventCredentialRevoked      EventType = "credential.revoked"
	EventRecoveryCodeUsed       EventType = "recovery.code_used"
	EventEmailRecoveryCompleted EventType = "recovery.email_completed"
	EventSessionRevoked         EventType = "session.revoked"
)

// Event is an auth state change worth telling the rest of the platform about
type Event struct {
	Type         EventType         `json:"type"`
	UserID       string            `json:"user_id"`
	CredentialID string            `json:"credential_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	At           time.Time         `json:"at"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}
