package core

import "time"

// Purpose scopes what a challenge may be redeemed for
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposeLogin         Purpose = "login"
	PurposeRecovery      Purpose = "recovery"
	PurposeAddCredential Purpose = "add_credential"
)

// Challenge represents a single-use authentication challenge
type Challenge struct {
	ID        string    // Opaque, unguessable identifier
	Purpose   Purpose   // Flow this challenge belongs to
	Email     string    // User hint, empty for usernameless login
	UserID    string    // Owning (or prospective) user, empty when unknown
	Bytes     []byte    // Random bytes the authenticator signs
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// ChallengeHint carries the user context a challenge is bound to
type ChallengeHint struct {
	Email  string
	UserID string
}

// Expired reports whether the challenge is past its expiry at now
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session represents an authenticated user session
type Session struct {
	ID           string    // Unique session identifier, carried as the token jti
	UserID       string    // Owner of the session
	IssuedAt     time.Time // When the session was created
	ExpiresAt    time.Time // Absolute expiry
	LastActiveAt time.Time // Updated on every successful validation
	RevokedAt    *time.Time
}

// Active reports whether the session may still be used at now
func (s *Session) Active(now time.Time, idle time.Duration) bool {
	if s.RevokedAt != nil {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if idle > 0 && now.Sub(s.LastActiveAt) > idle {
		return false
	}
	return true
}
