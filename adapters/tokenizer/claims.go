package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the standard claims of a session token. The jti is the
// session id; everything else lives in the session record.
type SessionClaims struct {
	jwt.RegisteredClaims
}
