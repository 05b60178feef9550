package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/custodian/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenizer(t *testing.T, now time.Time) *JWTTokenizer {
	t.Helper()
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	return NewJWTTokenizer(key, "custodian-test").WithClock(func() time.Time { return now })
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tk := newTokenizer(t, now)

	token, err := tk.SessionToToken(&core.Session{
		ID: "sess-1", UserID: "user-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := tk.TokenToSession(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestTokenToSession_Expired(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tk := newTokenizer(t, now)

	token, err := tk.SessionToToken(&core.Session{
		ID: "sess-1", UserID: "user-1", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = tk.TokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidSession)
}

func TestTokenToSession_ForeignKey(t *testing.T) {
	now := time.Now()
	issuer := newTokenizer(t, now)
	verifier := newTokenizer(t, now)

	token, err := issuer.SessionToToken(&core.Session{ID: "s", UserID: "u", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	_, err = verifier.TokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidSession)
}

func TestTokenToSession_Malformed(t *testing.T) {
	tk := newTokenizer(t, time.Now())

	for _, token := range []string{"", "garbage", "a.b.c", strings.Repeat("x", 500)} {
		_, err := tk.TokenToSession(token)
		assert.ErrorIs(t, err, core.ErrInvalidSession, token)
	}
}

func TestTokenToSession_WrongAlgorithm(t *testing.T) {
	now := time.Now()
	tk := newTokenizer(t, now)

	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "custodian-test", Subject: "u", ID: "s",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		Audience:  jwt.ClaimStrings{AudienceSession},
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = tk.TokenToSession(token)
	assert.ErrorIs(t, err, core.ErrInvalidSession)
}

func TestParseSigningKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	parsed, err := ParseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	parsed, err = ParseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParseSigningKey([]byte("not pem"))
	assert.Error(t, err)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(p384)
	require.NoError(t, err)
	_, err = ParseSigningKey(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	assert.Error(t, err)
}
