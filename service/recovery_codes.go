package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/custodian/core"
	"golang.org/x/crypto/argon2"
)

const (
	recoveryCodeBytes = 8 // 16 hex characters
	recoverySaltSize  = 16
)

// codeHasher hashes recovery codes with argon2id. The defaults follow the
// OWASP minimum for interactive logins.
type codeHasher struct {
	time    uint32
	memory  uint32
	threads uint8

	// onHash, when set, is called once per argon2 evaluation
	onHash func()
}

var defaultCodeHasher = codeHasher{time: 2, memory: 19 * 1024, threads: 1}

func (h codeHasher) hash(code string, salt []byte) []byte {
	if h.onHash != nil {
		h.onHash()
	}
	return argon2.IDKey([]byte(code), salt, h.time, h.memory, h.threads, 32)
}

func (h codeHasher) matches(code string, rc core.RecoveryCode) bool {
	return subtle.ConstantTimeCompare(h.hash(code, rc.Salt), rc.Hash) == 1
}

// burn spends the same effort as a real comparison against nothing
func (h codeHasher) burn(code string) {
	var salt [recoverySaltSize]byte
	h.hash(code, salt[:])
}

// find compares code against every record and pads the work with decoy
// hashes up to n, so the cost does not depend on how many codes the user
// has left or whether the user exists. It never stops at the first match.
func (h codeHasher) find(code string, codes []core.RecoveryCode, n int) *core.RecoveryCode {
	var match *core.RecoveryCode
	for i := range codes {
		if h.matches(code, codes[i]) && match == nil {
			match = &codes[i]
		}
	}
	for i := len(codes); i < n; i++ {
		h.burn(code)
	}
	return match
}

// generate returns a batch of formatted plaintext codes and their records
func (h codeHasher) generate(userID string, n int, now time.Time) ([]string, []core.RecoveryCode, error) {
	plain := make([]string, 0, n)
	records := make([]core.RecoveryCode, 0, n)
	for i := 0; i < n; i++ {
		raw := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate recovery code: %w", err)
		}
		salt := make([]byte, recoverySaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("failed to generate recovery code salt: %w", err)
		}

		code := strings.ToUpper(hex.EncodeToString(raw))
		plain = append(plain, formatRecoveryCode(code))
		records = append(records, core.RecoveryCode{
			ID:        uuid.NewString(),
			UserID:    userID,
			Salt:      salt,
			Hash:      h.hash(code, salt),
			CreatedAt: now,
		})
	}
	return plain, records, nil
}

// formatRecoveryCode groups a code as XXXX-XXXX-XXXX-XXXX
func formatRecoveryCode(code string) string {
	var b strings.Builder
	for i := 0; i < len(code); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := min(i+4, len(code))
		b.WriteString(code[i:end])
	}
	return b.String()
}

// normalizeRecoveryCode accepts any case, dashes and whitespace
func normalizeRecoveryCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return r
	}, code)
}
