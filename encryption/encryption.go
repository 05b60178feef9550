// Package encryption seals per-user secrets at rest.
//
// Every blob is self-contained:
//
//	version(1) | iterations(4, big endian) | salt(16) | nonce(12) | ciphertext+tag
//
// The AES-256-GCM key is PBKDF2-SHA256(master key, static salt || user id || salt).
// The user id is also bound as additional data, so a blob moved to another
// user fails to open.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/layer-3/custodian/core"
	"golang.org/x/crypto/pbkdf2"
)

const (
	blobVersion = 1
	saltSize    = 16
	nonceSize   = 12
	keySize     = 32
	headerSize  = 1 + 4 + saltSize + nonceSize

	// MinIterations is the lowest PBKDF2 cost accepted for sealing or opening
	MinIterations = 100_000
	// DefaultIterations is used when Config.Iterations is zero
	DefaultIterations = 210_000
	// maxIterations bounds the work a crafted blob can demand
	maxIterations = 10_000_000

	minMasterKeySize = 16
)

var ErrMissingMasterKey = errors.New("encryption master key is not configured")

type Config struct {
	MasterKey  []byte
	Salt       string
	Iterations int
}

// Service encrypts and decrypts per-user secrets. It is stateless apart
// from its configuration and safe for concurrent use.
type Service struct {
	masterKey  []byte
	salt       []byte
	iterations int
}

// New creates a service. It refuses to run without a master key.
func New(cfg Config) (*Service, error) {
	if len(cfg.MasterKey) == 0 {
		return nil, ErrMissingMasterKey
	}
	if len(cfg.MasterKey) < minMasterKeySize {
		return nil, fmt.Errorf("encryption master key must be at least %d bytes", minMasterKeySize)
	}
	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations || iterations > maxIterations {
		return nil, fmt.Errorf("encryption iterations %d out of range [%d, %d]", iterations, MinIterations, maxIterations)
	}
	return &Service{
		masterKey:  append([]byte(nil), cfg.MasterKey...),
		salt:       []byte(cfg.Salt),
		iterations: iterations,
	}, nil
}

// GenerateKey returns 32 random bytes, for ephemeral development keys
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for userID
func (s *Service) Encrypt(plaintext []byte, userID string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", core.ErrInvalidRequest)
	}

	blob := make([]byte, headerSize, headerSize+len(plaintext)+16)
	blob[0] = blobVersion
	binary.BigEndian.PutUint32(blob[1:5], uint32(s.iterations))
	salt := blob[5 : 5+saltSize]
	nonce := blob[5+saltSize : headerSize]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := s.aead(userID, salt, s.iterations)
	if err != nil {
		return nil, err
	}
	return aead.Seal(blob, nonce, plaintext, []byte(userID)), nil
}

// Decrypt opens a blob sealed for userID. Any mismatch fails with
// core.ErrDecryptionFailed and no plaintext.
func (s *Service) Decrypt(blob []byte, userID string) ([]byte, error) {
	if len(blob) < headerSize+16 || blob[0] != blobVersion {
		return nil, fmt.Errorf("malformed blob: %w", core.ErrDecryptionFailed)
	}
	iterations := int(binary.BigEndian.Uint32(blob[1:5]))
	if iterations < MinIterations || iterations > maxIterations {
		return nil, fmt.Errorf("blob iterations out of range: %w", core.ErrDecryptionFailed)
	}
	salt := blob[5 : 5+saltSize]
	nonce := blob[5+saltSize : headerSize]

	aead, err := s.aead(userID, salt, iterations)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, blob[headerSize:], []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("open: %w", core.ErrDecryptionFailed)
	}
	return plaintext, nil
}

func (s *Service) aead(userID string, salt []byte, iterations int) (cipher.AEAD, error) {
	kdfSalt := make([]byte, 0, len(s.salt)+len(userID)+len(salt))
	kdfSalt = append(kdfSalt, s.salt...)
	kdfSalt = append(kdfSalt, userID...)
	kdfSalt = append(kdfSalt, salt...)
	key := pbkdf2.Key(s.masterKey, kdfSalt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
