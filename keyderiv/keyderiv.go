// Package keyderiv turns authentication material into deterministic
// custodial keypairs. Everything here is pure; the same inputs always give
// the same keypair, which is what makes funds recoverable by
// re-authenticating.
package keyderiv

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/layer-3/custodian/core"
	"golang.org/x/crypto/hkdf"
)

const (
	// SeedSize is the length of every derived seed
	SeedSize = 32
	// MinSecretSize is the minimum accepted input entropy
	MinSecretSize = 16
)

var (
	hardwareSalt = []byte("custodian-prf-v1")
	serverInfo   = []byte("custodian-server-v1")
)

// Deriver binds the pure derivation functions to a keypair scheme
type Deriver struct {
	scheme Scheme
}

// New creates a deriver for the given scheme
func New(scheme Scheme) *Deriver {
	return &Deriver{scheme: scheme}
}

// Scheme returns the scheme keypairs are produced with
func (d *Deriver) Scheme() Scheme {
	return d.scheme
}

// FromHardwareSecret derives the keypair from an authenticator's PRF output
func (d *Deriver) FromHardwareSecret(secret []byte, userID string) (*Keypair, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("hardware secret has %d bytes: %w", len(secret), core.ErrInvalidSecretMaterial)
	}
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", core.ErrInvalidSecretMaterial)
	}
	seed, err := expand(secret, hardwareSalt, []byte(userID))
	if err != nil {
		return nil, err
	}
	return d.scheme.FromSeed(seed)
}

// FromServerSecret is the fallback when the authenticator exposes no secret.
// The result depends on a server-held secret: whoever holds it can recompute
// every fallback key.
func (d *Deriver) FromServerSecret(userID string, credentialID []byte, serverSecret []byte) (*Keypair, error) {
	if len(serverSecret) < MinSecretSize {
		return nil, fmt.Errorf("server secret has %d bytes: %w", len(serverSecret), core.ErrInvalidSecretMaterial)
	}
	if userID == "" || len(credentialID) == 0 {
		return nil, fmt.Errorf("missing user or credential id: %w", core.ErrInvalidSecretMaterial)
	}
	material := []byte(userID + ":" + core.EncodeCredentialID(credentialID))
	seed, err := expand(material, serverSecret, serverInfo)
	if err != nil {
		return nil, err
	}
	return d.scheme.FromSeed(seed)
}

// FromSeed rebuilds a keypair from a previously derived seed
func (d *Deriver) FromSeed(seed []byte) (*Keypair, error) {
	return d.scheme.FromSeed(seed)
}

// SubAccount derives the index-th operational keypair under master. The
// sub seed is sha256(master seed || be32(index)) so it cannot be walked
// back to the master.
func (d *Deriver) SubAccount(master *Keypair, index uint32) (*Keypair, error) {
	if master == nil || len(master.Seed) != SeedSize {
		return nil, fmt.Errorf("master seed: %w", core.ErrInvalidSecretMaterial)
	}
	buf := make([]byte, 0, SeedSize+4)
	buf = append(buf, master.Seed...)
	buf = binary.BigEndian.AppendUint32(buf, index)
	sub := sha256.Sum256(buf)
	return d.scheme.FromSeed(sub[:])
}

func expand(secret, salt, info []byte) ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), seed); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return seed, nil
}
