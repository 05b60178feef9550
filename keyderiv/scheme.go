package keyderiv

import (
	"crypto/ed25519"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/custodian/core"
)

const (
	SchemeSecp256k1 = "secp256k1"
	SchemeEd25519   = "ed25519"
)

// Keypair is a custodial signing key. Seed is the only secret; everything
// else is recomputable from it.
type Keypair struct {
	Scheme    string
	Seed      []byte
	PublicKey []byte
	Address   string
}

// Scheme maps a 32-byte seed to a chain keypair
type Scheme interface {
	Name() string
	FromSeed(seed []byte) (*Keypair, error)
}

// SchemeByName resolves a configured scheme name
func SchemeByName(name string) (Scheme, error) {
	switch name {
	case SchemeSecp256k1, "":
		return Secp256k1{}, nil
	case SchemeEd25519:
		return Ed25519{}, nil
	default:
		return nil, fmt.Errorf("unknown key scheme %q", name)
	}
}

// Secp256k1 produces EVM keypairs; the seed is the private scalar
type Secp256k1 struct{}

func (Secp256k1) Name() string { return SchemeSecp256k1 }

func (Secp256k1) FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes: %w", SeedSize, core.ErrInvalidSecretMaterial)
	}
	priv, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("seed is not a valid secp256k1 scalar: %w", core.ErrInvalidSecretMaterial)
	}
	return &Keypair{
		Scheme:    SchemeSecp256k1,
		Seed:      append([]byte(nil), seed...),
		PublicKey: crypto.CompressPubkey(&priv.PublicKey),
		Address:   crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

// Ed25519 produces Stellar/Solana style keypairs; the address is the hex
// encoded public key
type Ed25519 struct{}

func (Ed25519) Name() string { return SchemeEd25519 }

func (Ed25519) FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes: %w", ed25519.SeedSize, core.ErrInvalidSecretMaterial)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return &Keypair{
		Scheme:    SchemeEd25519,
		Seed:      append([]byte(nil), seed...),
		PublicKey: []byte(pub),
		Address:   hexutil.Encode(pub),
	}, nil
}
