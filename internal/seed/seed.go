// Package seed owns the faucet's single root secret and derives the two
// chain-specific signing identities from it.
package seed

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/base/go-bip39"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
)

// Size is the length in bytes of the root seed.
const Size = 32

// bip44EVMPath is m/44'/60'/0'/0/0, the standard Ethereum account path.
// The faucet only ever uses a single account and a single address index.
var bip44EVMPath = []uint32{
	44 + hdkeychain.HardenedKeyStart,
	60 + hdkeychain.HardenedKeyStart,
	0 + hdkeychain.HardenedKeyStart,
	0,
	0,
}

// Seed is the faucet's root secret. Both chain identities are
// deterministic functions of it, so rotating the seed rotates both at
// once.
type Seed [Size]byte

// LoadOrCreate reads the seed from path, creating it with fresh
// CSPRNG-sourced entropy and 0600 permissions if the file does not yet
// exist.
func LoadOrCreate(path string) (Seed, error) {
	var s Seed

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != Size {
			return s, fmt.Errorf("seed: file %s has length %d, want %d", path, len(data), Size)
		}
		copy(s[:], data)
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return s, fmt.Errorf("seed: reading %s: %w", path, err)
	}

	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("seed: generating entropy: %w", err)
	}
	if err := os.WriteFile(path, s[:], 0o600); err != nil {
		return s, fmt.Errorf("seed: writing %s: %w", path, err)
	}
	return s, nil
}

// L1Master derives the BIP32 master extended private key used to build
// the L1 wallet's Taproot descriptor. The wallet owns further derivation
// (the descriptor's /0/* range) itself.
func (s Seed) L1Master(net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(s[:], net)
	if err != nil {
		return nil, fmt.Errorf("seed: deriving L1 master key: %w", err)
	}
	return master, nil
}

// L2PrivateKey derives the single secp256k1 key used to sign every L2
// payout. It goes through a BIP39 mnemonic and BIP44 path, domain
// separating it from the L1 key both by namespace (a different BIP32
// master, seeded via BIP39 rather than directly) and by curve usage
// context, even though both ultimately sit on secp256k1.
func (s Seed) L2PrivateKey() (*ecdsa.PrivateKey, error) {
	mnemonic, err := bip39.NewMnemonic(s[:])
	if err != nil {
		return nil, fmt.Errorf("seed: deriving L2 mnemonic: %w", err)
	}
	mnemonicSeed := bip39.NewSeed(mnemonic, "")

	key, err := hdkeychain.NewMaster(mnemonicSeed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("seed: deriving L2 master key: %w", err)
	}
	for _, idx := range bip44EVMPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("seed: deriving L2 path index %d: %w", idx, err)
		}
	}

	btcecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("seed: extracting L2 private key: %w", err)
	}
	ecdsaPriv, err := crypto.ToECDSA(btcecPriv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("seed: converting L2 private key: %w", err)
	}
	return ecdsaPriv, nil
}
