package seed

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

func TestLoadOrCreate_CreatesThenReuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faucet.seed")

	s1, err := LoadOrCreate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s2, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, s1, s2, "second call must reuse the persisted seed")
}

func TestLoadOrCreate_RejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faucet.seed")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := LoadOrCreate(path)
	require.Error(t, err)
}

func TestSeed_DerivationIsDeterministic(t *testing.T) {
	var s Seed
	for i := range s {
		s[i] = byte(i)
	}

	m1, err := s.L1Master(&chaincfg.SigNetParams)
	require.NoError(t, err)
	m2, err := s.L1Master(&chaincfg.SigNetParams)
	require.NoError(t, err)
	require.Equal(t, m1.String(), m2.String())

	priv1, err := s.L2PrivateKey()
	require.NoError(t, err)
	priv2, err := s.L2PrivateKey()
	require.NoError(t, err)

	addr1 := crypto.PubkeyToAddress(priv1.PublicKey)
	addr2 := crypto.PubkeyToAddress(priv2.PublicKey)
	require.Equal(t, addr1, addr2, "deriving twice from the same seed must yield the same address")
}

func TestSeed_DifferentSeedsDiverge(t *testing.T) {
	var a, b Seed
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(i + 1)
	}

	privA, err := a.L2PrivateKey()
	require.NoError(t, err)
	privB, err := b.L2PrivateKey()
	require.NoError(t, err)

	require.NotEqual(t, crypto.PubkeyToAddress(privA.PublicKey), crypto.PubkeyToAddress(privB.PublicKey))
}

// TestSeed_HKDFAlternativeIsAlsoDomainSeparated exercises the "fixed
// domain-separation tag" form of L2 key derivation (HKDF with an
// "l2 ethereum" info string) described as an option elsewhere; the
// wallet actually derives via BIP39/BIP44 so it can be recovered with
// off-the-shelf hardware wallets, but both forms must separate L1 and
// L2 key material from the same root seed, which is the property this
// test checks.
func TestSeed_HKDFAlternativeIsAlsoDomainSeparated(t *testing.T) {
	var s Seed
	for i := range s {
		s[i] = byte(i)
	}

	l2Key := hkdfDerive(t, s, "l2 ethereum")
	l1Key := hkdfDerive(t, s, "l1 bitcoin")
	require.NotEqual(t, l1Key, l2Key)

	again := hkdfDerive(t, s, "l2 ethereum")
	require.Equal(t, l2Key, again)
}

func hkdfDerive(t *testing.T, s Seed, info string) [32]byte {
	t.Helper()
	r := hkdf.New(sha256.New, s[:], nil, []byte(info))
	var out [32]byte
	_, err := io.ReadFull(r, out[:])
	require.NoError(t, err)
	return out
}
