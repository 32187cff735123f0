// Package l1wallet implements the Bitcoin-family payout side of the
// faucet: a Taproot wallet derived from the shared seed, a UTXO index,
// and the batcher that turns queued payout requests into broadcast
// transactions.
package l1wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// UTXO is a single unspent transaction output the wallet controls.
type UTXO struct {
	TxID     chainhash.Hash
	Vout     uint32
	Value    btcutil.Amount
	PkScript []byte
}

// Indexer is the narrow surface of an Esplora-style indexer the wallet
// and batcher need: current fee estimate, the UTXO set for a list of
// addresses, and transaction broadcast. Addresses rather than a ranged
// descriptor, since Esplora-family APIs address-index rather than
// descriptor-index.
type Indexer interface {
	FeeRateSatPerVByte(ctx context.Context) (int64, error)
	ListUnspent(ctx context.Context, addresses []string) ([]UTXO, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// Wallet derives Taproot receive addresses from a single BIP32 master key
// using the tr({xpriv}/86h/0h/0h/0/*) descriptor shape, and tracks the
// next unused address index in Store.
type Wallet struct {
	net    *chaincfg.Params
	master *hdkeychain.ExtendedKey
	store  *Store
}

// taprootAccountPath is 86'/0'/0', BIP86's single-sig Taproot account.
var taprootAccountPath = []uint32{
	86 + hdkeychain.HardenedKeyStart,
	0 + hdkeychain.HardenedKeyStart,
	0 + hdkeychain.HardenedKeyStart,
}

// NewWallet constructs a Wallet from a BIP32 master key and opens its
// backing store.
func NewWallet(net *chaincfg.Params, master *hdkeychain.ExtendedKey, store *Store) *Wallet {
	return &Wallet{net: net, master: master, store: store}
}

// Descriptor returns the output-script descriptor string describing the
// wallet's entire external receive chain, for backup/display purposes
// and for indexers that understand ranged descriptors natively.
func (w *Wallet) Descriptor() (string, error) {
	account, err := w.deriveAccount()
	if err != nil {
		return "", err
	}
	xpriv := account.String()
	return fmt.Sprintf("tr(%s/0/*)", xpriv), nil
}

// KnownAddresses returns every external address issued so far, for
// indexers (like Esplora) that must be queried address-by-address rather
// than by descriptor.
func (w *Wallet) KnownAddresses(ctx context.Context) ([]string, error) {
	cursor, err := w.store.PeekNextIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, cursor)
	for i := uint32(0); i < cursor; i++ {
		addr, _, err := w.deriveChild(i)
		if err != nil {
			return nil, err
		}
		out = append(out, addr.EncodeAddress())
	}
	return out, nil
}

func (w *Wallet) deriveAccount() (*hdkeychain.ExtendedKey, error) {
	key := w.master
	var err error
	for _, idx := range taprootAccountPath {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("l1wallet: deriving taproot account path: %w", err)
		}
	}
	return key, nil
}

// NextReceiveAddress derives the next unused external Taproot address and
// advances the store's cursor so it is never handed out twice.
func (w *Wallet) NextReceiveAddress(ctx context.Context) (btcutil.Address, error) {
	idx, err := w.store.NextAddressIndex(ctx)
	if err != nil {
		return nil, err
	}

	account, err := w.deriveAccount()
	if err != nil {
		return nil, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: deriving external chain: %w", err)
	}
	child, err := external.Derive(idx)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: deriving address index %d: %w", idx, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("l1wallet: extracting address pubkey: %w", err)
	}

	addr, err := btcutil.NewAddressTaproot(taprootOutputKey(pub), w.net)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: building taproot address: %w", err)
	}
	return addr, nil
}

// deriveChild returns the address and signing key at external chain index
// idx.
func (w *Wallet) deriveChild(idx uint32) (btcutil.Address, *btcec.PrivateKey, error) {
	account, err := w.deriveAccount()
	if err != nil {
		return nil, nil, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return nil, nil, fmt.Errorf("l1wallet: deriving external chain: %w", err)
	}
	child, err := external.Derive(idx)
	if err != nil {
		return nil, nil, fmt.Errorf("l1wallet: deriving address index %d: %w", idx, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, nil, fmt.Errorf("l1wallet: extracting address pubkey: %w", err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, nil, fmt.Errorf("l1wallet: extracting address privkey: %w", err)
	}
	addr, err := btcutil.NewAddressTaproot(taprootOutputKey(pub), w.net)
	if err != nil {
		return nil, nil, fmt.Errorf("l1wallet: building taproot address: %w", err)
	}
	return addr, priv, nil
}

// SigningKeys rederives the signing key for every external address issued
// so far, keyed by the raw pkScript bytes (as a string), so the batcher can look up
// the key that controls a given UTXO.
func (w *Wallet) SigningKeys(ctx context.Context) (map[string]*btcec.PrivateKey, error) {
	cursor, err := w.store.PeekNextIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*btcec.PrivateKey, cursor)
	for i := uint32(0); i < cursor; i++ {
		addr, priv, err := w.deriveChild(i)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("l1wallet: building pkscript for index %d: %w", i, err)
		}
		out[string(script)] = priv
	}
	return out, nil
}

func chainhashFromHex(hexStr string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("l1wallet: parsing txid %q: %w", hexStr, err)
	}
	return *h, nil
}
