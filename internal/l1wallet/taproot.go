package l1wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// taprootOutputKey computes the 32-byte x-only output key for a key-path
// spend with no script tree, per BIP341.
func taprootOutputKey(internal *btcec.PublicKey) []byte {
	tweaked := txscript.ComputeTaprootKeyNoScript(internal)
	return schnorr.SerializePubKey(tweaked)
}
