package l1wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// buildTransaction selects inputs covering batch's total payout plus fee,
// builds one output per payout, an optional change output back to a
// fresh wallet address, and signs every input as a Taproot key-path
// spend. It returns the finished transaction and the UTXOs it consumes.
func (b *Batcher) buildTransaction(ctx context.Context, batch []PayoutRequest, utxos []UTXO, keys map[string]*btcec.PrivateKey, feeRatePerVByte int64) (*wire.MsgTx, []UTXO, error) {
	var target btcutil.Amount
	for _, req := range batch {
		target += req.Amount
	}

	inputs, fee, err := selectInputs(utxos, target, feeRatePerVByte)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for _, u := range inputs {
		op := wire.OutPoint{Hash: u.TxID, Index: u.Vout}
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prevOuts[op] = wire.NewTxOut(int64(u.Value), u.PkScript)
	}

	for _, req := range batch {
		script, err := txscript.PayToAddrScript(req.Dest)
		if err != nil {
			return nil, nil, fmt.Errorf("l1wallet: building payout script for %s: %w", req.Dest, err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(req.Amount), script))
	}

	total := totalOf(inputs)
	change := total - target - fee
	if change > dustLimit {
		changeAddr, err := b.wallet.NextReceiveAddress(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("l1wallet: deriving change address: %w", err)
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("l1wallet: building change script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range inputs {
		key, ok := keys[string(u.PkScript)]
		if !ok {
			return nil, nil, fmt.Errorf("l1wallet: no signing key for input %d (%s:%d)", i, u.TxID, u.Vout)
		}
		sigHash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return nil, nil, fmt.Errorf("l1wallet: computing sighash for input %d: %w", i, err)
		}
		// The output commits to the BIP341-tweaked key (see taprootOutputKey),
		// so a key-path signature must be made with the tweaked private key.
		sig, err := schnorr.Sign(txscript.TweakTaprootPrivKey(*key, nil), sigHash)
		if err != nil {
			return nil, nil, fmt.Errorf("l1wallet: signing input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig.Serialize()}
	}

	return tx, inputs, nil
}
