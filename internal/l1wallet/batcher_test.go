package l1wallet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/seed"
)

type fakeIndexer struct {
	feeRate     int64
	utxos       []UTXO
	broadcasted []*wire.MsgTx
}

func (f *fakeIndexer) FeeRateSatPerVByte(ctx context.Context) (int64, error) {
	return f.feeRate, nil
}

func (f *fakeIndexer) ListUnspent(ctx context.Context, addresses []string) ([]UTXO, error) {
	return f.utxos, nil
}

func (f *fakeIndexer) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	f.broadcasted = append(f.broadcasted, tx)
	return nil
}

func newTestWallet(t *testing.T) (*Wallet, *Store) {
	var s seed.Seed
	for i := range s {
		s[i] = byte(i)
	}
	master, err := s.L1Master(&chaincfg.SigNetParams)
	require.NoError(t, err)

	store, err := OpenStore(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewWallet(&chaincfg.SigNetParams, master, store), store
}

func TestBatcher_BuildsAndBroadcastsTransaction(t *testing.T) {
	wallet, store := newTestWallet(t)
	ctx := context.Background()

	addr, _, err := wallet.deriveChild(0)
	require.NoError(t, err)
	_, err = store.NextAddressIndex(ctx) // advance cursor so index 0 is "known"
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	var txid chainhash.Hash
	txid[0] = 0xAB
	utxo := UTXO{TxID: txid, Vout: 0, Value: 1_000_000, PkScript: script}
	require.NoError(t, store.UpsertUTXO(ctx, utxo))

	indexer := &fakeIndexer{feeRate: 2, utxos: []UTXO{utxo}}
	batcher := NewBatcher(log.Root(), DefaultBatcherConfig(), wallet, indexer)

	destAddr, _, err := wallet.deriveChild(1)
	require.NoError(t, err)

	err = batcher.runBatch(ctx, []PayoutRequest{{Dest: destAddr, Amount: 10_000}})
	require.NoError(t, err)
	require.Len(t, indexer.broadcasted, 1)
	require.Equal(t, StateIdle, batcher.state)
}

func TestBatcher_InsufficientFundsIsReported(t *testing.T) {
	wallet, _ := newTestWallet(t)
	indexer := &fakeIndexer{feeRate: 2}
	batcher := NewBatcher(log.Root(), DefaultBatcherConfig(), wallet, indexer)

	destAddr, _, err := wallet.deriveChild(0)
	require.NoError(t, err)

	err = batcher.runBatch(context.Background(), []PayoutRequest{{Dest: destAddr, Amount: 10_000}})
	require.Error(t, err)
}

func TestBatcher_EnqueueAndBalance(t *testing.T) {
	wallet, _ := newTestWallet(t)
	indexer := &fakeIndexer{feeRate: 2}
	batcher := NewBatcher(log.Root(), DefaultBatcherConfig(), wallet, indexer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go batcher.Run(ctx)
	defer batcher.Close()

	destAddr, _, err := wallet.deriveChild(0)
	require.NoError(t, err)
	_, err = batcher.Enqueue(ctx, PayoutRequest{Dest: destAddr, Amount: 1000})
	require.NoError(t, err)

	bal, err := batcher.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), bal)
}

