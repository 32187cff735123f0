package l2dispatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	mu          sync.Mutex
	chainID     *big.Int
	nonce       uint64
	sent        [][]byte
	failNextErr error
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(10_000_000), nil
}

func (f *fakeRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeRPC) SendRawTransaction(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextErr != nil {
		err := f.failNextErr
		f.failNextErr = nil
		return err
	}
	f.sent = append(f.sent, raw)
	f.nonce++
	return nil
}

func TestDispatcher_SendAllocatesSequentialNonces(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	rpc := &fakeRPC{chainID: big.NewInt(1337), nonce: 5}
	d := NewDispatcher(log.Root(), rpc, priv)
	require.NoError(t, d.Start(context.Background()))
	require.Equal(t, crypto.PubkeyToAddress(priv.PublicKey), d.Address())

	dest := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	_, err = d.Send(context.Background(), PayoutRequest{Dest: dest, Amount: big.NewInt(100)})
	require.NoError(t, err)
	_, err = d.Send(context.Background(), PayoutRequest{Dest: dest, Amount: big.NewInt(200)})
	require.NoError(t, err)

	require.Len(t, rpc.sent, 2)
	require.Equal(t, uint64(7), rpc.nonce)
	for i, raw := range rpc.sent {
		tx, err := decodeRawTx(raw)
		require.NoError(t, err)
		require.Equal(t, uint64(5+i), tx.Nonce())
	}
}

func TestDispatcher_ResyncsOnNonceError(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	rpc := &fakeRPC{chainID: big.NewInt(1337), nonce: 10}
	d := NewDispatcher(log.Root(), rpc, priv)
	require.NoError(t, d.Start(context.Background()))

	rpc.failNextErr = errors.New("nonce too low")
	rpc.nonce = 12 // chain moved ahead of the dispatcher's local view

	dest := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	_, err = d.Send(context.Background(), PayoutRequest{Dest: dest, Amount: big.NewInt(1)})
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)
}

func TestDispatcher_SendBeforeStartFails(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	rpc := &fakeRPC{chainID: big.NewInt(1337)}
	d := NewDispatcher(log.Root(), rpc, priv)

	dest := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	_, err = d.Send(context.Background(), PayoutRequest{Dest: dest, Amount: big.NewInt(1)})
	require.Error(t, err)
}
