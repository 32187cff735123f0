// Package l2dispatch implements the EVM-side payout path: a single
// signing account, a monotonically increasing nonce, and one
// value-transfer transaction per claim.
package l2dispatch

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

func decodeRawTx(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("l2dispatch: decoding raw transaction: %w", err)
	}
	return tx, nil
}

// RPC is the narrow slice of an execution-layer client the dispatcher
// needs.
type RPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw []byte) error
	ChainID(ctx context.Context) (*big.Int, error)
}

// ethclientRPC adapts *ethclient.Client to RPC; ethclient.Client exposes
// SendTransaction rather than a raw-bytes send, so this layer does the
// encode-and-send itself to keep the RPC interface in terms of bytes,
// which is easier to fake in tests.
type ethclientRPC struct {
	c *ethclient.Client
}

// DialRPC connects to an execution-layer JSON-RPC endpoint.
func DialRPC(ctx context.Context, url string) (RPC, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("l2dispatch: dialing %s: %w", url, err)
	}
	return &ethclientRPC{c: c}, nil
}

func (r *ethclientRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return r.c.PendingNonceAt(ctx, account)
}

func (r *ethclientRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return r.c.SuggestGasTipCap(ctx)
}

func (r *ethclientRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return r.c.SuggestGasPrice(ctx)
}

func (r *ethclientRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return r.c.BalanceAt(ctx, account, blockNumber)
}

func (r *ethclientRPC) ChainID(ctx context.Context) (*big.Int, error) {
	return r.c.ChainID(ctx)
}

func (r *ethclientRPC) SendRawTransaction(ctx context.Context, raw []byte) error {
	tx, err := decodeRawTx(raw)
	if err != nil {
		return err
	}
	return r.c.SendTransaction(ctx, tx)
}
