package l2dispatch

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
)

// PayoutRequest is a single queued EVM value transfer.
type PayoutRequest struct {
	Dest   common.Address
	Amount *big.Int
}

// Dispatcher owns the faucet's single EVM signing account and serializes
// every send through it so nonce allocation never races.
type Dispatcher struct {
	log     log.Logger
	rpc     RPC
	priv    *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	mu    sync.Mutex
	nonce uint64
	ready bool
}

// NewDispatcher constructs a Dispatcher. Call Start once before sending
// any payout, to fetch the chain ID and the account's current nonce.
func NewDispatcher(logger log.Logger, rpc RPC, priv *ecdsa.PrivateKey) *Dispatcher {
	return &Dispatcher{
		log:  logger,
		rpc:  rpc,
		priv: priv,
		from: crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// Start resolves the chain ID and seeds the dispatcher's nonce from the
// account's current pending nonce.
func (d *Dispatcher) Start(ctx context.Context) error {
	chainID, err := d.rpc.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("l2dispatch: fetching chain id: %w", err)
	}
	nonce, err := d.rpc.PendingNonceAt(ctx, d.from)
	if err != nil {
		return fmt.Errorf("l2dispatch: fetching initial nonce: %w", err)
	}

	d.mu.Lock()
	d.chainID = chainID
	d.nonce = nonce
	d.ready = true
	d.mu.Unlock()

	d.log.Info("dispatcher ready", "account", d.from, "chain_id", chainID, "nonce", nonce)
	return nil
}

// Address returns the faucet's single EVM signing address.
func (d *Dispatcher) Address() common.Address {
	return d.from
}

// Balance returns the signing account's current balance.
func (d *Dispatcher) Balance(ctx context.Context) (*big.Int, error) {
	return d.rpc.BalanceAt(ctx, d.from, nil)
}

// Send builds, signs, and submits a single value-transfer transaction for
// req, retrying transient send failures with bounded backoff. On a
// nonce-related rejection it resynchronizes from the chain's view of the
// account's nonce before giving up.
func (d *Dispatcher) Send(ctx context.Context, req PayoutRequest) (common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.ready {
		return common.Hash{}, fmt.Errorf("l2dispatch: dispatcher not started")
	}

	tip, err := d.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l2dispatch: suggesting gas tip: %w", err)
	}
	gasPrice, err := d.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l2dispatch: suggesting gas price: %w", err)
	}

	var hash common.Hash
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err = backoff.Retry(func() error {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   d.chainID,
			Nonce:     d.nonce,
			GasTipCap: tip,
			GasFeeCap: gasPrice,
			Gas:       params.TxGas,
			To:        &req.Dest,
			Value:     req.Amount,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(d.chainID), d.priv)
		if err != nil {
			return fmt.Errorf("l2dispatch: signing tx: %w", err)
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return fmt.Errorf("l2dispatch: encoding tx: %w", err)
		}

		if sendErr := d.rpc.SendRawTransaction(ctx, raw); sendErr != nil {
			if isNonceError(sendErr) {
				if resyncErr := d.resyncNonce(ctx); resyncErr != nil {
					d.log.Error("failed to resync nonce after send failure", "err", resyncErr)
				}
				return sendErr
			}
			return sendErr
		}
		hash = signed.Hash()
		d.nonce++
		return nil
	}, boff)
	if err != nil {
		return common.Hash{}, fmt.Errorf("l2dispatch: sending after retries: %w", err)
	}

	d.log.Info("dispatched payout", "to", req.Dest, "amount", req.Amount, "tx", hash)
	return hash, nil
}

func (d *Dispatcher) resyncNonce(ctx context.Context) error {
	nonce, err := d.rpc.PendingNonceAt(ctx, d.from)
	if err != nil {
		return fmt.Errorf("l2dispatch: resyncing nonce: %w", err)
	}
	d.log.Warn("resynchronized nonce", "old", d.nonce, "new", nonce)
	d.nonce = nonce
	return nil
}

func isNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"nonce too low", "nonce too high", "replacement transaction underpriced", "already known"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
