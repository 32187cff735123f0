package l1wallet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
)

// State is a stage of the batcher's transaction lifecycle.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateBuilding
	StateBroadcasting
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateBuilding:
		return "building"
	case StateBroadcasting:
		return "broadcasting"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// BatcherConfig tunes how aggressively the batcher sweeps its payout
// queue into transactions.
type BatcherConfig struct {
	// Period is how often the batcher wakes to build a transaction from
	// whatever is queued, even if MaxPerTx hasn't been reached.
	Period time.Duration
	// MaxPerTx bounds how many payouts go into a single transaction.
	MaxPerTx int
	// MaxInFlight bounds the payout queue's capacity; Enqueue blocks (or
	// the caller's context expires) once it's full.
	MaxInFlight int
}

// DefaultBatcherConfig mirrors the defaults of the reference deployment.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Period:      180 * time.Second,
		MaxPerTx:    250,
		MaxInFlight: 2500,
	}
}

// PayoutRequest is a single queued L1 send.
type PayoutRequest struct {
	Dest   btcutil.Address
	Amount btcutil.Amount

	// result is set by Enqueue, not by the caller; it's how runBatch
	// resolves this request's future once the batch it lands in either
	// broadcasts or fails terminally.
	result chan<- PayoutResult
}

// PayoutResult is the resolved outcome of a batched L1 payout: the
// broadcast transaction id on success, or the terminal error that
// failed the whole batch.
type PayoutResult struct {
	TxID chainhash.Hash
	Err  error
}

// fallbackFeeRateSatPerVByte is a conservative fallback used only if the indexer's fee
// estimate is unavailable.
const fallbackFeeRateSatPerVByte = 2

// dustLimit matches the standard relay policy's floor for a Taproot
// output.
const dustLimit = btcutil.Amount(330)

// Batcher owns the wallet and drives its state machine on a single
// goroutine: collect queued payouts, build a transaction spending the
// wallet's UTXOs, broadcast it, and wait for it to be accounted for
// before starting the next round.
type Batcher struct {
	log     log.Logger
	cfg     BatcherConfig
	wallet  *Wallet
	indexer Indexer

	queue    chan PayoutRequest
	balanceQ chan balanceQuery

	state State
	done  chan struct{}
}

type balanceQuery struct {
	resp chan<- balanceResult
}

type balanceResult struct {
	amount btcutil.Amount
	err    error
}

// NewBatcher constructs a Batcher. The caller must run its Run method in
// a goroutine.
func NewBatcher(logger log.Logger, cfg BatcherConfig, wallet *Wallet, indexer Indexer) *Batcher {
	return &Batcher{
		log:      logger,
		cfg:      cfg,
		wallet:   wallet,
		indexer:  indexer,
		queue:    make(chan PayoutRequest, cfg.MaxInFlight),
		balanceQ: make(chan balanceQuery),
		done:     make(chan struct{}),
	}
}

// Enqueue queues req for the next batch and returns a future resolved
// once the batch it lands in either broadcasts (with the shared txid)
// or fails terminally. It blocks until there is room in the queue or
// ctx is done.
func (b *Batcher) Enqueue(ctx context.Context, req PayoutRequest) (<-chan PayoutResult, error) {
	resp := make(chan PayoutResult, 1)
	req.result = resp
	select {
	case b.queue <- req:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Balance asks the batcher goroutine for the wallet's current spendable
// balance. Balance reads never touch wallet state directly from the
// calling goroutine; they're served by the same goroutine that owns the
// UTXO set, so there is no data race between a balance query and an
// in-flight spend.
func (b *Batcher) Balance(ctx context.Context) (btcutil.Amount, error) {
	resp := make(chan balanceResult, 1)
	select {
	case b.balanceQ <- balanceQuery{resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.amount, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run drives the state machine until Close is called.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Period)
	defer ticker.Stop()

	var pending []PayoutRequest

	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case req := <-b.queue:
			pending = append(pending, req)
			continue
		case q := <-b.balanceQ:
			amt, err := b.spendableBalance(ctx)
			q.resp <- balanceResult{amount: amt, err: err}
			continue
		case <-ticker.C:
		}

		if len(pending) == 0 {
			continue
		}
		batch := pending
		if len(batch) > b.cfg.MaxPerTx {
			batch, pending = batch[:b.cfg.MaxPerTx], batch[b.cfg.MaxPerTx:]
		} else {
			pending = nil
		}

		if err := b.runBatch(ctx, batch); err != nil {
			b.log.Error("batch failed, payouts dropped from this round", "count", len(batch), "err", err)
		}
	}
}

// Close stops Run.
func (b *Batcher) Close() {
	close(b.done)
}

func (b *Batcher) spendableBalance(ctx context.Context) (btcutil.Amount, error) {
	addrs, err := b.wallet.KnownAddresses(ctx)
	if err != nil {
		return 0, err
	}
	utxos, err := b.indexer.ListUnspent(ctx, addrs)
	if err != nil {
		return 0, fmt.Errorf("l1wallet: listing unspent: %w", err)
	}
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

func (b *Batcher) runBatch(ctx context.Context, batch []PayoutRequest) error {
	b.state = StateCollecting
	addrs, err := b.wallet.KnownAddresses(ctx)
	if err != nil {
		resolveAll(batch, PayoutResult{Err: err})
		return err
	}
	utxos, err := b.indexer.ListUnspent(ctx, addrs)
	if err != nil {
		err = fmt.Errorf("l1wallet: listing unspent: %w", err)
		resolveAll(batch, PayoutResult{Err: err})
		return err
	}
	keys, err := b.wallet.SigningKeys(ctx)
	if err != nil {
		resolveAll(batch, PayoutResult{Err: err})
		return err
	}

	b.state = StateBuilding
	feeRate, err := b.indexer.FeeRateSatPerVByte(ctx)
	if err != nil || feeRate <= 0 {
		b.log.Warn("fee estimate unavailable, using fallback rate", "err", err)
		feeRate = fallbackFeeRateSatPerVByte
	}

	tx, spent, err := b.buildTransaction(ctx, batch, utxos, keys, feeRate)
	if err != nil {
		err = fmt.Errorf("l1wallet: building transaction: %w", err)
		resolveAll(batch, PayoutResult{Err: err})
		return err
	}

	b.state = StateBroadcasting
	// 3 attempts in all: the first plus 2 retries, 500ms apart then doubling.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.Multiplier = 2
	boff := backoff.WithMaxRetries(expBackoff, 2)
	err = backoff.Retry(func() error {
		return b.indexer.Broadcast(ctx, tx)
	}, boff)
	if err != nil {
		err = fmt.Errorf("l1wallet: broadcasting after retries: %w", err)
		resolveAll(batch, PayoutResult{Err: err})
		return err
	}

	b.state = StateFinalizing
	for _, u := range spent {
		if err := b.wallet.store.SpendUTXO(ctx, u); err != nil {
			b.log.Error("failed to mark utxo spent", "txid", u.TxID, "vout", u.Vout, "err", err)
		}
	}
	txid := tx.TxHash()
	resolveAll(batch, PayoutResult{TxID: txid})
	b.log.Info("broadcast batch", "txid", txid, "payouts", len(batch), "inputs", len(spent))
	b.state = StateIdle
	return nil
}

// resolveAll delivers res to every request in batch that is still
// waiting on a future; every call path through runBatch resolves the
// whole batch exactly once, win or lose, so no Enqueue caller blocks
// forever.
func resolveAll(batch []PayoutRequest, res PayoutResult) {
	for _, r := range batch {
		if r.result != nil {
			r.result <- res
		}
	}
}

// selectInputs performs largest-first coin selection until the target
// amount (plus an estimated fee, recomputed as inputs are added) is
// covered.
func selectInputs(utxos []UTXO, target btcutil.Amount, feeRatePerVByte int64) ([]UTXO, btcutil.Amount, error) {
	sorted := make([]UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	const baseVBytes = 11  // version, locktime, input/output counts
	const perInputVBytes = 58 // taproot key-path input, approx vsize
	const perOutputVBytes = 43

	var selected []UTXO
	var total btcutil.Amount
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Value

		estVBytes := baseVBytes + perInputVBytes*len(selected) + perOutputVBytes*2 // payout + change
		fee := btcutil.Amount(int64(estVBytes) * feeRatePerVByte)
		if total >= target+fee {
			return selected, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("l1wallet: insufficient funds: have %s, need at least %s", totalOf(sorted), target)
}

func totalOf(utxos []UTXO) btcutil.Amount {
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
