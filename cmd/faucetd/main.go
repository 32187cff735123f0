// Command faucetd runs the two-chain proof-of-work faucet.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/config"
	"github.com/alpenlabs/faucet-api/internal/faucetsvc"
	"github.com/alpenlabs/faucet-api/internal/l1wallet"
	"github.com/alpenlabs/faucet-api/internal/l2dispatch"
	"github.com/alpenlabs/faucet-api/internal/metrics"
	"github.com/alpenlabs/faucet-api/internal/obslog"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
	"github.com/alpenlabs/faucet-api/internal/seed"
)

var GitCommit = "dev"

func main() {
	app := &cli.App{
		Name:    "faucetd",
		Usage:   "serve the two-chain proof-of-work faucet",
		Version: GitCommit,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "faucet.toml",
				Usage:   "path to the TOML configuration file",
				EnvVars: []string{"FAUCET_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}
	if err := obslog.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	logger := log.Root()

	if powcurve.ExpectedSalt != "strata faucet 2024" {
		return fmt.Errorf("faucetd: compiled salt constant has drifted from the protocol salt")
	}

	rootSeed, err := seed.LoadOrCreate(cfg.SeedPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m := metrics.New()

	l1Chain, l1Batcher, l1Store, err := buildL1(logger, cfg, rootSeed)
	if err != nil {
		return err
	}
	l2Chain, l2Dispatcher, l2Store, err := buildL2(logger, cfg, rootSeed)
	if err != nil {
		return err
	}

	if err := l2Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("faucetd: starting l2 dispatcher: %w", err)
	}
	go l1Batcher.Run(ctx)
	defer l1Batcher.Close()
	defer l1Store.Close()
	defer l2Store.Close()

	svc, err := faucetsvc.NewService(logger, cfg.ListenAddr, []*faucetsvc.Chain{l1Chain, l2Chain})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop(context.Background())

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	m.RecordUp()
	logger.Info("faucetd started")

	<-ctx.Done()
	logger.Info("faucetd shutting down")
	return nil
}

func buildL1(logger log.Logger, cfg config.Config, rootSeed seed.Seed) (*faucetsvc.Chain, *l1wallet.Batcher, *challenge.Store, error) {
	net, err := networkParams(cfg.L1.Network)
	if err != nil {
		return nil, nil, nil, err
	}

	master, err := rootSeed.L1Master(net)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := l1wallet.OpenStore(cfg.L1.WalletDBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	wallet := l1wallet.NewWallet(net, master, store)
	indexer := l1wallet.NewEsploraClient(cfg.L1.EsploraURL)

	batcherCfg := l1wallet.BatcherConfig{
		Period:      cfg.L1.BatchPeriod.Duration,
		MaxPerTx:    cfg.L1.MaxPerTx,
		MaxInFlight: cfg.L1.MaxInFlight,
	}
	batcher := l1wallet.NewBatcher(logger.New("component", "l1batcher"), batcherCfg, wallet, indexer)

	curve, err := powcurve.NewCurve(powcurve.Config{
		Min:         cfg.L1.MinDifficulty,
		LowBalance:  cfg.L1.LowBalance,
		HighBalance: cfg.L1.HighBalance,
		Quantum:     1,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	chStore := challenge.NewStore("l1", cfg.ChallengeTTL.Duration)
	limiter := ratelimit.NewLimiter(cfg.RateLimitCooldown.Duration, cfg.AllowIPv6)

	chain := &faucetsvc.Chain{
		ID:           faucetsvc.ChainL1,
		Salt:         powcurve.ExpectedSalt,
		ClaimAmount:  cfg.L1.ClaimAmount,
		ChallengeTTL: cfg.ChallengeTTL.Duration,
		Curve:        curve,
		Store:        chStore,
		Limiter:      limiter,
		Balance: func(ctx context.Context) (uint64, error) {
			amt, err := batcher.Balance(ctx)
			return uint64(amt), err
		},
		ValidateDst: func(address string) error {
			_, err := btcutil.DecodeAddress(address, net)
			return err
		},
		Payout: func(ctx context.Context, destination string, amountUnits uint64) (string, error) {
			addr, err := btcutil.DecodeAddress(destination, net)
			if err != nil {
				return "", err
			}
			future, err := batcher.Enqueue(ctx, l1wallet.PayoutRequest{Dest: addr, Amount: btcutil.Amount(amountUnits)})
			if err != nil {
				return "", err
			}
			select {
			case res := <-future:
				if res.Err != nil {
					return "", res.Err
				}
				return res.TxID.String(), nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	return chain, batcher, chStore, nil
}

func buildL2(logger log.Logger, cfg config.Config, rootSeed seed.Seed) (*faucetsvc.Chain, *l2dispatch.Dispatcher, *challenge.Store, error) {
	priv, err := rootSeed.L2PrivateKey()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rpc, err := l2dispatch.DialRPC(ctx, cfg.L2.RPCURL)
	if err != nil {
		return nil, nil, nil, err
	}
	dispatcher := l2dispatch.NewDispatcher(logger.New("component", "l2dispatcher"), rpc, priv)

	lowBalance, ok := new(big.Int).SetString(cfg.L2.LowBalance, 10)
	if !ok {
		return nil, nil, nil, fmt.Errorf("faucetd: invalid l2 low balance %q", cfg.L2.LowBalance)
	}
	highBalance, ok := new(big.Int).SetString(cfg.L2.HighBalance, 10)
	if !ok {
		return nil, nil, nil, fmt.Errorf("faucetd: invalid l2 high balance %q", cfg.L2.HighBalance)
	}
	claimAmount, ok := new(big.Int).SetString(cfg.L2.ClaimAmount, 10)
	if !ok {
		return nil, nil, nil, fmt.Errorf("faucetd: invalid l2 claim amount %q", cfg.L2.ClaimAmount)
	}

	// wei doesn't fit uint64 once a wallet holds more than about 18 ETH,
	// so every balance the curve sees is pre-scaled down to gwei; the
	// curve's own Quantum is then 1, since the scaling already happened
	// before the value reaches it.
	const weiPerGwei = 1_000_000_000
	toGwei := func(wei *big.Int) uint64 {
		return new(big.Int).Div(wei, big.NewInt(weiPerGwei)).Uint64()
	}

	curve, err := powcurve.NewCurve(powcurve.Config{
		Min:         cfg.L2.MinDifficulty,
		LowBalance:  toGwei(lowBalance),
		HighBalance: toGwei(highBalance),
		Quantum:     1,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	chStore := challenge.NewStore("l2", cfg.ChallengeTTL.Duration)
	limiter := ratelimit.NewLimiter(cfg.RateLimitCooldown.Duration, cfg.AllowIPv6)

	// Chain.ClaimAmount and Balance share one unit so the insufficient-
	// balance comparison in faucetsvc is meaningful; since Balance is
	// gwei-scaled, ClaimAmount is too, and Payout scales back up to wei.
	chain := &faucetsvc.Chain{
		ID:           faucetsvc.ChainL2,
		Salt:         powcurve.ExpectedSalt,
		ClaimAmount:  toGwei(claimAmount),
		ChallengeTTL: cfg.ChallengeTTL.Duration,
		Curve:        curve,
		Store:        chStore,
		Limiter:      limiter,
		Balance: func(ctx context.Context) (uint64, error) {
			bal, err := dispatcher.Balance(ctx)
			if err != nil {
				return 0, err
			}
			return toGwei(bal), nil
		},
		ValidateDst: func(address string) error {
			if !common.IsHexAddress(address) {
				return fmt.Errorf("not a valid hex address: %s", address)
			}
			return nil
		},
		Payout: func(ctx context.Context, destination string, amountGwei uint64) (string, error) {
			amountWei := new(big.Int).Mul(new(big.Int).SetUint64(amountGwei), big.NewInt(weiPerGwei))
			hash, err := dispatcher.Send(ctx, l2dispatch.PayoutRequest{
				Dest:   common.HexToAddress(destination),
				Amount: amountWei,
			})
			if err != nil {
				return "", err
			}
			return hash.Hex(), nil
		},
	}
	return chain, dispatcher, chStore, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("faucetd: unknown bitcoin network %q", name)
	}
}
