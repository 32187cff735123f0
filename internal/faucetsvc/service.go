// Package faucetsvc binds the PoW challenge/claim HTTP surface to the
// chain-specific collaborators (curve, challenge store, rate limiter,
// and payout sink) for both chains.
package faucetsvc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/optimism/op-service/httputil"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

// ChainID names one of the two supported chains, used as the path
// component and as the rate limiter/metrics label.
type ChainID string

const (
	ChainL1 ChainID = "l1"
	ChainL2 ChainID = "l2"
)

// Payout is the chain-agnostic sink a Chain hands a verified claim to. It
// returns the hex-encoded broadcast transaction id (L1) or transaction
// hash (L2) a client can use to track its payout. The L1 and L2
// collaborators satisfy this with their own address/amount types hidden
// behind a closure constructed in cmd/faucetd.
type Payout func(ctx context.Context, destination string, amountUnits uint64) (string, error)

// BalanceFunc reports the wallet's current spendable balance in the
// same unit as the Chain's ClaimAmount (satoshis for L1; cmd/faucetd
// scales L2 from wei down to gwei), used to evaluate the difficulty curve.
type BalanceFunc func(ctx context.Context) (uint64, error)

// AddressValidator reports whether a claim's destination address string
// is well formed for the chain.
type AddressValidator func(address string) error

// Chain bundles everything the HTTP layer needs to serve one chain's
// challenge/claim pair.
type Chain struct {
	ID           ChainID
	Salt         string
	ClaimAmount  uint64
	ChallengeTTL time.Duration

	Curve       *powcurve.Curve
	Store       *challenge.Store
	Limiter     *ratelimit.Limiter
	Balance     BalanceFunc
	ValidateDst AddressValidator
	Payout      Payout
}

// Service serves the faucet's HTTP surface for every configured chain.
type Service struct {
	log    log.Logger
	chains map[ChainID]*Chain
	server *httputil.HTTPServer
	addr   string
}

// NewService constructs a Service. Call Start to begin serving.
func NewService(logger log.Logger, listenAddr string, chains []*Chain) (*Service, error) {
	if powcurve.ExpectedSalt == "" {
		return nil, fmt.Errorf("faucetsvc: empty expected salt")
	}
	byID := make(map[ChainID]*Chain, len(chains))
	for _, c := range chains {
		if c.Salt != powcurve.ExpectedSalt {
			return nil, fmt.Errorf("faucetsvc: chain %s configured with salt %q, want %q", c.ID, c.Salt, powcurve.ExpectedSalt)
		}
		byID[c.ID] = c
	}
	return &Service{log: logger, chains: byID, addr: listenAddr}, nil
}

// Start begins serving HTTP requests and starts each chain's challenge
// store eviction loop.
func (s *Service) Start(ctx context.Context) error {
	for _, c := range s.chains {
		go c.Store.Run()
	}

	mux := http.NewServeMux()
	for id, c := range s.chains {
		mux.HandleFunc(fmt.Sprintf("GET /pow_challenge/%s", id), s.handleChallenge(c))
		mux.HandleFunc(fmt.Sprintf("GET /claim_%s/{nonce}/{solution}/{address}", id), s.handleClaim(c))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	server, err := httputil.StartHTTPServer(s.addr, mux)
	if err != nil {
		return fmt.Errorf("faucetsvc: starting http server: %w", err)
	}
	s.server = server
	s.log.Info("faucet service listening", "addr", server.Addr())
	return nil
}

// Stop shuts down the HTTP server and every chain's eviction loop.
func (s *Service) Stop(ctx context.Context) error {
	for _, c := range s.chains {
		c.Store.Close()
	}
	if s.server == nil {
		return nil
	}
	if err := s.server.Stop(ctx); err != nil {
		return fmt.Errorf("faucetsvc: stopping http server: %w", err)
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
