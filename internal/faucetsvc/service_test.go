package faucetsvc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

func testChain(t *testing.T, payouts *[]string, allowIPv6 bool) *Chain {
	curve, err := powcurve.NewCurve(powcurve.Config{
		Min: 16, LowBalance: 1000, HighBalance: 1_000_000, Quantum: 1,
	})
	require.NoError(t, err)

	store := challenge.NewStore("l1", time.Minute)
	go store.Run()
	t.Cleanup(store.Close)

	return &Chain{
		ID:          ChainL1,
		Salt:        powcurve.ExpectedSalt,
		ClaimAmount: 100,
		Curve:       curve,
		Store:       store,
		Limiter:     ratelimit.NewLimiter(time.Minute, allowIPv6),
		Balance:     func(ctx context.Context) (uint64, error) { return 1_000_000, nil },
		ValidateDst: func(addr string) error {
			if addr == "" {
				return fmt.Errorf("empty address")
			}
			return nil
		},
		Payout: func(ctx context.Context, dest string, amount uint64) (string, error) {
			*payouts = append(*payouts, dest)
			return "deadbeef", nil
		},
	}
}

// newTestServer wires up a Service and a mux serving just the
// chain-named routes, the way cmd/faucetd does via Service.Start.
func newTestServer(t *testing.T, c *Chain) (*Service, *httptest.Server) {
	svc, err := NewService(log.Root(), "127.0.0.1:0", []*Chain{c})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET /pow_challenge/%s", c.ID), svc.handleChallenge(c))
	mux.HandleFunc(fmt.Sprintf("GET /claim_%s/{nonce}/{solution}/{address}", c.ID), svc.handleClaim(c))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return svc, srv
}

func getChallenge(t *testing.T, srv *httptest.Server, chain ChainID) challengeResponse {
	resp, err := http.Get(fmt.Sprintf("%s/pow_challenge/%s", srv.URL, chain))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cr challengeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cr))
	return cr
}

func TestService_ChallengeThenClaimHappyPath(t *testing.T) {
	var payouts []string
	c := testChain(t, &payouts, true)
	_, srv := newTestServer(t, c)

	cr := getChallenge(t, srv, ChainL1)
	nonceBytes, err := hex.DecodeString(cr.Nonce)
	require.NoError(t, err)
	var nonce powcurve.Nonce
	copy(nonce[:], nonceBytes)

	solution := bruteForce(t, c.Salt, nonce, cr.Difficulty)
	claimURL := fmt.Sprintf("%s/claim_l1/%s/%s/bc1qexampleaddress", srv.URL, cr.Nonce, hex.EncodeToString(solution[:]))
	resp2, err := http.Get(claimURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	resp2.Body.Close()

	require.Equal(t, "deadbeef", string(body))
	require.Equal(t, []string{"bc1qexampleaddress"}, payouts)
}

func TestService_ClaimWithBadSolutionRejected(t *testing.T) {
	var payouts []string
	c := testChain(t, &payouts, true)
	_, srv := newTestServer(t, c)

	cr := getChallenge(t, srv, ChainL1)

	badSolution := "0000000000000000"
	claimURL := fmt.Sprintf("%s/claim_l1/%s/%s/bc1qexampleaddress", srv.URL, cr.Nonce, badSolution)
	resp2, err := http.Get(claimURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
	resp2.Body.Close()
}

func TestService_ClaimRateLimitedBeforeNonceConsumed(t *testing.T) {
	var payouts []string
	c := testChain(t, &payouts, true)
	_, srv := newTestServer(t, c)

	cr := getChallenge(t, srv, ChainL1)
	nonceBytes, err := hex.DecodeString(cr.Nonce)
	require.NoError(t, err)
	var nonce powcurve.Nonce
	copy(nonce[:], nonceBytes)
	solution := bruteForce(t, c.Salt, nonce, cr.Difficulty)

	require.NoError(t, c.Limiter.Allow(netip.MustParseAddr("127.0.0.1"), string(c.ID)))

	claimURL := fmt.Sprintf("%s/claim_l1/%s/%s/bc1qexampleaddress", srv.URL, cr.Nonce, hex.EncodeToString(solution[:]))
	resp, err := http.Get(claimURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()

	// the nonce must still be unclaimed: the limiter rejected the request
	// before the store's Claim was ever reached.
	_, claimErr := c.Store.Claim(nonce)
	require.NoError(t, claimErr)
}

func TestService_ChallengeRejectsIPv6WhenDisallowed(t *testing.T) {
	var payouts []string
	c := testChain(t, &payouts, false)
	_, srv := newTestServer(t, c)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/pow_challenge/%s", srv.URL, c.ID), nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "2001:db8::1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func bruteForce(t *testing.T, salt string, nonce powcurve.Nonce, difficulty uint8) powcurve.Solution {
	var sol powcurve.Solution
	for i := uint64(0); i < 1<<24; i++ {
		sol[0] = byte(i)
		sol[1] = byte(i >> 8)
		sol[2] = byte(i >> 16)
		if powcurve.VerifySolution(salt, nonce, sol, difficulty) {
			return sol
		}
	}
	t.Fatalf("failed to brute force a solution at difficulty %d", difficulty)
	return sol
}
