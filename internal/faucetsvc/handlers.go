package faucetsvc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/alpenlabs/faucet-api/internal/challenge"
	"github.com/alpenlabs/faucet-api/internal/powcurve"
	"github.com/alpenlabs/faucet-api/internal/ratelimit"
)

type challengeResponse struct {
	Nonce      string `json:"nonce"`
	Difficulty uint8  `json:"difficulty"`
}

// handleChallenge returns a handler that issues a PoW challenge for c. It
// takes no address: GetChallenge is address-agnostic, the address is
// only needed at claim time.
func (s *Service) handleChallenge(c *Chain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, err := clientIP(r)
		if err != nil {
			WriteError(w, Wrap(KindBadRequest, err))
			return
		}
		if err := c.Limiter.CheckIPv6(ip); err != nil {
			WriteError(w, Wrap(kindForLimiterError(err), err))
			return
		}

		balance, err := c.Balance(r.Context())
		if err != nil {
			s.log.Warn("failed to read balance, issuing at max difficulty", "chain", c.ID, "err", err)
			balance = 0
		}
		difficulty := c.Curve.Difficulty(balance)

		var nonce powcurve.Nonce
		if _, err := rand.Read(nonce[:]); err != nil {
			WriteError(w, Wrap(KindFatal, fmt.Errorf("generating nonce: %w", err)))
			return
		}
		c.Store.Issue(nonce, difficulty)

		writeJSON(w, http.StatusOK, challengeResponse{
			Nonce:      hex.EncodeToString(nonce[:]),
			Difficulty: difficulty,
		})
	}
}

// handleClaim returns a handler that verifies a claim against c and, on
// success, replies with the plain-text broadcast txid/hash.
func (s *Service) handleClaim(c *Chain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := c.ValidateDst(address); err != nil {
			WriteError(w, Wrap(KindBadRequest, fmt.Errorf("invalid address: %w", err)))
			return
		}

		nonce, err := parseNonce(r.PathValue("nonce"))
		if err != nil {
			WriteError(w, Wrap(KindBadRequest, err))
			return
		}
		solution, err := parseSolution(r.PathValue("solution"))
		if err != nil {
			WriteError(w, Wrap(KindBadRequest, err))
			return
		}

		ip, err := clientIP(r)
		if err != nil {
			WriteError(w, Wrap(KindBadRequest, err))
			return
		}

		// The limiter is authoritative before anything else: a rejected
		// caller must never consume a nonce or pay for PoW verification.
		if err := c.Limiter.Allow(ip, string(c.ID)); err != nil {
			WriteError(w, Wrap(kindForLimiterError(err), err))
			return
		}

		// Claim before verifying: a nonce is consumed by the first request to
		// reach here, win or lose, so two concurrent requests for the same
		// nonce can never both be accepted.
		difficulty, err := c.Store.Claim(nonce)
		if err != nil {
			WriteError(w, Wrap(kindForChallengeError(err), err))
			return
		}

		if !powcurve.VerifySolution(c.Salt, nonce, solution, difficulty) {
			WriteError(w, Wrap(KindInvalidSolution, fmt.Errorf("solution does not satisfy difficulty %d", difficulty)))
			return
		}

		balance, err := c.Balance(r.Context())
		if err == nil && balance < c.ClaimAmount {
			WriteError(w, Wrap(KindInsufficientBalance, fmt.Errorf("faucet balance too low to pay out")))
			return
		}

		txid, err := c.Payout(r.Context(), address, c.ClaimAmount)
		if err != nil {
			WriteError(w, Wrap(KindTransientFailure, fmt.Errorf("queuing payout: %w", err)))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(txid))
	}
}

func parseNonce(s string) (powcurve.Nonce, error) {
	var n powcurve.Nonce
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(raw) != powcurve.NonceSize {
		return n, fmt.Errorf("nonce must be %d bytes, got %d", powcurve.NonceSize, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

func parseSolution(s string) (powcurve.Solution, error) {
	var sol powcurve.Solution
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sol, fmt.Errorf("decoding solution: %w", err)
	}
	if len(raw) != powcurve.SolutionSize {
		return sol, fmt.Errorf("solution must be %d bytes, got %d", powcurve.SolutionSize, len(raw))
	}
	copy(sol[:], raw)
	return sol, nil
}

func clientIP(r *http.Request) (netip.Addr, error) {
	host := r.Header.Get("X-Forwarded-For")
	if host == "" {
		var err error
		host, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parsing remote addr: %w", err)
		}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing client ip %q: %w", host, err)
	}
	return addr, nil
}

// kindForChallengeError maps both ErrUnknownChallenge and
// ErrAlreadyClaimed to the same response kind: a claimant that races a
// nonce and loses should not be able to tell the difference from one
// that guessed a stale or bogus nonce.
func kindForChallengeError(err error) Kind {
	if errors.Is(err, challenge.ErrUnknownChallenge) || errors.Is(err, challenge.ErrAlreadyClaimed) {
		return KindUnknownChallenge
	}
	return KindFatal
}

// kindForLimiterError distinguishes an IPv6 admission rejection, which
// can fire before any nonce is touched, from an ordinary cooldown
// rejection.
func kindForLimiterError(err error) Kind {
	if errors.Is(err, ratelimit.ErrIPv6Disallowed) {
		return KindIPv6Disallowed
	}
	return KindRateLimited
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
