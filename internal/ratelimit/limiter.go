// Package ratelimit enforces the one-claim-per-cooldown-per-IP policy
// that keeps a single client from draining a faucet chain.
package ratelimit

import (
	"errors"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrRateLimited is returned when an IP has already claimed on the given
// chain within the cooldown window.
var ErrRateLimited = errors.New("rate limited")

// ErrIPv6Disallowed is returned when an IPv6 address is presented and the
// limiter was not configured to allow them. IPv6 /64s are cheap to churn
// through, so admitting them needs an explicit opt-in.
var ErrIPv6Disallowed = errors.New("ipv6 addresses not permitted")

const maxTrackedEntries = 1 << 16

type key struct {
	ip    netip.Addr
	chain string
}

// Limiter tracks the most recent successful claim per (IP, chain) pair and
// rejects new claims until the cooldown elapses.
type Limiter struct {
	cache     *lru.LRU[key, struct{}]
	allowIPv6 bool
}

// NewLimiter constructs a Limiter with the given cooldown between claims
// from the same IP on the same chain.
func NewLimiter(cooldown time.Duration, allowIPv6 bool) *Limiter {
	return &Limiter{
		cache:     lru.NewLRU[key, struct{}](maxTrackedEntries, nil, cooldown),
		allowIPv6: allowIPv6,
	}
}

// admissibleIP normalizes ip and checks it against the IPv6 policy only,
// without touching the cooldown cache.
func (l *Limiter) admissibleIP(ip netip.Addr) (netip.Addr, error) {
	normalized := ip
	if ip.Is4In6() {
		normalized = ip.Unmap()
	}
	if normalized.Is6() && !l.allowIPv6 {
		return normalized, ErrIPv6Disallowed
	}
	return normalized, nil
}

// CheckIPv6 reports whether ip is admissible under this limiter's IPv6
// policy, without consuming a cooldown slot. Intended for admission
// checks that happen before any claim is made, such as challenge
// issuance, which must not be gated by the one-claim-per-cooldown rule.
func (l *Limiter) CheckIPv6(ip netip.Addr) error {
	_, err := l.admissibleIP(ip)
	return err
}

// Allow checks whether ip may claim on chain right now, and if so records
// the claim so subsequent calls within the cooldown are rejected.
func (l *Limiter) Allow(ip netip.Addr, chain string) error {
	normalized, err := l.admissibleIP(ip)
	if err != nil {
		return err
	}

	k := key{ip: normalized, chain: chain}
	if _, ok := l.cache.Get(k); ok {
		return ErrRateLimited
	}
	l.cache.Add(k, struct{}{})
	return nil
}
