// Package challenge implements the per-chain challenge store: issuing
// nonces, claiming them exactly once, and evicting ones that expire
// unclaimed.
package challenge

import (
	"container/heap"
	"errors"
	"hash/maphash"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/locks"

	"github.com/alpenlabs/faucet-api/internal/powcurve"
)

var (
	// ErrUnknownChallenge is returned when a nonce was never issued, has
	// already expired, or belongs to a different chain's store.
	ErrUnknownChallenge = errors.New("unknown challenge")
	// ErrAlreadyClaimed is returned when a nonce has already been
	// successfully claimed once.
	ErrAlreadyClaimed = errors.New("challenge already claimed")
)

type entry struct {
	difficulty uint8
	expiresAt  time.Time
	claimed    atomic.Bool
}

// Store holds the outstanding challenges for a single chain. It is safe
// for concurrent use by many request goroutines at once.
type Store struct {
	chain string
	ttl   time.Duration

	seed   maphash.Seed
	shards []*locks.RWMap[powcurve.Nonce, *entry]

	heapMu   sync.Mutex
	expiries expiryHeap
	wake     chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewStore constructs a challenge store for chain, evicting unclaimed
// challenges ttl after they were issued. The caller must call Run in a
// goroutine to drive eviction.
func NewStore(chain string, ttl time.Duration) *Store {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	shards := make([]*locks.RWMap[powcurve.Nonce, *entry], n)
	for i := range shards {
		shards[i] = &locks.RWMap[powcurve.Nonce, *entry]{}
	}
	return &Store{
		chain:  chain,
		ttl:    ttl,
		seed:   maphash.MakeSeed(),
		shards: shards,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Store) shardFor(nonce powcurve.Nonce) *locks.RWMap[powcurve.Nonce, *entry] {
	var h maphash.Hash
	h.SetSeed(s.seed)
	h.Write(nonce[:])
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Issue records a freshly minted nonce at the given difficulty and
// schedules its eviction.
func (s *Store) Issue(nonce powcurve.Nonce, difficulty uint8) {
	expiresAt := time.Now().Add(s.ttl)
	e := &entry{difficulty: difficulty, expiresAt: expiresAt}
	s.shardFor(nonce).Set(nonce, e)

	s.heapMu.Lock()
	heap.Push(&s.expiries, expiryItem{nonce: nonce, expiresAt: expiresAt})
	soonest := s.expiries[0].expiresAt
	s.heapMu.Unlock()

	if soonest.Equal(expiresAt) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Claim atomically marks nonce as claimed and returns the difficulty it
// was issued at. It must be called before verifying the submitted
// solution: a solution is only ever checked once per nonce, win or lose,
// which is what keeps concurrent claims of the same nonce from racing
// a double payout.
func (s *Store) Claim(nonce powcurve.Nonce) (difficulty uint8, err error) {
	shard := s.shardFor(nonce)
	e, ok := shard.Get(nonce)
	if !ok {
		return 0, ErrUnknownChallenge
	}
	if time.Now().After(e.expiresAt) {
		shard.Delete(nonce)
		return 0, ErrUnknownChallenge
	}
	if !e.claimed.CompareAndSwap(false, true) {
		return 0, ErrAlreadyClaimed
	}
	return e.difficulty, nil
}

// Run drives the eviction loop until ctx-equivalent shutdown via Close.
// It sleeps until the next known expiry, or until woken by a newly issued
// challenge with a sooner deadline.
func (s *Store) Run() {
	for {
		s.heapMu.Lock()
		var wait time.Duration
		if len(s.expiries) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.expiries[0].expiresAt)
			if wait < 0 {
				wait = 0
			}
		}
		s.heapMu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	s.heapMu.Lock()
	var toDelete []powcurve.Nonce
	for len(s.expiries) > 0 && !s.expiries[0].expiresAt.After(now) {
		item := heap.Pop(&s.expiries).(expiryItem)
		toDelete = append(toDelete, item.nonce)
	}
	s.heapMu.Unlock()

	for _, nonce := range toDelete {
		s.shardFor(nonce).Delete(nonce)
	}
}

// Close stops the eviction loop started by Run.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Len reports how many challenges are currently outstanding, for metrics
// and tests.
func (s *Store) Len() int {
	total := 0
	for _, shard := range s.shards {
		total += shard.Len()
	}
	return total
}

type expiryItem struct {
	nonce     powcurve.Nonce
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
