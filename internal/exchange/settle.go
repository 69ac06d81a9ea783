package exchange

import (
	"context"
	"sync"
	"time"

	"signal-trader/internal/models"
)

// SettledBalances enforces the settle-delay discipline on balance reads: the
// exchange takes time to reflect a recent trade, so a fetch blocks until a
// minimum delay has elapsed since the wallet's last mutating action. Results
// are cached with a long TTL and invalidated on the next mutation.
type SettledBalances struct {
	client      Client
	settleDelay time.Duration
	ttl         time.Duration

	mu           sync.Mutex
	lastMutation map[models.WalletType]time.Time
	cache        map[models.WalletType]cachedBalances
}

type cachedBalances struct {
	balances  map[string]Balance
	fetchedAt time.Time
}

// NewSettledBalances wraps a client with the settle-delay/cache discipline.
func NewSettledBalances(client Client, settleDelay, ttl time.Duration) *SettledBalances {
	return &SettledBalances{
		client:       client,
		settleDelay:  settleDelay,
		ttl:          ttl,
		lastMutation: make(map[models.WalletType]time.Time),
		cache:        make(map[models.WalletType]cachedBalances),
	}
}

// NoteMutation stamps the wallet's last mutating action and drops its cache.
// The sequencer calls this after every order, borrow and repay.
func (s *SettledBalances) NoteMutation(wallet models.WalletType) {
	s.mu.Lock()
	s.lastMutation[wallet] = time.Now()
	delete(s.cache, wallet)
	s.mu.Unlock()
}

// Fetch returns the wallet's balances, waiting out the settle delay first and
// serving from cache while the TTL holds.
func (s *SettledBalances) Fetch(ctx context.Context, wallet models.WalletType) (map[string]Balance, error) {
	s.mu.Lock()
	if entry, ok := s.cache[wallet]; ok && time.Since(entry.fetchedAt) < s.ttl {
		balances := entry.balances
		s.mu.Unlock()
		return balances, nil
	}
	wait := s.settleDelay - time.Since(s.lastMutation[wallet])
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	balances, err := s.client.FetchBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[wallet] = cachedBalances{balances: balances, fetchedAt: time.Now()}
	s.mu.Unlock()
	return balances, nil
}
