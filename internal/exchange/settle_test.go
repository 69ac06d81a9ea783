package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClient struct {
	Client

	mu      sync.Mutex
	fetches int
}

func (c *countingClient) FetchBalance(ctx context.Context, wallet models.WalletType) (map[string]Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	return map[string]Balance{
		"USDT": {Free: decimal.NewFromInt(int64(c.fetches))},
	}, nil
}

func (c *countingClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func TestFetchServesFromCacheWithinTTL(t *testing.T) {
	client := &countingClient{}
	s := NewSettledBalances(client, 0, time.Minute)

	first, err := s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)
	second, err := s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)

	assert.Equal(t, 1, client.fetchCount())
	assert.True(t, first["USDT"].Free.Equal(second["USDT"].Free))
}

func TestMutationInvalidatesCache(t *testing.T) {
	client := &countingClient{}
	s := NewSettledBalances(client, 0, time.Minute)

	_, err := s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)

	s.NoteMutation(models.WalletSpot)

	_, err = s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)
	assert.Equal(t, 2, client.fetchCount())
}

func TestMutationOnOtherWalletKeepsCache(t *testing.T) {
	client := &countingClient{}
	s := NewSettledBalances(client, 0, time.Minute)

	_, err := s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)

	s.NoteMutation(models.WalletMargin)

	_, err = s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)
	assert.Equal(t, 1, client.fetchCount())
}

func TestFetchWaitsOutSettleDelay(t *testing.T) {
	client := &countingClient{}
	s := NewSettledBalances(client, 50*time.Millisecond, time.Minute)

	s.NoteMutation(models.WalletSpot)
	start := time.Now()
	_, err := s.Fetch(context.Background(), models.WalletSpot)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestFetchHonorsContextDuringSettleWait(t *testing.T) {
	client := &countingClient{}
	s := NewSettledBalances(client, time.Hour, time.Minute)

	s.NoteMutation(models.WalletSpot)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Fetch(ctx, models.WalletSpot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, client.fetchCount())
}
