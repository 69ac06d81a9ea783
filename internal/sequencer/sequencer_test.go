package sequencer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-trader/internal/exchange"
	"signal-trader/internal/models"
	"signal-trader/internal/persistence"
	"signal-trader/internal/registry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{}

func (fakeStore) SaveObjects(map[persistence.ObjectType][]byte) error       { return nil }
func (fakeStore) LoadObject(persistence.ObjectType) ([]byte, error)         { return nil, nil }
func (fakeStore) AppendRecord(persistence.RecordType, []byte, int) error    { return nil }
func (fakeStore) LoadRecords(persistence.RecordType, int) ([][]byte, error) { return nil, nil }
func (fakeStore) Close() error                                              { return nil }

// mockExchange scripts per-call failures and records every mutating call.
type mockExchange struct {
	sync.Mutex
	borrowErr error
	orderErr  error
	repayErr  error
	debts     map[string]exchange.Debt

	borrows []string
	orders  []string
	repays  []decimal.Decimal
}

func (m *mockExchange) LoadMarkets(context.Context, bool) (map[string]*models.Market, error) {
	return nil, nil
}

func (m *mockExchange) FetchBalance(context.Context, models.WalletType) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{}, nil
}

func (m *mockExchange) CreateMarketOrder(ctx context.Context, symbol string, side models.ActionType, quantity decimal.Decimal, wallet models.WalletType) (*exchange.OrderResult, error) {
	m.Lock()
	defer m.Unlock()
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	m.orders = append(m.orders, string(side)+" "+symbol)
	price := decimal.NewFromInt(10000)
	return &exchange.OrderResult{
		Status:   "FILLED",
		Price:    price,
		Quantity: quantity,
		Cost:     quantity.Mul(price),
		Time:     time.Now(),
	}, nil
}

func (m *mockExchange) MarginBorrow(ctx context.Context, asset string, quantity decimal.Decimal) (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.borrowErr != nil {
		return "", m.borrowErr
	}
	m.borrows = append(m.borrows, asset)
	return "tx-borrow", nil
}

func (m *mockExchange) MarginRepay(ctx context.Context, asset string, quantity decimal.Decimal) (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.repayErr != nil {
		return "", m.repayErr
	}
	m.repays = append(m.repays, quantity)
	return "tx-repay", nil
}

func (m *mockExchange) MarginDebt(context.Context) (map[string]exchange.Debt, error) {
	m.Lock()
	defer m.Unlock()
	if m.debts != nil {
		return m.debts, nil
	}
	return map[string]exchange.Debt{}, nil
}

func (m *mockExchange) AmountToPrecision(symbol string, quantity decimal.Decimal) decimal.Decimal {
	return quantity
}

type ackRecorder struct {
	sync.Mutex
	channels []string
}

func (a *ackRecorder) SendAck(channel string, ack models.TradeAck) {
	a.Lock()
	a.channels = append(a.channels, channel)
	a.Unlock()
}

func (a *ackRecorder) sent() []string {
	a.Lock()
	defer a.Unlock()
	out := make([]string, len(a.channels))
	copy(out, a.channels)
	return out
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

type fixture struct {
	seq   *Sequencer
	reg   *registry.Registry
	ex    *mockExchange
	acks  *ackRecorder
	queue *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &models.Config{
		MarginActive: true,
		LossRunLimit: 0,
		TakerFeeRate: decimal.RequireFromString("0.001"),
	}
	reg := registry.New(fakeStore{}, 100)
	reg.SetMarkets(map[string]*models.Market{
		"BTCUSDT": {
			Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Active: true, Margin: true,
			MinQuantity: decimal.RequireFromString("0.001"),
			StepSize:    decimal.RequireFromString("0.001"),
		},
	})
	ex := &mockExchange{}
	settled := exchange.NewSettledBalances(ex, 0, time.Minute)
	queue := NewQueue(time.Millisecond)
	queue.Start()
	t.Cleanup(queue.Stop)
	acks := &ackRecorder{}
	seq := New(cfg, reg, ex, settled, queue, acks, nopNotifier{})
	return &fixture{seq: seq, reg: reg, ex: ex, acks: acks, queue: queue}
}

func (f *fixture) drain(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func openSignal(price int64) models.Signal {
	return models.Signal{
		Entry:     models.Enter,
		Position:  models.Long,
		Source:    models.SourceSignal,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now(),
	}
}

func sampleTrade(borrow string) *models.TradeOpen {
	return &models.TradeOpen{
		ID: "t1", Position: models.Long, TradingType: models.Real,
		Quantity: decimal.RequireFromString("0.01"),
		Cost:     decimal.NewFromInt(100),
		Borrow:   decimal.RequireFromString(borrow),
		Wallet:   models.WalletMargin,
		StrategyID: "s1", StrategyName: "alpha", Symbol: "BTCUSDT",
		PriceBuy: decimal.NewFromInt(10000),
	}
}

func TestOpenExecutesAndBooksFill(t *testing.T) {
	f := newFixture(t)
	trade := sampleTrade("0")
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.IsExecuted
	})

	tr := f.reg.TradeByID("t1")
	assert.True(t, tr.PriceBuy.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, []string{"buy"}, f.acks.sent())
}

func TestBorrowFailureDiscardsTrade(t *testing.T) {
	f := newFixture(t)
	f.ex.borrowErr = errors.New("insufficient collateral")

	trade := sampleTrade("100")
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool { return f.reg.TradeByID("t1") == nil })

	// The exchange never saw an order and the slot is free again.
	assert.Empty(t, f.ex.orders)
	assert.Empty(t, f.acks.sent())
	assert.NoError(t, f.reg.AddTrade(sampleTrade("0")))

	txs := f.reg.Transactions(0)
	require.Len(t, txs, 1)
	assert.Equal(t, models.ActionBorrow, txs[0].Action)
	assert.False(t, txs[0].Succeeded)
}

func TestOrderFailureAfterBorrowFreezesTrade(t *testing.T) {
	f := newFixture(t)
	f.ex.orderErr = errors.New("exchange rejected order")

	trade := sampleTrade("100")
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.IsStopped
	})

	tr := f.reg.TradeByID("t1")
	assert.False(t, tr.IsExecuted)
	// The frozen trade no longer blocks a fresh open for the same key.
	assert.NoError(t, f.reg.AddTrade(&models.TradeOpen{
		ID: "t2", Position: models.Long, StrategyID: "s1", Symbol: "BTCUSDT",
	}))
}

func TestOrderFailureWithoutBorrowDiscardsTrade(t *testing.T) {
	f := newFixture(t)
	f.ex.orderErr = errors.New("exchange down")

	trade := sampleTrade("0")
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool { return f.reg.TradeByID("t1") == nil })
}

func TestCloseFailureLeavesTradeOpen(t *testing.T) {
	f := newFixture(t)
	trade := sampleTrade("0")
	trade.IsExecuted = true
	require.NoError(t, f.reg.AddTrade(trade))
	require.True(t, f.reg.MarkClosing("t1"))

	f.ex.orderErr = errors.New("exchange down")
	sig := openSignal(11000)
	sig.Entry = models.Exit
	f.seq.SubmitClose(trade, sig)

	f.drain(t, func() bool { return !f.reg.IsClosing("t1") })
	assert.NotNil(t, f.reg.TradeByID("t1"))
}

func TestCloseRepaysLoanWithInterest(t *testing.T) {
	f := newFixture(t)
	f.ex.debts = map[string]exchange.Debt{
		"USDT": {Borrowed: decimal.NewFromInt(100), Interest: decimal.RequireFromString("0.05")},
	}

	trade := sampleTrade("100")
	trade.IsExecuted = true
	require.NoError(t, f.reg.AddTrade(trade))
	require.True(t, f.reg.MarkClosing("t1"))

	sig := openSignal(11000)
	sig.Entry = models.Exit
	f.seq.SubmitClose(trade, sig)

	f.drain(t, func() bool { return f.reg.TradeByID("t1") == nil })

	f.ex.Lock()
	defer f.ex.Unlock()
	require.Len(t, f.ex.repays, 1)
	assert.True(t, f.ex.repays[0].Equal(decimal.RequireFromString("100.05")), "repaid %s", f.ex.repays[0])
	assert.Contains(t, f.acks.sent(), "close")
}

func TestRepayFailureFreezesTrade(t *testing.T) {
	f := newFixture(t)
	f.ex.repayErr = errors.New("repay rejected")

	trade := sampleTrade("100")
	trade.IsExecuted = true
	require.NoError(t, f.reg.AddTrade(trade))
	require.True(t, f.reg.MarkClosing("t1"))

	sig := openSignal(11000)
	sig.Entry = models.Exit
	f.seq.SubmitClose(trade, sig)

	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.IsStopped
	})
	assert.False(t, f.reg.IsClosing("t1"))
}

func TestVirtualOpenMovesLedgerFunds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AdjustVirtualBalance(models.WalletSpot, "USDT", decimal.NewFromInt(500)))

	trade := sampleTrade("0")
	trade.TradingType = models.Virtual
	trade.Wallet = models.WalletSpot
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.IsExecuted
	})

	// 0.01 BTC at 10000 moved 100 USDT into 0.01 BTC.
	assert.True(t, f.reg.VirtualBalance(models.WalletSpot, "USDT").Equal(decimal.NewFromInt(400)))
	assert.True(t, f.reg.VirtualBalance(models.WalletSpot, "BTC").Equal(decimal.RequireFromString("0.01")))
	// No real exchange call happened.
	assert.Empty(t, f.ex.orders)
}

func TestVirtualOpenFailsOnInsufficientLedger(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AdjustVirtualBalance(models.WalletSpot, "USDT", decimal.NewFromInt(50)))

	trade := sampleTrade("0")
	trade.TradingType = models.Virtual
	trade.Wallet = models.WalletSpot
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SubmitOpen(trade, openSignal(10000))
	f.drain(t, func() bool { return f.reg.TradeByID("t1") == nil })

	assert.True(t, f.reg.VirtualBalance(models.WalletSpot, "USDT").Equal(decimal.NewFromInt(50)))
}

func TestPartialCloseSellsAndShrinksBooks(t *testing.T) {
	f := newFixture(t)
	trade := sampleTrade("0")
	trade.IsExecuted = true
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SchedulePartialClose("t1", decimal.RequireFromString("0.004"))
	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.Quantity.Equal(decimal.RequireFromString("0.006"))
	})

	tr := f.reg.TradeByID("t1")
	assert.True(t, tr.Cost.Equal(decimal.NewFromInt(60)), "cost = %s", tr.Cost)
	assert.Equal(t, []string{"sell"}, f.acks.sent())
}

func TestPartialCloseSkipsWhenItWouldEmptyPosition(t *testing.T) {
	f := newFixture(t)
	trade := sampleTrade("0")
	trade.IsExecuted = true
	require.NoError(t, f.reg.AddTrade(trade))

	f.seq.SchedulePartialClose("t1", trade.Quantity)

	var done atomic.Bool
	f.queue.Submit(func() { done.Store(true) })
	f.drain(t, done.Load)

	// No sale: the full quantity would close the trade outright.
	f.ex.Lock()
	defer f.ex.Unlock()
	assert.Empty(t, f.ex.orders)
	tr := f.reg.TradeByID("t1")
	assert.True(t, tr.Quantity.Equal(decimal.RequireFromString("0.01")))
}

func TestPartialCloseQueuedBehindOpenShrinksFinalPosition(t *testing.T) {
	f := newFixture(t)
	trade := sampleTrade("0")
	require.NoError(t, f.reg.AddTrade(trade))

	// A rebalancing sale scheduled while the opening order is still queued
	// must survive the fill correction: buy the full size, then sell the
	// delta, leaving the shrunk position.
	f.seq.SubmitOpen(trade, openSignal(10000))
	f.seq.SchedulePartialClose("t1", decimal.RequireFromString("0.004"))

	f.drain(t, func() bool {
		tr := f.reg.TradeByID("t1")
		return tr != nil && tr.IsExecuted && tr.Quantity.Equal(decimal.RequireFromString("0.006"))
	})

	tr := f.reg.TradeByID("t1")
	assert.True(t, tr.Cost.Equal(decimal.NewFromInt(60)), "cost = %s", tr.Cost)
	assert.False(t, f.reg.IsOpening("t1"))

	f.ex.Lock()
	defer f.ex.Unlock()
	assert.Equal(t, []string{"buy BTCUSDT", "sell BTCUSDT"}, f.ex.orders)
	assert.Equal(t, []string{"buy", "sell"}, f.acks.sent())
}

func TestLossRunStopsStrategy(t *testing.T) {
	f := newFixture(t)
	f.seq.cfg.LossRunLimit = 2
	f.reg.ReplaceStrategies([]models.Strategy{{ID: "s1", Name: "alpha", IsActive: true}})

	for i, id := range []string{"t1", "t2"} {
		trade := sampleTrade("0")
		trade.ID = id
		trade.Symbol = "BTCUSDT"
		trade.IsExecuted = true
		trade.Cost = decimal.NewFromInt(200) // bought at 200, sells at 100: a loss
		require.NoError(t, f.reg.AddTrade(trade))
		require.True(t, f.reg.MarkClosing(id))

		sig := openSignal(10000)
		sig.Entry = models.Exit
		f.seq.SubmitClose(trade, sig)
		f.drain(t, func() bool { return f.reg.TradeByID(id) == nil })

		s := f.reg.Strategy("s1")
		require.NotNil(t, s)
		assert.Equal(t, i+1, s.LossTradeRun)

		// The key frees up between iterations.
		f.reg.RemoveTrade(id)
	}

	assert.True(t, f.reg.Strategy("s1").IsStopped)
}
