package registry

import (
	"sync"
	"testing"

	"signal-trader/internal/models"
	"signal-trader/internal/persistence"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps everything in memory.
type fakeStore struct {
	sync.Mutex
	objects map[persistence.ObjectType][]byte
	records [][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[persistence.ObjectType][]byte)}
}

func (f *fakeStore) SaveObjects(objects map[persistence.ObjectType][]byte) error {
	f.Lock()
	defer f.Unlock()
	for t, blob := range objects {
		f.objects[t] = blob
	}
	return nil
}

func (f *fakeStore) LoadObject(objType persistence.ObjectType) ([]byte, error) {
	f.Lock()
	defer f.Unlock()
	return f.objects[objType], nil
}

func (f *fakeStore) AppendRecord(recType persistence.RecordType, row []byte, maxRows int) error {
	f.Lock()
	defer f.Unlock()
	f.records = append(f.records, row)
	return nil
}

func (f *fakeStore) LoadRecords(recType persistence.RecordType, limit int) ([][]byte, error) {
	f.Lock()
	defer f.Unlock()
	return f.records, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestTrade(id, strategyID, symbol string, pos models.PositionType) *models.TradeOpen {
	return &models.TradeOpen{
		ID:         id,
		StrategyID: strategyID,
		Symbol:     symbol,
		Position:   pos,
		Quantity:   decimal.NewFromInt(1),
		Cost:       decimal.NewFromInt(100),
	}
}

func TestAddTradeRejectsDuplicateKey(t *testing.T) {
	r := New(newFakeStore(), 100)

	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))
	err := r.AddTrade(newTestTrade("t2", "s1", "BTCUSDT", models.Long))
	assert.Error(t, err)

	// Same strategy and symbol in the other direction is a different position.
	assert.NoError(t, r.AddTrade(newTestTrade("t3", "s1", "BTCUSDT", models.Short)))
}

func TestAddTradeAllowsDuplicateOfStoppedTrade(t *testing.T) {
	r := New(newFakeStore(), 100)

	frozen := newTestTrade("t1", "s1", "BTCUSDT", models.Long)
	frozen.IsStopped = true
	require.NoError(t, r.AddTrade(frozen))

	// A frozen trade no longer occupies the key.
	assert.NoError(t, r.AddTrade(newTestTrade("t2", "s1", "BTCUSDT", models.Long)))

	found := r.TradeByKey(models.TradeKey{StrategyID: "s1", Symbol: "BTCUSDT", Position: models.Long})
	require.NotNil(t, found)
	assert.Equal(t, "t2", found.ID)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newFakeStore()
	r := New(store, 100)

	r.ReplaceStrategies([]models.Strategy{{ID: "s1", Name: "alpha", IsActive: true}})
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))
	require.NoError(t, r.AdjustVirtualBalance(models.WalletSpot, "USDT", decimal.NewFromInt(50)))

	dirty, err := r.CollectDirty()
	require.NoError(t, err)
	require.NoError(t, store.SaveObjects(dirty))

	restored := New(store, 100)
	require.NoError(t, restored.Load())

	assert.NotNil(t, restored.Strategy("s1"))
	assert.NotNil(t, restored.TradeByID("t1"))
	assert.True(t, restored.VirtualBalance(models.WalletSpot, "USDT").Equal(decimal.NewFromInt(50)))
}

func TestCollectDirtyClearsDirtySet(t *testing.T) {
	r := New(newFakeStore(), 100)
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))

	first, err := r.CollectDirty()
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := r.CollectDirty()
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMarkClosingIsExclusive(t *testing.T) {
	r := New(newFakeStore(), 100)
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))

	assert.True(t, r.MarkClosing("t1"))
	assert.False(t, r.MarkClosing("t1"))
	assert.True(t, r.IsClosing("t1"))

	r.RemoveTrade("t1")
	assert.False(t, r.IsClosing("t1"))
}

func TestMarkOpeningClearsWithTrade(t *testing.T) {
	r := New(newFakeStore(), 100)
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))

	r.MarkOpening("t1")
	assert.True(t, r.IsOpening("t1"))

	r.UnmarkOpening("t1")
	assert.False(t, r.IsOpening("t1"))

	r.MarkOpening("t1")
	r.RemoveTrade("t1")
	assert.False(t, r.IsOpening("t1"))
}

func TestTradeSnapshotIsDetached(t *testing.T) {
	r := New(newFakeStore(), 100)
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))

	snap, ok := r.TradeSnapshot("t1")
	require.True(t, ok)
	assert.True(t, snap.Cost.Equal(decimal.NewFromInt(100)))

	r.TouchTrade("t1", func(tr *models.TradeOpen) {
		tr.Cost = decimal.NewFromInt(50)
	})
	assert.True(t, snap.Cost.Equal(decimal.NewFromInt(100)))

	_, ok = r.TradeSnapshot("missing")
	assert.False(t, ok)
}

func TestReplaceStrategiesCarriesLocalFields(t *testing.T) {
	r := New(newFakeStore(), 100)

	r.ReplaceStrategies([]models.Strategy{{ID: "s1", Name: "alpha", IsActive: true}})
	r.StopStrategy("s1")
	r.RecordTradeResult("s1", true)
	r.RecordTradeResult("s1", true)

	r.ReplaceStrategies([]models.Strategy{{ID: "s1", IsActive: true}})

	s := r.Strategy("s1")
	require.NotNil(t, s)
	assert.True(t, s.IsStopped)
	assert.Equal(t, 2, s.LossTradeRun)
	assert.Equal(t, "alpha", s.Name)
}

func TestRecordTradeResultResetsOnWin(t *testing.T) {
	r := New(newFakeStore(), 100)
	r.ReplaceStrategies([]models.Strategy{{ID: "s1", IsActive: true}})

	assert.Equal(t, 1, r.RecordTradeResult("s1", true))
	assert.Equal(t, 2, r.RecordTradeResult("s1", true))
	assert.Equal(t, 0, r.RecordTradeResult("s1", false))
}

func TestAdjustVirtualBalanceRefusesNegative(t *testing.T) {
	r := New(newFakeStore(), 100)

	require.NoError(t, r.AdjustVirtualBalance(models.WalletSpot, "USDT", decimal.NewFromInt(10)))
	err := r.AdjustVirtualBalance(models.WalletSpot, "USDT", decimal.NewFromInt(-20))
	assert.Error(t, err)
	assert.True(t, r.VirtualBalance(models.WalletSpot, "USDT").Equal(decimal.NewFromInt(10)))
}

func TestTransactionLogIsBounded(t *testing.T) {
	r := New(newFakeStore(), 3)

	for i := 0; i < 5; i++ {
		r.AppendTransaction(models.Transaction{ID: string(rune('a' + i))})
	}
	txs := r.Transactions(0)
	require.Len(t, txs, 3)
	assert.Equal(t, "c", txs[0].ID)
	assert.Equal(t, "e", txs[2].ID)
}

func TestLoadRestoresTransactionLog(t *testing.T) {
	store := newFakeStore()
	r := New(store, 10)
	r.AppendTransaction(models.Transaction{ID: "tx1", TradeID: "t1"})
	r.AppendTransaction(models.Transaction{ID: "tx2", TradeID: "t1"})

	restored := New(store, 10)
	require.NoError(t, restored.Load())

	txs := restored.Transactions(0)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx1", txs[0].ID)
	assert.Equal(t, "tx2", txs[1].ID)
}

func TestOpenCountIgnoresStoppedTrades(t *testing.T) {
	r := New(newFakeStore(), 100)
	require.NoError(t, r.AddTrade(newTestTrade("t1", "s1", "BTCUSDT", models.Long)))
	require.NoError(t, r.AddTrade(newTestTrade("t2", "s2", "ETHUSDT", models.Long)))
	r.TouchTrade("t2", func(tr *models.TradeOpen) { tr.IsStopped = true })

	assert.Equal(t, 1, r.OpenCount(models.Long))
	assert.Equal(t, 0, r.OpenCount(models.Short))
}
