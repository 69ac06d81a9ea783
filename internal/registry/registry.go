package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/persistence"

	"github.com/shopspring/decimal"
)

// Registry is the process-wide trading state. All mutation happens on
// signal-processing or queue-completion boundaries through its methods; the
// mutex only guards against concurrent reads from the diagnostic server.
//
// Every mutating method marks the touched field dirty and fires the onDirty
// hook so the checkpoint writer can schedule a flush. Markets, the closing
// set and the transaction log are deliberately outside the checkpoint path.
type Registry struct {
	mu sync.RWMutex

	strategies      map[string]*models.Strategy
	tradesOpen      []*models.TradeOpen
	tradesOpening   map[string]struct{}
	tradesClosing   map[string]struct{}
	markets         map[string]*models.Market
	virtualBalances map[models.WalletType]map[string]decimal.Decimal
	transactions    []models.Transaction
	balanceHistory  map[models.TradingType]map[string][]models.BalanceHistoryEntry

	dirty   map[persistence.ObjectType]struct{}
	onDirty func()

	store           persistence.Store
	maxTransactions int
	operational     bool
}

// New returns an empty registry backed by the store for transaction appends.
func New(store persistence.Store, maxTransactions int) *Registry {
	return &Registry{
		strategies:      make(map[string]*models.Strategy),
		tradesOpening:   make(map[string]struct{}),
		tradesClosing:   make(map[string]struct{}),
		markets:         make(map[string]*models.Market),
		virtualBalances: make(map[models.WalletType]map[string]decimal.Decimal),
		balanceHistory:  make(map[models.TradingType]map[string][]models.BalanceHistoryEntry),
		dirty:           make(map[persistence.ObjectType]struct{}),
		store:           store,
		maxTransactions: maxTransactions,
	}
}

// SetOnDirty installs the hook invoked (outside the lock) after any mutation.
func (r *Registry) SetOnDirty(fn func()) {
	r.mu.Lock()
	r.onDirty = fn
	r.mu.Unlock()
}

func (r *Registry) markDirty(types ...persistence.ObjectType) {
	for _, t := range types {
		r.dirty[t] = struct{}{}
	}
	fn := r.onDirty
	if fn != nil {
		// Fired asynchronously so a flush cannot re-enter the caller.
		go fn()
	}
}

// Load restores the checkpointed fields from the store. Absent objects leave
// the corresponding field empty; that is the first-ever-start case.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	load := func(t persistence.ObjectType, out interface{}) error {
		blob, err := r.store.LoadObject(t)
		if err != nil {
			return fmt.Errorf("load %s: %w", t, err)
		}
		if blob == nil {
			return nil
		}
		return json.Unmarshal(blob, out)
	}

	if err := load(persistence.ObjectStrategies, &r.strategies); err != nil {
		return err
	}
	if err := load(persistence.ObjectTradesOpen, &r.tradesOpen); err != nil {
		return err
	}
	if err := load(persistence.ObjectVirtualBalances, &r.virtualBalances); err != nil {
		return err
	}
	if err := load(persistence.ObjectBalanceHistory, &r.balanceHistory); err != nil {
		return err
	}

	rows, err := r.store.LoadRecords(persistence.RecordTransactions, r.maxTransactions)
	if err != nil {
		return fmt.Errorf("load transaction log: %w", err)
	}
	for _, row := range rows {
		var tx models.Transaction
		if err := json.Unmarshal(row, &tx); err != nil {
			logger.S().Warnf("skipping undecodable transaction record: %v", err)
			continue
		}
		r.transactions = append(r.transactions, tx)
	}
	return nil
}

// CollectDirty marshals every dirty field and clears the dirty set. The
// checkpoint writer persists the returned map; an empty map means a spurious
// wakeup.
func (r *Registry) CollectDirty() (map[persistence.ObjectType][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[persistence.ObjectType][]byte, len(r.dirty))
	for t := range r.dirty {
		var (
			blob []byte
			err  error
		)
		switch t {
		case persistence.ObjectStrategies:
			blob, err = json.Marshal(r.strategies)
		case persistence.ObjectTradesOpen:
			blob, err = json.Marshal(r.tradesOpen)
		case persistence.ObjectVirtualBalances:
			blob, err = json.Marshal(r.virtualBalances)
		case persistence.ObjectBalanceHistory:
			blob, err = json.Marshal(r.balanceHistory)
		}
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", t, err)
		}
		out[t] = blob
	}
	r.dirty = make(map[persistence.ObjectType]struct{})
	return out, nil
}

// Operational reports whether a strategy payload has arrived at least once.
func (r *Registry) Operational() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operational
}

// ReplaceStrategies installs a fresh strategy list from the hub. The mutable
// locally owned fields of a previously known strategy carry forward.
func (r *Registry) ReplaceStrategies(incoming []models.Strategy) {
	r.mu.Lock()
	replaced := make(map[string]*models.Strategy, len(incoming))
	for i := range incoming {
		s := incoming[i]
		if prev, ok := r.strategies[s.ID]; ok {
			s.IsStopped = prev.IsStopped
			s.LossTradeRun = prev.LossTradeRun
			if s.Name == "" {
				s.Name = prev.Name
			}
		}
		replaced[s.ID] = &s
	}
	r.strategies = replaced
	r.operational = true
	r.markDirty(persistence.ObjectStrategies)
	r.mu.Unlock()
}

// Strategy returns the strategy or nil.
func (r *Registry) Strategy(id string) *models.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[id]
}

// Strategies returns a value copy of every strategy, for read-only views.
func (r *Registry) Strategies() []models.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, *s)
	}
	return out
}

// StopStrategy freezes a strategy. One-way inside the automatic engine.
func (r *Registry) StopStrategy(id string) {
	r.mu.Lock()
	if s, ok := r.strategies[id]; ok && !s.IsStopped {
		s.IsStopped = true
		r.markDirty(persistence.ObjectStrategies)
	}
	r.mu.Unlock()
}

// RecordTradeResult updates the consecutive-loss counter after a close and
// returns the new run length. A winning trade resets the counter.
func (r *Registry) RecordTradeResult(strategyID string, lost bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[strategyID]
	if !ok {
		return 0
	}
	if lost {
		s.LossTradeRun++
	} else {
		s.LossTradeRun = 0
	}
	r.markDirty(persistence.ObjectStrategies)
	return s.LossTradeRun
}

// AddTrade appends a new open trade. It refuses a duplicate of any
// non-stopped trade with the same composite key.
func (r *Registry) AddTrade(t *models.TradeOpen) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tradesOpen {
		if !existing.IsStopped && existing.Key() == t.Key() {
			return fmt.Errorf("trade already open for %s", t.Key())
		}
	}
	r.tradesOpen = append(r.tradesOpen, t)
	r.markDirty(persistence.ObjectTradesOpen)
	return nil
}

// RemoveTrade drops a trade by id and clears it from the closing set.
func (r *Registry) RemoveTrade(id string) {
	r.mu.Lock()
	kept := r.tradesOpen[:0]
	for _, t := range r.tradesOpen {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	r.tradesOpen = kept
	delete(r.tradesOpening, id)
	delete(r.tradesClosing, id)
	r.markDirty(persistence.ObjectTradesOpen)
	r.mu.Unlock()
}

// ReplaceTrades swaps the whole open-trade list (reconciliation only).
func (r *Registry) ReplaceTrades(trades []*models.TradeOpen) {
	r.mu.Lock()
	r.tradesOpen = trades
	r.tradesOpening = make(map[string]struct{})
	r.tradesClosing = make(map[string]struct{})
	r.markDirty(persistence.ObjectTradesOpen)
	r.mu.Unlock()
}

// TradeByID returns the live trade pointer, or nil.
func (r *Registry) TradeByID(id string) *models.TradeOpen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tradesOpen {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TradeByKey returns the non-stopped trade matching the composite key, or nil.
func (r *Registry) TradeByKey(key models.TradeKey) *models.TradeOpen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tradesOpen {
		if !t.IsStopped && t.Key() == key {
			return t
		}
	}
	return nil
}

// FrozenTradeByKey returns a stopped trade matching the composite key, or nil.
func (r *Registry) FrozenTradeByKey(key models.TradeKey) *models.TradeOpen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tradesOpen {
		if t.IsStopped && t.Key() == key {
			return t
		}
	}
	return nil
}

// Trades returns value copies of all open trades.
func (r *Registry) Trades() []models.TradeOpen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.TradeOpen, 0, len(r.tradesOpen))
	for _, t := range r.tradesOpen {
		out = append(out, *t)
	}
	return out
}

// LiveTrades returns pointers to all open trades. Callers on concurrent paths
// use Trades or TradeSnapshot instead; pointer access is only safe during
// single-threaded startup before the router accepts signals.
func (r *Registry) LiveTrades() []*models.TradeOpen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TradeOpen, len(r.tradesOpen))
	copy(out, r.tradesOpen)
	return out
}

// OpenCount counts non-stopped trades of one direction.
func (r *Registry) OpenCount(pos models.PositionType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tradesOpen {
		if !t.IsStopped && t.Position == pos {
			n++
		}
	}
	return n
}

// TouchTrade applies fn to the identified trade under the lock and stamps
// TimeUpdated. All in-place trade mutation funnels through here so the dirty
// flag cannot be forgotten.
func (r *Registry) TouchTrade(id string, fn func(*models.TradeOpen)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tradesOpen {
		if t.ID == id {
			fn(t)
			t.TimeUpdated = time.Now()
			r.markDirty(persistence.ObjectTradesOpen)
			return true
		}
	}
	return false
}

// MarkClosing adds the trade to the in-flight-exit set. Returns false when
// already present, which rejects the second EXIT for the same trade.
func (r *Registry) MarkClosing(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tradesClosing[id]; ok {
		return false
	}
	r.tradesClosing[id] = struct{}{}
	return true
}

// UnmarkClosing removes the trade from the in-flight-exit set.
func (r *Registry) UnmarkClosing(id string) {
	r.mu.Lock()
	delete(r.tradesClosing, id)
	r.mu.Unlock()
}

// IsClosing reports in-flight-exit membership.
func (r *Registry) IsClosing(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tradesClosing[id]
	return ok
}

// MarkOpening adds the trade to the in-flight-entry set. Membership means a
// queued entry order has not been filled yet, so the booked quantity is still
// provisional.
func (r *Registry) MarkOpening(id string) {
	r.mu.Lock()
	r.tradesOpening[id] = struct{}{}
	r.mu.Unlock()
}

// UnmarkOpening removes the trade from the in-flight-entry set.
func (r *Registry) UnmarkOpening(id string) {
	r.mu.Lock()
	delete(r.tradesOpening, id)
	r.mu.Unlock()
}

// IsOpening reports in-flight-entry membership.
func (r *Registry) IsOpening(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tradesOpening[id]
	return ok
}

// TradeSnapshot returns a value copy of the identified trade taken under the
// lock, or false when it no longer exists.
func (r *Registry) TradeSnapshot(id string) (models.TradeOpen, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tradesOpen {
		if t.ID == id {
			return *t, true
		}
	}
	return models.TradeOpen{}, false
}

// SetMarkets replaces the market metadata map.
func (r *Registry) SetMarkets(markets map[string]*models.Market) {
	r.mu.Lock()
	r.markets = markets
	r.mu.Unlock()
}

// Market returns the metadata for a symbol, or nil.
func (r *Registry) Market(symbol string) *models.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.markets[symbol]
}

// VirtualBalance returns the simulated free balance of one asset.
func (r *Registry) VirtualBalance(wallet models.WalletType, asset string) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if assets, ok := r.virtualBalances[wallet]; ok {
		return assets[asset]
	}
	return decimal.Zero
}

// VirtualBalances returns a deep copy of the simulated ledger.
func (r *Registry) VirtualBalances() map[models.WalletType]map[string]decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.WalletType]map[string]decimal.Decimal, len(r.virtualBalances))
	for w, assets := range r.virtualBalances {
		inner := make(map[string]decimal.Decimal, len(assets))
		for a, v := range assets {
			inner[a] = v
		}
		out[w] = inner
	}
	return out
}

// AdjustVirtualBalance credits (or debits, negative delta) a simulated asset
// balance. The balance may not go negative; virtual funding bugs surface here
// instead of corrupting the ledger.
func (r *Registry) AdjustVirtualBalance(wallet models.WalletType, asset string, delta decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	assets, ok := r.virtualBalances[wallet]
	if !ok {
		assets = make(map[string]decimal.Decimal)
		r.virtualBalances[wallet] = assets
	}
	next := assets[asset].Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("virtual %s/%s balance would go negative (%s)", wallet, asset, next)
	}
	assets[asset] = next
	r.markDirty(persistence.ObjectVirtualBalances)
	return nil
}

// SetVirtualBalances deterministically resets the simulated ledger
// (reconciliation only).
func (r *Registry) SetVirtualBalances(balances map[models.WalletType]map[string]decimal.Decimal) {
	r.mu.Lock()
	r.virtualBalances = balances
	r.markDirty(persistence.ObjectVirtualBalances)
	r.mu.Unlock()
}

// AppendTransaction stores the audit record in the bounded in-memory log and
// the append-only store stream. Store failures are logged, not fatal; the
// transaction log is advisory.
func (r *Registry) AppendTransaction(tx models.Transaction) {
	r.mu.Lock()
	r.transactions = append(r.transactions, tx)
	if over := len(r.transactions) - r.maxTransactions; over > 0 {
		r.transactions = r.transactions[over:]
	}
	r.mu.Unlock()

	blob, err := json.Marshal(tx)
	if err == nil {
		err = r.store.AppendRecord(persistence.RecordTransactions, blob, r.maxTransactions)
	}
	if err != nil {
		logger.S().Errorf("failed to append transaction record: %v", err)
	}
}

// Transactions returns the newest transactions, oldest first, capped at limit.
func (r *Registry) Transactions(limit int) []models.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.transactions)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]models.Transaction, n)
	copy(out, r.transactions[len(r.transactions)-n:])
	return out
}

// UpdateBalanceHistory applies fn to today's entry for the trading type and
// quote asset, creating it from the previous close when the day rolls over.
func (r *Registry) UpdateBalanceHistory(tt models.TradingType, quote string, fn func(*models.BalanceHistoryEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byQuote, ok := r.balanceHistory[tt]
	if !ok {
		byQuote = make(map[string][]models.BalanceHistoryEntry)
		r.balanceHistory[tt] = byQuote
	}
	series := byQuote[quote]
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if len(series) == 0 || !series[len(series)-1].Date.Equal(today) {
		entry := models.BalanceHistoryEntry{Date: today}
		if len(series) > 0 {
			entry.OpenBalance = series[len(series)-1].CloseBalance
			entry.CloseBalance = series[len(series)-1].CloseBalance
		}
		series = append(series, entry)
	}
	fn(&series[len(series)-1])
	byQuote[quote] = series
	r.markDirty(persistence.ObjectBalanceHistory)
}

// BalanceHistory returns a deep copy of the whole history.
func (r *Registry) BalanceHistory() map[models.TradingType]map[string][]models.BalanceHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.TradingType]map[string][]models.BalanceHistoryEntry, len(r.balanceHistory))
	for tt, byQuote := range r.balanceHistory {
		inner := make(map[string][]models.BalanceHistoryEntry, len(byQuote))
		for q, series := range byQuote {
			c := make([]models.BalanceHistoryEntry, len(series))
			copy(c, series)
			inner[q] = c
		}
		out[tt] = inner
	}
	return out
}
