package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signal-trader/internal/exchange"
	"signal-trader/internal/funding"
	"signal-trader/internal/hub"
	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/registry"

	"github.com/shopspring/decimal"
)

// Notifier delivers reconciliation reports for trades that had to be
// discarded or flagged.
type Notifier interface {
	Notify(subject, content string)
}

// Reconciler aligns the checkpointed trade state with the hub's reported
// open trades and with actual exchange balances at startup. Local state is
// authoritative for sizing; the hub is authoritative for which trades
// should exist at all.
type Reconciler struct {
	cfg      *models.Config
	reg      *registry.Registry
	ex       exchange.Client
	notifier Notifier
}

// New builds a Reconciler.
func New(cfg *models.Config, reg *registry.Registry, ex exchange.Client, notifier Notifier) *Reconciler {
	return &Reconciler{cfg: cfg, reg: reg, ex: ex, notifier: notifier}
}

// Run performs startup reconciliation. When local trades survived the
// restart they are matched against the hub list; when the checkpoint was
// empty the open positions are rebuilt from the hub list and fitted to what
// the exchange actually holds. Virtual wallets are reset either way so the
// ledger and the virtual trades agree.
func (r *Reconciler) Run(ctx context.Context, hubTrades []hub.OpenTrade) error {
	local := r.reg.LiveTrades()

	var report []string
	if len(local) > 0 {
		report = r.matchLocal(local, hubTrades)
	} else if len(hubTrades) > 0 {
		rebuilt, dropped, err := r.rebuild(ctx, hubTrades)
		if err != nil {
			return fmt.Errorf("rebuilding trades from hub: %w", err)
		}
		r.reg.ReplaceTrades(rebuilt)
		report = dropped
	}

	r.resetVirtualWallets()

	if len(report) > 0 {
		r.notifier.Notify(
			"Trade reconciliation report",
			strings.Join(report, "\n"),
		)
	}
	logger.S().Infof("reconciliation complete: %d open trades", len(r.reg.LiveTrades()))
	return nil
}

// matchLocal keeps the checkpointed trades as the source of truth for
// quantities and prices, but drops or flags those the hub no longer knows
// about. Unexecuted trades are safe to discard: no exchange position backs
// them. Executed ones hold real assets and must stay until closed by hand.
func (r *Reconciler) matchLocal(local []*models.TradeOpen, hubTrades []hub.OpenTrade) []string {
	seen := make(map[models.TradeKey]bool, len(hubTrades))
	for _, h := range hubTrades {
		seen[models.TradeKey{
			StrategyID: h.StrategyID,
			Symbol:     h.Symbol,
			Position:   models.PositionType(h.Position),
		}] = true
	}

	var report []string
	for _, t := range local {
		if seen[t.Key()] {
			continue
		}
		if !t.IsExecuted {
			logger.S().Warnf("discarding unexecuted trade %s (%s): unknown to hub", t.ID, t.Key())
			r.reg.RemoveTrade(t.ID)
			report = append(report, fmt.Sprintf("Discarded unexecuted trade %s %s %s: not reported by the hub.", t.StrategyName, t.Symbol, t.Position))
			continue
		}
		logger.S().Errorf("executed trade %s (%s) unknown to hub, keeping", t.ID, t.Key())
		report = append(report, fmt.Sprintf("Trade %s %s %s executed locally but not reported by the hub. Kept; review manually.", t.StrategyName, t.Symbol, t.Position))
	}
	return report
}

// rebuild reconstructs open trades from the hub list after a lost
// checkpoint. Shorts are fitted first because their size is pinned by the
// outstanding margin loans; longs then split whatever free balance remains,
// scaled down proportionally when the books claim more than the exchange
// holds.
func (r *Reconciler) rebuild(ctx context.Context, hubTrades []hub.OpenTrade) ([]*models.TradeOpen, []string, error) {
	var (
		candidates []*models.TradeOpen
		report     []string
	)
	for _, h := range hubTrades {
		t, reason := r.candidate(h)
		if t == nil {
			report = append(report, fmt.Sprintf("Could not restore trade %s %s %s: %s.", h.StrategyName, h.Symbol, h.Position, reason))
			continue
		}
		candidates = append(candidates, t)
	}

	var (
		fitted  []*models.TradeOpen
		virtual []*models.TradeOpen
		shorts  []*models.TradeOpen
		longs   []*models.TradeOpen
	)
	for _, t := range candidates {
		switch {
		case t.TradingType == models.Virtual:
			virtual = append(virtual, t)
		case t.Position == models.Short:
			shorts = append(shorts, t)
		default:
			longs = append(longs, t)
		}
	}

	if len(shorts) > 0 {
		kept, dropped, err := r.fitShorts(ctx, shorts)
		if err != nil {
			return nil, nil, err
		}
		fitted = append(fitted, kept...)
		report = append(report, dropped...)
	}
	if len(longs) > 0 {
		kept, dropped, err := r.fitLongs(ctx, longs)
		if err != nil {
			return nil, nil, err
		}
		fitted = append(fitted, kept...)
		report = append(report, dropped...)
	}

	// Virtual trades have no exchange position to check against; the
	// ledger is rebuilt around them afterwards.
	fitted = append(fitted, virtual...)

	return fitted, report, nil
}

// candidate converts one hub entry to a restorable trade, or explains why
// it cannot be restored.
func (r *Reconciler) candidate(h hub.OpenTrade) (*models.TradeOpen, string) {
	strategy := r.reg.Strategy(h.StrategyID)
	if strategy == nil {
		return nil, "strategy no longer exists"
	}
	if h.Price.IsZero() || h.Price.IsNegative() {
		return nil, "no usable price"
	}
	market := r.reg.Market(h.Symbol)
	if market == nil {
		return nil, "symbol not listed on the exchange"
	}

	pos := models.PositionType(h.Position)
	wallet := r.cfg.PrimaryWallet
	if pos == models.Short {
		wallet = models.WalletMargin
	}
	if wallet == models.WalletMargin && (!r.cfg.MarginActive || !market.Margin) {
		return nil, "margin wallet unavailable for this symbol"
	}

	qty := h.Quantity
	if qty.IsZero() {
		qty = strategy.TradeAmount.Div(h.Price)
	}
	t := &models.TradeOpen{
		ID:           newRestoredID(h),
		Position:     pos,
		TradingType:  models.TradingType(h.TradingType),
		Quantity:     qty,
		Cost:         qty.Mul(h.Price),
		Wallet:       wallet,
		StrategyID:   h.StrategyID,
		StrategyName: h.StrategyName,
		Symbol:       h.Symbol,
		TimeUpdated:  time.Now(),
		IsExecuted:   true,
	}
	if pos == models.Long {
		t.PriceBuy = h.Price
		t.TimeBuy = h.Time
	} else {
		t.PriceSell = h.Price
		t.TimeSell = h.Time
		t.Borrow = qty
	}
	return t, ""
}

// fitShorts pins each short's quantity to the outstanding loan for its base
// asset. Several shorts of the same base split the loan proportionally.
func (r *Reconciler) fitShorts(ctx context.Context, shorts []*models.TradeOpen) ([]*models.TradeOpen, []string, error) {
	debts, err := r.ex.MarginDebt(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching margin loans: %w", err)
	}

	byBase := make(map[string][]*models.TradeOpen)
	for _, t := range shorts {
		base := r.reg.Market(t.Symbol).Base
		byBase[base] = append(byBase[base], t)
	}

	var (
		kept   []*models.TradeOpen
		report []string
	)
	for base, group := range byBase {
		borrowed := debts[base].Borrowed
		if borrowed.IsZero() {
			for _, t := range group {
				logger.S().Warnf("dropping short %s: no outstanding %s loan", t.Key(), base)
				report = append(report, fmt.Sprintf("Could not restore short %s %s: no matching margin loan.", t.StrategyName, t.Symbol))
			}
			continue
		}
		claimed := decimal.Zero
		for _, t := range group {
			claimed = claimed.Add(t.Quantity)
		}
		for _, t := range group {
			share := borrowed
			if len(group) > 1 && claimed.IsPositive() {
				share = borrowed.Mul(t.Quantity).Div(claimed)
			}
			share = r.ex.AmountToPrecision(t.Symbol, share)
			if share.IsZero() {
				report = append(report, fmt.Sprintf("Could not restore short %s %s: loan share rounds to zero.", t.StrategyName, t.Symbol))
				continue
			}
			t.Quantity = share
			t.Borrow = share
			t.Cost = share.Mul(t.PriceSell)
			kept = append(kept, t)
		}
	}
	return kept, report, nil
}

// fitLongs scales each wallet-and-quote group of longs down to the balance
// the exchange actually holds, then re-legalizes every resized quantity.
// Trades that no longer meet the market minimums are dropped rather than
// restored undersized.
func (r *Reconciler) fitLongs(ctx context.Context, longs []*models.TradeOpen) ([]*models.TradeOpen, []string, error) {
	type bucket struct {
		wallet models.WalletType
		quote  string
	}
	groups := make(map[bucket][]*models.TradeOpen)
	for _, t := range longs {
		quote := r.reg.Market(t.Symbol).Quote
		groups[bucket{t.Wallet, quote}] = append(groups[bucket{t.Wallet, quote}], t)
	}

	balances := make(map[models.WalletType]map[string]exchange.Balance)
	var (
		kept   []*models.TradeOpen
		report []string
	)
	for b, group := range groups {
		if _, ok := balances[b.wallet]; !ok {
			fetched, err := r.ex.FetchBalance(ctx, b.wallet)
			if err != nil {
				return nil, nil, fmt.Errorf("fetching %s balance: %w", b.wallet, err)
			}
			balances[b.wallet] = fetched
		}
		// A long that executed holds base assets, not quote, so fit
		// against the base balance actually present.
		for base, trades := range groupByBase(group, r.reg) {
			held := balances[b.wallet][base].Total()
			claimed := decimal.Zero
			for _, t := range trades {
				claimed = claimed.Add(t.Quantity)
			}
			scale := decimal.NewFromInt(1)
			if claimed.GreaterThan(held) {
				if held.IsZero() {
					for _, t := range trades {
						logger.S().Warnf("dropping long %s: no %s held in %s wallet", t.Key(), base, b.wallet)
						report = append(report, fmt.Sprintf("Could not restore long %s %s: no %s balance backs it.", t.StrategyName, t.Symbol, base))
					}
					continue
				}
				scale = held.Div(claimed)
				logger.S().Warnf("%s longs claim %s %s, wallet holds %s, scaling by %s", b.wallet, claimed, base, held, scale)
			}
			for _, t := range trades {
				target := t.Cost.Mul(scale)
				qty, cost, err := funding.LegalizeQuantity(r.reg.Market(t.Symbol), t.PriceBuy, target)
				if err != nil {
					logger.S().Warnf("dropping long %s after scale-down: %v", t.Key(), err)
					report = append(report, fmt.Sprintf("Could not restore long %s %s: resized below market minimums.", t.StrategyName, t.Symbol))
					continue
				}
				t.Quantity = qty
				t.Cost = cost
				kept = append(kept, t)
			}
		}
	}
	return kept, report, nil
}

func groupByBase(trades []*models.TradeOpen, reg *registry.Registry) map[string][]*models.TradeOpen {
	out := make(map[string][]*models.TradeOpen)
	for _, t := range trades {
		base := reg.Market(t.Symbol).Base
		out[base] = append(out[base], t)
	}
	return out
}

// resetVirtualWallets rebuilds the virtual ledger from scratch: every
// wallet starts with the configured quote funds, every open virtual long
// holds its quantity in base, every open virtual short holds its sale
// proceeds in quote. The same trade list therefore always produces the
// same ledger.
func (r *Reconciler) resetVirtualWallets() {
	ledger := map[models.WalletType]map[string]decimal.Decimal{
		models.WalletSpot:   {},
		models.WalletMargin: {},
	}
	seed := func(wallet models.WalletType, asset string, v decimal.Decimal) {
		ledger[wallet][asset] = ledger[wallet][asset].Add(v)
	}

	quotes := make(map[string]bool)
	for _, t := range r.reg.LiveTrades() {
		market := r.reg.Market(t.Symbol)
		if market != nil {
			quotes[market.Quote] = true
		}
	}
	if len(quotes) == 0 {
		quotes["USDT"] = true
	}
	for quote := range quotes {
		seed(models.WalletSpot, quote, r.cfg.VirtualFunds)
		seed(models.WalletMargin, quote, r.cfg.VirtualFunds)
	}

	for _, t := range r.reg.LiveTrades() {
		if t.TradingType != models.Virtual || !t.IsExecuted {
			continue
		}
		market := r.reg.Market(t.Symbol)
		if market == nil {
			continue
		}
		if t.Position == models.Long {
			seed(t.Wallet, market.Base, t.Quantity)
		} else {
			seed(t.Wallet, market.Quote, t.Cost)
		}
	}

	r.reg.SetVirtualBalances(ledger)
}

func newRestoredID(h hub.OpenTrade) string {
	return fmt.Sprintf("r-%s-%s-%s", h.StrategyID, strings.ToLower(h.Symbol), strings.ToLower(h.Position))
}
