package funding

import (
	"context"
	"fmt"

	"signal-trader/internal/exchange"
	"signal-trader/internal/models"
	"signal-trader/internal/registry"

	"github.com/shopspring/decimal"
)

// BalanceSource yields settled wallet balances (the settle-delay wrapper in
// production, a stub in tests).
type BalanceSource interface {
	Fetch(ctx context.Context, wallet models.WalletType) (map[string]exchange.Balance, error)
}

// PartialCloser schedules a partial-close execution sequence for a trade.
// Implemented by the sequencer; the indirection keeps funding free of a
// dependency on execution.
type PartialCloser interface {
	SchedulePartialClose(tradeID string, quantity decimal.Decimal)
}

// Allocation is the outcome of a sizing decision for an ENTER signal.
type Allocation struct {
	Quantity decimal.Decimal
	Cost     decimal.Decimal
	Borrow   decimal.Decimal
	Wallet   models.WalletType
}

// Engine computes quantity, cost, borrow amount and funding wallet for new
// trades, rebalancing existing positions when the configured funding model
// allows it.
type Engine struct {
	cfg      *models.Config
	reg      *registry.Registry
	balances BalanceSource
	closer   PartialCloser
}

// NewEngine wires the funding engine.
func NewEngine(cfg *models.Config, reg *registry.Registry, balances BalanceSource, closer PartialCloser) *Engine {
	return &Engine{cfg: cfg, reg: reg, balances: balances, closer: closer}
}

// Allocate sizes an ENTER signal. It returns ErrBelowMinimum (wrapped) when
// no legal quantity exists for the funds that can be raised.
func (e *Engine) Allocate(ctx context.Context, strategy *models.Strategy, sig *models.Signal) (*Allocation, error) {
	market := e.reg.Market(sig.Symbol)
	if market == nil {
		return nil, fmt.Errorf("no market metadata for %s", sig.Symbol)
	}

	if sig.Position == models.Short {
		return e.allocateShort(ctx, market, strategy, sig)
	}
	return e.allocateLong(ctx, market, strategy, sig)
}

// allocateShort borrows the full base quantity on the margin wallet. The
// close side is assumed to repay on margin without revalidation; that
// optimistic assumption is inherited deliberately.
func (e *Engine) allocateShort(ctx context.Context, market *models.Market, strategy *models.Strategy, sig *models.Signal) (*Allocation, error) {
	if !e.cfg.MarginActive {
		return nil, fmt.Errorf("short %s rejected: margin trading disabled", sig.Symbol)
	}
	if !market.Margin {
		return nil, fmt.Errorf("short %s rejected: not a margin market", sig.Symbol)
	}

	// Fraction mode sizes against the margin wallet's usable total, the
	// wallet the short runs on.
	usable := decimal.Zero
	if e.cfg.IsBuyQtyFraction {
		w, err := e.buildWalletData(ctx, models.WalletMargin, market.Quote, strategy)
		if err != nil {
			return nil, err
		}
		usable = w.Total
	}
	quantity, cost, err := LegalizeQuantity(market, sig.Price, e.targetCost(strategy, usable))
	if err != nil {
		return nil, err
	}
	return &Allocation{
		Quantity: quantity,
		Cost:     cost,
		Borrow:   quantity, // base asset, borrowed in full
		Wallet:   models.WalletMargin,
	}, nil
}

func (e *Engine) allocateLong(ctx context.Context, market *models.Market, strategy *models.Strategy, sig *models.Signal) (*Allocation, error) {
	wallets, err := e.walletCandidates(ctx, market, strategy)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("no wallet supports %s", sig.Symbol)
	}

	target := e.targetCost(strategy, wallets[0].Total)

	// A wallet whose free funds already cover the target wins outright, in
	// priority order.
	for _, w := range wallets {
		if w.Free.GreaterThanOrEqual(target) {
			quantity, cost, err := LegalizeQuantity(market, sig.Price, target)
			if err != nil {
				return nil, err
			}
			return &Allocation{Quantity: quantity, Cost: cost, Wallet: w.Type}, nil
		}
	}

	switch e.cfg.Funding {
	case models.FundingNone:
		best := richest(wallets, func(w *models.WalletData) decimal.Decimal { return w.Free })
		quantity, cost, err := LegalizeQuantity(market, sig.Price, decimal.Min(target, best.Free))
		if err != nil {
			return nil, err
		}
		return &Allocation{Quantity: quantity, Cost: cost, Wallet: best.Type}, nil

	case models.FundingBorrowMin, models.FundingBorrowAll:
		margin := walletOfType(wallets, models.WalletMargin)
		if margin == nil {
			return nil, fmt.Errorf("funding model %s needs the margin wallet for %s", e.cfg.Funding, sig.Symbol)
		}
		quantity, cost, err := LegalizeQuantity(market, sig.Price, target)
		if err != nil {
			return nil, err
		}
		borrow := cost.Sub(margin.Free)
		if e.cfg.Funding == models.FundingBorrowAll {
			borrow = cost
		}
		if borrow.IsNegative() {
			borrow = decimal.Zero
		}
		return &Allocation{Quantity: quantity, Cost: cost, Borrow: borrow, Wallet: models.WalletMargin}, nil

	case models.FundingSellAll, models.FundingSellLargest:
		best := richest(wallets, func(w *models.WalletData) decimal.Decimal { return w.Potential })
		desired := decimal.Min(target, best.Potential)
		freed := decimal.Zero
		if shortfall := desired.Sub(best.Free); shortfall.IsPositive() {
			freed = e.rebalance(best, market.Quote, shortfall, strategy.TradingType)
		}
		achievable := decimal.Min(desired, best.Free.Add(freed))
		quantity, cost, err := LegalizeQuantity(market, sig.Price, achievable)
		if err != nil {
			return nil, err
		}
		return &Allocation{Quantity: quantity, Cost: cost, Wallet: best.Type}, nil
	}
	return nil, fmt.Errorf("unknown funding model %q", e.cfg.Funding)
}

// targetCost resolves the strategy's tradeAmount to a quote cost. In fraction
// mode the fraction is taken of the buffer-reduced total; the compounding
// with the wallet buffer is inherited behavior, kept until confirmed.
func (e *Engine) targetCost(strategy *models.Strategy, usableTotal decimal.Decimal) decimal.Decimal {
	if e.cfg.IsBuyQtyFraction {
		return strategy.TradeAmount.Mul(usableTotal)
	}
	return strategy.TradeAmount
}

// walletCandidates builds the per-decision wallet views in priority order:
// primary wallet first, then any other wallet supporting the symbol. The
// margin wallet drops out entirely when margin trading is disabled or the
// market cannot be margin traded.
func (e *Engine) walletCandidates(ctx context.Context, market *models.Market, strategy *models.Strategy) ([]*models.WalletData, error) {
	order := []models.WalletType{e.cfg.PrimaryWallet}
	for _, w := range []models.WalletType{models.WalletMargin, models.WalletSpot} {
		if w != e.cfg.PrimaryWallet {
			order = append(order, w)
		}
	}

	var out []*models.WalletData
	for _, wt := range order {
		if wt == models.WalletMargin && (!e.cfg.MarginActive || !market.Margin) {
			continue
		}
		w, err := e.buildWalletData(ctx, wt, market.Quote, strategy)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// buildWalletData computes one wallet's view from scratch: exchange (or
// virtual) balance, minus the buffer, minus funds already committed to other
// open or closing trades sharing the quote asset. Rebuilt on every decision,
// never cached.
func (e *Engine) buildWalletData(ctx context.Context, wt models.WalletType, quote string, strategy *models.Strategy) (*models.WalletData, error) {
	var free decimal.Decimal
	if strategy.TradingType == models.Virtual {
		free = e.reg.VirtualBalance(wt, quote)
	} else {
		balances, err := e.balances.Fetch(ctx, wt)
		if err != nil {
			return nil, fmt.Errorf("fetch %s balance: %w", wt, err)
		}
		free = balances[quote].Free
	}

	// Value copies: the registry's trades mutate on the execution queue while
	// this view is built and read.
	w := &models.WalletData{Type: wt}
	committed := decimal.Zero
	for _, t := range e.reg.Trades() {
		if t.Wallet != wt || t.TradingType != strategy.TradingType {
			continue
		}
		m := e.reg.Market(t.Symbol)
		if m == nil || m.Quote != quote {
			continue
		}
		if t.Position == models.Long {
			if !t.IsExecuted || e.reg.IsClosing(t.ID) {
				// Sized but not yet (or no longer) reflected in the exchange
				// balance; only the self-funded part was taken from free.
				committed = committed.Add(t.Cost.Sub(t.Borrow))
			}
			if !t.IsStopped && t.Borrow.IsZero() && !e.reg.IsClosing(t.ID) {
				tt := t
				w.Trades = append(w.Trades, &tt)
				if w.LargestTrade == nil || tt.Cost.GreaterThan(w.LargestTrade.Cost) {
					w.LargestTrade = &tt
				}
			}
		}
	}

	one := decimal.New(1, 0)
	usable := free.Sub(committed).Mul(one.Sub(e.cfg.WalletBuffer))
	if usable.IsNegative() {
		usable = decimal.Zero
	}
	w.Free = usable
	w.Locked = committed
	w.Total = usable

	// Potential: what the wallet could raise under the configured funding
	// model by selling down its tracked trades.
	switch e.cfg.Funding {
	case models.FundingSellAll:
		sum := usable
		for _, t := range w.Trades {
			sum = sum.Add(t.Cost)
		}
		w.Potential = sum.Div(decimal.NewFromInt(int64(len(w.Trades) + 1)))
		if w.Potential.LessThan(usable) {
			w.Potential = usable
		}
	case models.FundingSellLargest:
		w.Potential = usable
		if w.LargestTrade != nil {
			w.Potential = usable.Add(w.LargestTrade.Cost.Div(decimal.NewFromInt(2)))
		}
	default:
		w.Potential = usable
	}
	return w, nil
}

func richest(wallets []*models.WalletData, metric func(*models.WalletData) decimal.Decimal) *models.WalletData {
	best := wallets[0]
	for _, w := range wallets[1:] {
		if metric(w).GreaterThan(metric(best)) {
			best = w
		}
	}
	return best
}

func walletOfType(wallets []*models.WalletData, wt models.WalletType) *models.WalletData {
	for _, w := range wallets {
		if w.Type == wt {
			return w
		}
	}
	return nil
}
