package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal-trader/internal/funding"
	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/registry"
	"signal-trader/internal/sequencer"

	"github.com/jxskiss/base62"
)

// Rejection categories. Every failed validation is logged and the signal is
// dropped; nothing is retried automatically — the next signal (or a manual
// action) is the natural retry.
var (
	ErrNotOperational    = errors.New("trader not operational: no strategies loaded yet")
	ErrUnknownStrategy   = errors.New("strategy unknown")
	ErrStrategyInactive  = errors.New("strategy inactive")
	ErrStrategyStopped   = errors.New("strategy stopped")
	ErrSymbolExcluded    = errors.New("symbol excluded by configuration")
	ErrMarketUnavailable = errors.New("market missing or not tradable")
	ErrDuplicateTrade    = errors.New("trade already open for this strategy, symbol and direction")
	ErrNoOpenTrade       = errors.New("no matching open trade")
	ErrAlreadyClosing    = errors.New("trade already closing")
	ErrTradeStopped      = errors.New("trade stopped, manual intervention required")
	ErrNoPrice           = errors.New("no price available")
	ErrTradeCeiling      = errors.New("open trade ceiling reached")
)

// Notifier pushes rejection/freeze/discard messages to the user.
type Notifier interface {
	Notify(subject, content string)
}

// Router validates incoming signals against current strategy and trade state
// and dispatches accepted ones into the execution sequencer. Validation and
// sizing run synchronously on receipt, so the registry reflects a signal's
// effect before the next signal is looked at.
type Router struct {
	cfg      *models.Config
	reg      *registry.Registry
	engine   *funding.Engine
	seq      *sequencer.Sequencer
	notifier Notifier
}

// New wires the router.
func New(cfg *models.Config, reg *registry.Registry, engine *funding.Engine, seq *sequencer.Sequencer, notifier Notifier) *Router {
	return &Router{cfg: cfg, reg: reg, engine: engine, seq: seq, notifier: notifier}
}

// HandleStrategies installs a fresh strategy payload from the hub.
func (r *Router) HandleStrategies(strategies []models.Strategy) {
	r.reg.ReplaceStrategies(strategies)
	logger.S().Infof("installed %d strategies from hub", len(strategies))
}

// HandleSignal validates and dispatches one signal. The returned error is the
// rejection category (nil when the signal was accepted and queued).
func (r *Router) HandleSignal(ctx context.Context, sig models.Signal) error {
	err := r.route(ctx, sig)
	if err != nil {
		logger.S().Warnf("signal rejected (%s %s %s, strategy %s): %v",
			sig.Entry, sig.Position, sig.Symbol, sig.StrategyID, err)
		r.notifier.Notify(
			fmt.Sprintf("Signal rejected for %s", sig.Symbol),
			fmt.Sprintf("%s %s %s (strategy %s) was rejected: %v",
				sig.Entry, sig.Position, sig.Symbol, sig.StrategyName, err),
		)
	}
	return err
}

func (r *Router) route(ctx context.Context, sig models.Signal) error {
	if !r.reg.Operational() {
		return ErrNotOperational
	}

	strategy := r.reg.Strategy(sig.StrategyID)
	if strategy == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, sig.StrategyID)
	}
	if sig.Source != models.SourceManual {
		if !strategy.IsActive {
			return ErrStrategyInactive
		}
		if strategy.IsStopped {
			return ErrStrategyStopped
		}
	}

	if r.cfg.IsExcluded(sig.Symbol) {
		return fmt.Errorf("%w: %s", ErrSymbolExcluded, sig.Symbol)
	}
	market := r.reg.Market(sig.Symbol)
	if market == nil || !market.Active {
		return fmt.Errorf("%w: %s", ErrMarketUnavailable, sig.Symbol)
	}

	if sig.Entry == models.Enter {
		return r.routeEnter(ctx, strategy, sig)
	}
	return r.routeExit(strategy, sig)
}

func (r *Router) routeEnter(ctx context.Context, strategy *models.Strategy, sig models.Signal) error {
	key := models.TradeKey{StrategyID: sig.StrategyID, Symbol: sig.Symbol, Position: sig.Position}
	if r.reg.TradeByKey(key) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, key)
	}
	if sig.Price.IsZero() {
		return ErrNoPrice
	}
	if ceiling := r.ceiling(sig.Position); ceiling > 0 && r.reg.OpenCount(sig.Position) >= ceiling {
		return fmt.Errorf("%w: %d %s trades open", ErrTradeCeiling, ceiling, sig.Position)
	}

	allocation, err := r.engine.Allocate(ctx, strategy, &sig)
	if err != nil {
		return err
	}

	trade := &models.TradeOpen{
		ID:           newTradeID(),
		Position:     sig.Position,
		TradingType:  strategy.TradingType,
		Quantity:     allocation.Quantity,
		Cost:         allocation.Cost,
		Borrow:       allocation.Borrow,
		Wallet:       allocation.Wallet,
		StrategyID:   strategy.ID,
		StrategyName: strategy.Name,
		Symbol:       sig.Symbol,
		TimeUpdated:  time.Now(),
	}
	if sig.Position == models.Long {
		trade.PriceBuy = sig.Price
	} else {
		trade.PriceSell = sig.Price
	}

	// Registered before execution so overlapping signals see the claim on
	// these funds immediately; the exchange call happens later in the queue.
	if err := r.reg.AddTrade(trade); err != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, key)
	}
	r.seq.SubmitOpen(trade, sig)
	logger.S().Infof("accepted %s %s %s for strategy %s: qty %s cost %s borrow %s on %s (latency %s)",
		sig.Entry, sig.Position, sig.Symbol, strategy.Name,
		allocation.Quantity, allocation.Cost, allocation.Borrow, allocation.Wallet,
		time.Since(sig.Timestamp))
	return nil
}

func (r *Router) routeExit(strategy *models.Strategy, sig models.Signal) error {
	key := models.TradeKey{StrategyID: sig.StrategyID, Symbol: sig.Symbol, Position: sig.Position}
	trade := r.reg.TradeByKey(key)
	if trade == nil {
		frozen := r.reg.FrozenTradeByKey(key)
		if frozen == nil {
			return fmt.Errorf("%w: %s", ErrNoOpenTrade, key)
		}
		if sig.Source != models.SourceManual {
			return fmt.Errorf("%w: %s", ErrTradeStopped, frozen.ID)
		}
		trade = frozen
	}
	if r.reg.IsClosing(trade.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosing, trade.ID)
	}

	// Fall back to the trade's original price when the signal omits one.
	if sig.Price.IsZero() {
		if trade.Position == models.Long {
			sig.Price = trade.PriceBuy
		} else {
			sig.Price = trade.PriceSell
		}
	}
	if sig.Price.IsZero() {
		return ErrNoPrice
	}

	if !r.reg.MarkClosing(trade.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosing, trade.ID)
	}
	r.seq.SubmitClose(trade, sig)
	logger.S().Infof("accepted %s %s %s for strategy %s (trade %s, latency %s)",
		sig.Entry, sig.Position, sig.Symbol, strategy.Name, trade.ID, time.Since(sig.Timestamp))
	return nil
}

func (r *Router) ceiling(pos models.PositionType) int {
	if pos == models.Short {
		return r.cfg.MaxOpenShort
	}
	return r.cfg.MaxOpenLong
}

// newTradeID generates a short, sortable-enough id that stays stable across
// restarts via persistence.
func newTradeID() string {
	return string(base62.FormatInt(time.Now().UnixNano()))
}
