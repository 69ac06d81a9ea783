package router

import (
	"fmt"
	"time"

	"signal-trader/internal/models"
)

// Manual operations arrive from the diagnostic interface and act on a trade
// by id. They bypass strategy-state validation: a stopped strategy or trade
// must still be closable by hand.

// CloseTrade schedules a manual close for the trade.
func (r *Router) CloseTrade(id string) error {
	trade := r.reg.TradeByID(id)
	if trade == nil {
		return fmt.Errorf("%w: %s", ErrNoOpenTrade, id)
	}
	if r.reg.IsClosing(trade.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosing, trade.ID)
	}

	sig := models.Signal{
		Entry:        models.Exit,
		Position:     trade.Position,
		Source:       models.SourceManual,
		StrategyID:   trade.StrategyID,
		StrategyName: trade.StrategyName,
		Symbol:       trade.Symbol,
		Timestamp:    time.Now(),
	}
	if trade.Position == models.Long {
		sig.Price = trade.PriceBuy
	} else {
		sig.Price = trade.PriceSell
	}
	if sig.Price.IsZero() {
		return ErrNoPrice
	}

	if !r.reg.MarkClosing(trade.ID) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosing, trade.ID)
	}
	r.seq.SubmitClose(trade, sig)
	return nil
}

// StopTrade freezes or (manually) unfreezes a trade. Clearing the flag is the
// only way a frozen trade re-enters automatic processing.
func (r *Router) StopTrade(id string, stopped bool) error {
	ok := r.reg.TouchTrade(id, func(t *models.TradeOpen) {
		t.IsStopped = stopped
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoOpenTrade, id)
	}
	return nil
}

// DeleteTrade removes a trade from the books without touching the exchange.
// Meant for positions that were resolved manually on the exchange side.
func (r *Router) DeleteTrade(id string) error {
	if r.reg.TradeByID(id) == nil {
		return fmt.Errorf("%w: %s", ErrNoOpenTrade, id)
	}
	r.reg.RemoveTrade(id)
	return nil
}
