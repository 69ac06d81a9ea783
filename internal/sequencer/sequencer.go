package sequencer

import (
	"context"
	"fmt"
	"time"

	"signal-trader/internal/exchange"
	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/registry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AckSender emits trade acknowledgements back to the hub, on a channel named
// for the executed action.
type AckSender interface {
	SendAck(channel string, ack models.TradeAck)
}

// Notifier pushes user-facing messages. Fire and forget.
type Notifier interface {
	Notify(subject, content string)
}

// Sequencer turns trade transitions into ordered exchange action sequences
// (optional borrow, the market order, optional repay) and runs them through
// the single-lane queue. All registry mutation caused by execution happens on
// queue-completion boundaries.
type Sequencer struct {
	cfg      *models.Config
	reg      *registry.Registry
	ex       exchange.Client
	settled  *exchange.SettledBalances
	queue    *Queue
	acks     AckSender
	notifier Notifier
}

// New wires a sequencer on top of the given queue.
func New(cfg *models.Config, reg *registry.Registry, ex exchange.Client, settled *exchange.SettledBalances, queue *Queue, acks AckSender, notifier Notifier) *Sequencer {
	return &Sequencer{cfg: cfg, reg: reg, ex: ex, settled: settled, queue: queue, acks: acks, notifier: notifier}
}

// SubmitOpen queues the opening sequence for a trade already present in the
// registry. sig supplies the execution price for virtual fills. The trade is
// marked opening until the queued sequence completes so that concurrent
// rebalancing knows its booked quantity is still provisional.
func (s *Sequencer) SubmitOpen(trade *models.TradeOpen, sig models.Signal) {
	s.reg.MarkOpening(trade.ID)
	id := trade.ID
	s.queue.Submit(func() { s.runOpen(id, sig) })
}

// SubmitClose queues the closing sequence for a trade already marked closing.
func (s *Sequencer) SubmitClose(trade *models.TradeOpen, sig models.Signal) {
	id := trade.ID
	s.queue.Submit(func() { s.runClose(id, sig) })
}

// SchedulePartialClose queues a rebalancing partial sell of the identified
// trade. The trade's books shrink when the sale fills, never before, so the
// registry and the exchange cannot drift apart on a failed sale.
func (s *Sequencer) SchedulePartialClose(tradeID string, quantity decimal.Decimal) {
	s.queue.Submit(func() { s.runPartialClose(tradeID, quantity) })
}

func (s *Sequencer) runOpen(tradeID string, sig models.Signal) {
	ctx := context.Background()
	defer s.reg.UnmarkOpening(tradeID)

	// The trade was booked when the signal was accepted; re-read it at
	// execution time in case it changed while queued.
	trade, ok := s.reg.TradeSnapshot(tradeID)
	if !ok {
		logger.S().Warnf("open skipped: trade %s no longer exists", tradeID)
		return
	}

	// Optional before step: borrow. LONG borrows quote funds, SHORT borrows
	// the base asset being sold.
	if trade.Borrow.IsPositive() {
		asset := s.borrowAsset(&trade)
		err := s.borrow(ctx, &trade, asset, trade.Borrow)
		s.record(&trade, sig.Source, models.ActionBorrow, asset, trade.Borrow, sig.Timestamp, err)
		if err != nil {
			// Nothing has changed on the exchange; drop the trade so the
			// next signal can try again cleanly.
			logger.S().Errorf("borrow failed for trade %s, discarding: %v", trade.ID, err)
			s.reg.RemoveTrade(trade.ID)
			return
		}
	}

	side := models.ActionBuy
	if trade.Position == models.Short {
		side = models.ActionSell
	}
	result, err := s.marketOrder(ctx, &trade, side, trade.Quantity, sig.Price)
	s.record(&trade, sig.Source, side, s.baseAsset(&trade), trade.Quantity, sig.Timestamp, err)
	if err != nil {
		if trade.Borrow.IsPositive() {
			// Borrow went through; a partial sequence cannot be unwound
			// automatically.
			s.freeze(&trade, fmt.Sprintf("open %s failed after borrow: %v", trade.Symbol, err))
		} else {
			logger.S().Errorf("open order failed for trade %s, discarding: %v", trade.ID, err)
			s.reg.RemoveTrade(trade.ID)
		}
		return
	}

	// Correct the opened side to the exchange's actual fill (slippage).
	s.reg.TouchTrade(trade.ID, func(t *models.TradeOpen) {
		t.IsExecuted = true
		t.Quantity = result.Quantity
		t.Cost = result.Cost
		if t.Position == models.Long {
			t.PriceBuy = result.Price
			t.TimeBuy = result.Time
		} else {
			t.PriceSell = result.Price
			t.TimeSell = result.Time
		}
	})
	s.bookOpen(&trade, result)
	s.sendAck(string(side), &trade, result.Quantity)
	logger.S().Infof("opened trade %s: %s %s %s @ %s (%s)",
		trade.ID, side, result.Quantity, trade.Symbol, result.Price, trade.TradingType)
}

func (s *Sequencer) runClose(tradeID string, sig models.Signal) {
	ctx := context.Background()
	defer s.reg.UnmarkClosing(tradeID)

	// Re-read at execution time: a rebalancing sale queued ahead of this
	// close may have shrunk the position.
	trade, ok := s.reg.TradeSnapshot(tradeID)
	if !ok {
		logger.S().Warnf("close skipped: trade %s no longer exists", tradeID)
		return
	}

	side := models.ActionSell
	if trade.Position == models.Short {
		side = models.ActionBuy
	}
	result, err := s.marketOrder(ctx, &trade, side, trade.Quantity, sig.Price)
	s.record(&trade, sig.Source, side, s.baseAsset(&trade), trade.Quantity, sig.Timestamp, err)
	if err != nil {
		// Nothing has changed; the trade stays open for a later attempt.
		logger.S().Errorf("close order failed for trade %s, leaving open: %v", trade.ID, err)
		return
	}

	s.reg.TouchTrade(trade.ID, func(t *models.TradeOpen) {
		if t.Position == models.Long {
			t.PriceSell = result.Price
			t.TimeSell = result.Time
		} else {
			t.PriceBuy = result.Price
			t.TimeBuy = result.Time
		}
	})

	// Optional after step: settle interest and repay the loan.
	if trade.Borrow.IsPositive() {
		asset := s.borrowAsset(&trade)
		err := s.repay(ctx, &trade, asset)
		s.record(&trade, sig.Source, models.ActionRepay, asset, trade.Borrow, sig.Timestamp, err)
		if err != nil {
			s.freeze(&trade, fmt.Sprintf("repay failed after closing %s: %v", trade.Symbol, err))
			return
		}
	}

	s.bookClose(&trade, result)
	s.reg.RemoveTrade(trade.ID)
	s.sendAck("close", &trade, result.Quantity)
	logger.S().Infof("closed trade %s: %s %s %s @ %s (%s)",
		trade.ID, side, result.Quantity, trade.Symbol, result.Price, trade.TradingType)
}

func (s *Sequencer) runPartialClose(tradeID string, quantity decimal.Decimal) {
	ctx := context.Background()

	trade, ok := s.reg.TradeSnapshot(tradeID)
	if !ok {
		logger.S().Warnf("partial close skipped: trade %s no longer exists", tradeID)
		return
	}
	if quantity.GreaterThanOrEqual(trade.Quantity) {
		// The position shrank between scheduling and execution; selling the
		// full quantity would close it outright.
		logger.S().Warnf("partial close skipped: %s would empty trade %s", quantity, trade.ID)
		return
	}

	result, err := s.marketOrder(ctx, &trade, models.ActionSell, quantity, trade.PriceBuy)
	s.record(&trade, models.SourceRebalance, models.ActionSell, s.baseAsset(&trade), quantity, time.Time{}, err)
	if err != nil {
		s.freeze(&trade, fmt.Sprintf("rebalancing partial sell of %s failed: %v", trade.Symbol, err))
		return
	}

	// Shrink the books by the sold quantity at the trade's own unit cost, so
	// the remainder keeps its original entry basis.
	s.reg.TouchTrade(trade.ID, func(t *models.TradeOpen) {
		if t.Quantity.IsPositive() {
			unit := t.Cost.Div(t.Quantity)
			t.Cost = t.Cost.Sub(result.Quantity.Mul(unit))
		}
		t.Quantity = t.Quantity.Sub(result.Quantity)
	})
	s.sendAck("sell", &trade, result.Quantity)
	logger.S().Infof("partially closed trade %s: sold %s %s for rebalancing", trade.ID, result.Quantity, trade.Symbol)
}

// marketOrder executes the main action, either against the live exchange or
// the simulated virtual ledger at the given reference price.
func (s *Sequencer) marketOrder(ctx context.Context, trade *models.TradeOpen, side models.ActionType, quantity, price decimal.Decimal) (*exchange.OrderResult, error) {
	if trade.TradingType == models.Virtual {
		return s.virtualOrder(trade, side, quantity, price)
	}
	result, err := s.ex.CreateMarketOrder(ctx, trade.Symbol, side, quantity, trade.Wallet)
	s.settled.NoteMutation(trade.Wallet)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// virtualOrder applies a market order to the simulated ledger at the
// reference price. Both legs must fit or the ledger is left untouched.
func (s *Sequencer) virtualOrder(trade *models.TradeOpen, side models.ActionType, quantity, price decimal.Decimal) (*exchange.OrderResult, error) {
	market := s.reg.Market(trade.Symbol)
	if market == nil {
		return nil, fmt.Errorf("no market metadata for %s", trade.Symbol)
	}
	cost := quantity.Mul(price)

	var err error
	if side == models.ActionBuy {
		if err = s.reg.AdjustVirtualBalance(trade.Wallet, market.Quote, cost.Neg()); err == nil {
			err = s.reg.AdjustVirtualBalance(trade.Wallet, market.Base, quantity)
		}
	} else {
		if err = s.reg.AdjustVirtualBalance(trade.Wallet, market.Base, quantity.Neg()); err == nil {
			err = s.reg.AdjustVirtualBalance(trade.Wallet, market.Quote, cost)
		}
	}
	if err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		Status:   "FILLED",
		Price:    price,
		Cost:     cost,
		Quantity: quantity,
		Time:     time.Now(),
	}, nil
}

func (s *Sequencer) borrow(ctx context.Context, trade *models.TradeOpen, asset string, amount decimal.Decimal) error {
	if trade.TradingType == models.Virtual {
		return s.reg.AdjustVirtualBalance(trade.Wallet, asset, amount)
	}
	_, err := s.ex.MarginBorrow(ctx, asset, amount)
	s.settled.NoteMutation(trade.Wallet)
	return err
}

// repay settles any outstanding interest on the asset before repaying the
// principal, so the loan closes completely.
func (s *Sequencer) repay(ctx context.Context, trade *models.TradeOpen, asset string) error {
	amount := trade.Borrow
	if trade.TradingType == models.Virtual {
		return s.reg.AdjustVirtualBalance(trade.Wallet, asset, amount.Neg())
	}
	debts, err := s.ex.MarginDebt(ctx)
	if err != nil {
		return fmt.Errorf("fetch outstanding interest: %w", err)
	}
	if debt, ok := debts[asset]; ok && debt.Interest.IsPositive() {
		amount = amount.Add(debt.Interest)
	}
	_, err = s.ex.MarginRepay(ctx, asset, amount)
	s.settled.NoteMutation(trade.Wallet)
	return err
}

// bookOpen updates the balance-history series after an opening fill.
func (s *Sequencer) bookOpen(trade *models.TradeOpen, result *exchange.OrderResult) {
	quote := s.quoteAsset(trade)
	fee := result.Cost.Mul(s.cfg.TakerFeeRate)
	s.reg.UpdateBalanceHistory(trade.TradingType, quote, func(e *models.BalanceHistoryEntry) {
		e.TradesOpened++
		e.Fees = e.Fees.Add(fee)
	})
}

// bookClose updates balance history and the strategy's loss run after a
// closing fill, stopping the strategy when the configured run limit is hit.
func (s *Sequencer) bookClose(trade *models.TradeOpen, result *exchange.OrderResult) {
	quote := s.quoteAsset(trade)
	fee := result.Cost.Mul(s.cfg.TakerFeeRate)

	var pnl decimal.Decimal
	if trade.Position == models.Long {
		pnl = result.Cost.Sub(trade.Cost)
	} else {
		pnl = trade.Cost.Sub(result.Cost)
	}
	s.reg.UpdateBalanceHistory(trade.TradingType, quote, func(e *models.BalanceHistoryEntry) {
		e.TradesClosed++
		e.Fees = e.Fees.Add(fee)
		e.CloseBalance = e.CloseBalance.Add(pnl)
	})

	run := s.reg.RecordTradeResult(trade.StrategyID, pnl.IsNegative())
	if s.cfg.LossRunLimit > 0 && run >= s.cfg.LossRunLimit {
		s.reg.StopStrategy(trade.StrategyID)
		s.notifier.Notify(
			fmt.Sprintf("Strategy %s stopped", trade.StrategyName),
			fmt.Sprintf("Strategy %s hit %d consecutive losing trades and was stopped.", trade.StrategyName, run),
		)
	}
}

// freeze marks the trade stopped, a one-way transition inside the automatic
// engine, and notifies the user that manual intervention is required.
func (s *Sequencer) freeze(trade *models.TradeOpen, reason string) {
	s.reg.TouchTrade(trade.ID, func(t *models.TradeOpen) {
		t.IsStopped = true
	})
	logger.S().Errorf("trade %s frozen: %s", trade.ID, reason)
	s.notifier.Notify(
		fmt.Sprintf("Trade %s frozen", trade.Symbol),
		fmt.Sprintf("Trade %s (%s %s) requires manual intervention: %s", trade.ID, trade.Position, trade.Symbol, reason),
	)
}

func (s *Sequencer) record(trade *models.TradeOpen, source models.SignalSource, action models.ActionType, asset string, quantity decimal.Decimal, signalTime time.Time, actionErr error) {
	s.reg.AppendTransaction(models.Transaction{
		ID:         uuid.NewString(),
		Time:       time.Now(),
		TradeID:    trade.ID,
		Source:     source,
		Action:     action,
		Asset:      asset,
		Quantity:   quantity,
		Succeeded:  actionErr == nil,
		SignalTime: signalTime,
	})
}

func (s *Sequencer) sendAck(channel string, trade *models.TradeOpen, quantity decimal.Decimal) {
	s.acks.SendAck(channel, models.TradeAck{
		APIKey:       s.cfg.HubAPIKey,
		Symbol:       trade.Symbol,
		StrategyID:   trade.StrategyID,
		StrategyName: trade.StrategyName,
		Quantity:     quantity,
		TradingType:  trade.TradingType,
	})
}

func (s *Sequencer) baseAsset(trade *models.TradeOpen) string {
	if m := s.reg.Market(trade.Symbol); m != nil {
		return m.Base
	}
	return trade.Symbol
}

func (s *Sequencer) quoteAsset(trade *models.TradeOpen) string {
	if m := s.reg.Market(trade.Symbol); m != nil {
		return m.Quote
	}
	return ""
}

func (s *Sequencer) borrowAsset(trade *models.TradeOpen) string {
	if trade.Position == models.Short {
		return s.baseAsset(trade)
	}
	return s.quoteAsset(trade)
}
