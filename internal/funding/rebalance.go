package funding

import (
	"signal-trader/internal/logger"
	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
)

// rebalance frees up to needed quote funds on the wallet by selling down its
// tracked open LONG trades. SHORT and borrowed trades are never touched, and
// no trade is ever closed outright. Returns the amount actually freed.
//
// Scheduled partial closes enter the same FIFO queue ahead of the new trade's
// open sequence, so the freed funds are at the exchange before they are spent.
func (e *Engine) rebalance(w *models.WalletData, quote string, needed decimal.Decimal, tt models.TradingType) decimal.Decimal {
	if len(w.Trades) == 0 {
		return decimal.Zero
	}

	var plan []reduction
	switch e.cfg.Funding {
	case models.FundingSellLargest:
		if w.LargestTrade != nil {
			half := w.LargestTrade.Cost.Div(decimal.NewFromInt(2))
			plan = append(plan, reduction{trade: w.LargestTrade, cost: decimal.Min(needed, half)})
		}
	case models.FundingSellAll:
		sum := decimal.Zero
		for _, t := range w.Trades {
			sum = sum.Add(t.Cost)
		}
		if sum.IsPositive() {
			for _, t := range w.Trades {
				share := needed.Mul(t.Cost).Div(sum)
				plan = append(plan, reduction{trade: t, cost: share})
			}
		}
	default:
		return decimal.Zero
	}

	freed := decimal.Zero
	for _, r := range plan {
		if freed.GreaterThanOrEqual(needed) {
			break
		}
		freed = freed.Add(e.reduceTrade(r.trade, r.cost))
	}
	logger.S().Infof("rebalanced wallet %s: freed %s of %s %s needed", w.Type, freed, needed, quote)
	return freed
}

type reduction struct {
	trade *models.TradeOpen
	cost  decimal.Decimal
}

// reduceTrade shrinks one trade by up to reduceCost worth of quantity,
// keeping the remainder a legal position. Trades that are executed, or whose
// opening order is still queued, get a partial-close sequence scheduled for
// the delta and keep their booked size until the sale fills; only trades with
// no order in flight are resized in place.
func (e *Engine) reduceTrade(t *models.TradeOpen, reduceCost decimal.Decimal) decimal.Decimal {
	market := e.reg.Market(t.Symbol)
	if market == nil {
		return decimal.Zero
	}
	price := t.PriceBuy
	if price.IsZero() && t.Quantity.IsPositive() {
		price = t.Cost.Div(t.Quantity)
	}
	if price.IsZero() {
		return decimal.Zero
	}

	deltaQty := truncateToStep(reduceCost.Div(price), market.StepSize)

	// The remainder must stay above both the lot minimum and the notional
	// minimum, and must never reach zero.
	minRemain := market.MinQuantity
	if market.MinCost.IsPositive() {
		byCost := market.MinCost.Div(price)
		if byCost.GreaterThan(minRemain) {
			minRemain = byCost
		}
	}
	minRemain = truncateToStep(minRemain, market.StepSize).Add(stepOrOne(market.StepSize))
	if maxDelta := t.Quantity.Sub(minRemain); deltaQty.GreaterThan(maxDelta) {
		deltaQty = truncateToStep(maxDelta, market.StepSize)
	}
	if !deltaQty.IsPositive() {
		return decimal.Zero
	}

	deltaCost := deltaQty.Mul(price)
	if t.IsExecuted || e.reg.IsOpening(t.ID) {
		// An order exists (or is queued) for the booked size. The queue sells
		// the delta after that order settles and shrinks the books then; a
		// resize here would be overwritten by the fill correction.
		e.closer.SchedulePartialClose(t.ID, deltaQty)
		return deltaCost
	}

	if !e.reg.TouchTrade(t.ID, func(tr *models.TradeOpen) {
		tr.Quantity = tr.Quantity.Sub(deltaQty)
		tr.Cost = tr.Cost.Sub(deltaCost)
	}) {
		return decimal.Zero
	}
	logger.S().Infof("trade %s not yet executed, reduced requested size by %s %s", t.ID, deltaQty, market.Base)
	return deltaCost
}
