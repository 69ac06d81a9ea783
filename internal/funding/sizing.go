package funding

import (
	"errors"
	"fmt"

	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
)

// ErrBelowMinimum signals that no legal quantity exists for the requested
// cost on this market. The ENTER is aborted; nothing has been committed.
var ErrBelowMinimum = errors.New("sizing below market minimum")

// LegalizeQuantity derives a legal (quantity, cost) pair for spending target
// quote on the market at price: round up to the minimum quantity, truncate to
// the step precision, then re-validate cost against the market's notional
// bounds after rounding.
func LegalizeQuantity(market *models.Market, price, target decimal.Decimal) (quantity, cost decimal.Decimal, err error) {
	if price.IsZero() || price.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no usable price for %s", ErrBelowMinimum, market.Symbol)
	}

	quantity = target.Div(price)
	if quantity.LessThan(market.MinQuantity) {
		quantity = market.MinQuantity
	}
	quantity = truncateToStep(quantity, market.StepSize)
	if quantity.LessThan(market.MinQuantity) {
		// Truncation dropped below the minimum; step back up one increment.
		quantity = quantity.Add(stepOrOne(market.StepSize))
	}

	// Bump up whole steps until the notional minimum is met.
	if market.MinCost.IsPositive() {
		for quantity.Mul(price).LessThan(market.MinCost) {
			quantity = quantity.Add(stepOrOne(market.StepSize))
		}
	}

	if market.MaxQuantity.IsPositive() && quantity.GreaterThan(market.MaxQuantity) {
		quantity = truncateToStep(market.MaxQuantity, market.StepSize)
	}
	if market.MaxCost.IsPositive() && quantity.Mul(price).GreaterThan(market.MaxCost) {
		quantity = truncateToStep(market.MaxCost.Div(price), market.StepSize)
	}

	cost = quantity.Mul(price)
	if quantity.IsZero() || quantity.LessThan(market.MinQuantity) ||
		(market.MinCost.IsPositive() && cost.LessThan(market.MinCost)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s at price %s cannot satisfy market limits", ErrBelowMinimum, market.Symbol, price)
	}
	return quantity, cost, nil
}

func truncateToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return quantity
	}
	return quantity.Div(step).Floor().Mul(step)
}

func stepOrOne(step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return decimal.New(1, 0)
	}
	return step
}
