package exchange

import (
	"context"
	"time"

	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
)

// Balance is one asset's free/locked split inside a wallet.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Debt is an outstanding margin loan for one asset.
type Debt struct {
	Borrowed decimal.Decimal
	Interest decimal.Decimal
}

// OrderResult reports the actual fill of a market order. Price and Cost come
// from the exchange, not the request, so callers can correct for slippage.
type OrderResult struct {
	Status   string
	Price    decimal.Decimal
	Cost     decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

// Client is the engine's view of a cryptocurrency exchange. Implementations
// are assumed correct; every call may fail with a transport or exchange error
// which the engine handles per its execution-error policy.
type Client interface {
	// LoadMarkets returns symbol metadata, from cache unless force is set.
	LoadMarkets(ctx context.Context, force bool) (map[string]*models.Market, error)

	// FetchBalance returns per-asset balances for one wallet.
	FetchBalance(ctx context.Context, wallet models.WalletType) (map[string]Balance, error)

	// CreateMarketOrder places a market order and reports the fill. side is
	// ActionBuy or ActionSell.
	CreateMarketOrder(ctx context.Context, symbol string, side models.ActionType, quantity decimal.Decimal, wallet models.WalletType) (*OrderResult, error)

	// MarginBorrow takes out a margin loan and returns the transaction id.
	MarginBorrow(ctx context.Context, asset string, quantity decimal.Decimal) (string, error)

	// MarginRepay repays a margin loan and returns the transaction id.
	MarginRepay(ctx context.Context, asset string, quantity decimal.Decimal) (string, error)

	// MarginDebt returns every outstanding loan (borrowed principal plus
	// accrued interest) on the margin wallet.
	MarginDebt(ctx context.Context) (map[string]Debt, error)

	// AmountToPrecision truncates a quantity to the symbol's step precision.
	AmountToPrecision(symbol string, quantity decimal.Decimal) decimal.Decimal
}
