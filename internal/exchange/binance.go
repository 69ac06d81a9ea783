package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"signal-trader/internal/logger"
	"signal-trader/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// BinanceClient implements Client against the Binance spot and cross-margin
// APIs via go-binance.
type BinanceClient struct {
	api *binance.Client

	mu      sync.Mutex
	markets map[string]*models.Market
}

// NewBinanceClient builds a live client. testnet switches the underlying
// endpoints globally, matching go-binance's package-level toggle.
func NewBinanceClient(apiKey, secretKey string, testnet bool) *BinanceClient {
	binance.UseTestnet = testnet
	return &BinanceClient{api: binance.NewClient(apiKey, secretKey)}
}

// LoadMarkets fetches exchange info and converts each TRADING symbol into the
// engine's market metadata, reading the raw filter maps the same way the
// exchange publishes them.
func (c *BinanceClient) LoadMarkets(ctx context.Context, force bool) (map[string]*models.Market, error) {
	c.mu.Lock()
	if !force && c.markets != nil {
		cached := c.markets
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	markets := make(map[string]*models.Market, len(info.Symbols))
	for i := range info.Symbols {
		s := info.Symbols[i]
		m := &models.Market{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
			Margin: s.IsMarginTradingAllowed,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				m.MinQuantity = parseFilterDecimal(f, "minQty")
				m.MaxQuantity = parseFilterDecimal(f, "maxQty")
				m.StepSize = parseFilterDecimal(f, "stepSize")
			case "NOTIONAL":
				m.MinCost = parseFilterDecimal(f, "minNotional")
				m.MaxCost = parseFilterDecimal(f, "maxNotional")
			case "MIN_NOTIONAL":
				m.MinCost = parseFilterDecimal(f, "minNotional")
			}
		}
		markets[s.Symbol] = m
	}

	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	logger.S().Infof("loaded %d markets from exchange", len(markets))
	return markets, nil
}

func parseFilterDecimal(filter map[string]interface{}, key string) decimal.Decimal {
	raw, ok := filter[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *BinanceClient) FetchBalance(ctx context.Context, wallet models.WalletType) (map[string]Balance, error) {
	switch wallet {
	case models.WalletSpot:
		account, err := c.api.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch spot balance: %w", err)
		}
		out := make(map[string]Balance, len(account.Balances))
		for _, b := range account.Balances {
			out[b.Asset] = Balance{Free: mustDecimal(b.Free), Locked: mustDecimal(b.Locked)}
		}
		return out, nil

	case models.WalletMargin:
		account, err := c.api.NewGetMarginAccountService().Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch margin balance: %w", err)
		}
		out := make(map[string]Balance, len(account.UserAssets))
		for _, a := range account.UserAssets {
			out[a.Asset] = Balance{Free: mustDecimal(a.Free), Locked: mustDecimal(a.Locked)}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown wallet type %q", wallet)
}

func (c *BinanceClient) CreateMarketOrder(ctx context.Context, symbol string, side models.ActionType, quantity decimal.Decimal, wallet models.WalletType) (*OrderResult, error) {
	binSide := binance.SideTypeBuy
	if side == models.ActionSell {
		binSide = binance.SideTypeSell
	}
	qty := c.AmountToPrecision(symbol, quantity).String()

	var (
		executed string
		quote    string
		status   string
		at       int64
	)
	if wallet == models.WalletMargin {
		res, err := c.api.NewCreateMarginOrderService().
			Symbol(symbol).
			Side(binSide).
			Type(binance.OrderTypeMarket).
			Quantity(qty).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("margin market %s %s: %w", side, symbol, err)
		}
		executed, quote, status, at = res.ExecutedQuantity, res.CummulativeQuoteQuantity, string(res.Status), res.TransactTime
	} else {
		res, err := c.api.NewCreateOrderService().
			Symbol(symbol).
			Side(binSide).
			Type(binance.OrderTypeMarket).
			Quantity(qty).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("spot market %s %s: %w", side, symbol, err)
		}
		executed, quote, status, at = res.ExecutedQuantity, res.CummulativeQuoteQuantity, string(res.Status), res.TransactTime
	}

	result := &OrderResult{
		Status:   status,
		Quantity: mustDecimal(executed),
		Cost:     mustDecimal(quote),
		Time:     time.UnixMilli(at),
	}
	if result.Quantity.IsPositive() {
		result.Price = result.Cost.Div(result.Quantity)
	}
	return result, nil
}

func (c *BinanceClient) MarginBorrow(ctx context.Context, asset string, quantity decimal.Decimal) (string, error) {
	res, err := c.api.NewMarginLoanService().Asset(asset).Amount(quantity.String()).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("margin borrow %s %s: %w", quantity, asset, err)
	}
	return strconv.FormatInt(res.TranID, 10), nil
}

func (c *BinanceClient) MarginRepay(ctx context.Context, asset string, quantity decimal.Decimal) (string, error) {
	res, err := c.api.NewMarginRepayService().Asset(asset).Amount(quantity.String()).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("margin repay %s %s: %w", quantity, asset, err)
	}
	return strconv.FormatInt(res.TranID, 10), nil
}

func (c *BinanceClient) MarginDebt(ctx context.Context) (map[string]Debt, error) {
	account, err := c.api.NewGetMarginAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch margin debt: %w", err)
	}
	out := make(map[string]Debt)
	for _, a := range account.UserAssets {
		borrowed := mustDecimal(a.Borrowed)
		interest := mustDecimal(a.Interest)
		if borrowed.IsPositive() || interest.IsPositive() {
			out[a.Asset] = Debt{Borrowed: borrowed, Interest: interest}
		}
	}
	return out, nil
}

// AmountToPrecision truncates quantity down to the symbol's lot step. Unknown
// symbols pass through unchanged.
func (c *BinanceClient) AmountToPrecision(symbol string, quantity decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	market, ok := c.markets[symbol]
	c.mu.Unlock()
	if !ok || market.StepSize.IsZero() {
		return quantity
	}
	return quantity.Div(market.StepSize).Floor().Mul(market.StepSize)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logger.S().Warnf("unparseable decimal %q from exchange", s)
		return decimal.Zero
	}
	return d
}
