package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionType distinguishes buy-then-sell positions from borrow-sell-buy-back ones.
type PositionType string

const (
	Long  PositionType = "LONG"
	Short PositionType = "SHORT"
)

// EntryType is the direction of a signal relative to a position's lifecycle.
type EntryType string

const (
	Enter EntryType = "ENTER"
	Exit  EntryType = "EXIT"
)

// TradingType selects between live exchange execution and the simulated ledger.
type TradingType string

const (
	Real    TradingType = "real"
	Virtual TradingType = "virtual"
)

// WalletType identifies an exchange balance pool.
type WalletType string

const (
	WalletMargin WalletType = "MARGIN"
	WalletSpot   WalletType = "SPOT"
)

// FundingModel is the policy for covering a LONG trade's shortfall.
type FundingModel string

const (
	FundingNone        FundingModel = "NONE"
	FundingBorrowMin   FundingModel = "BORROW_MIN"
	FundingBorrowAll   FundingModel = "BORROW_ALL"
	FundingSellAll     FundingModel = "SELL_ALL"
	FundingSellLargest FundingModel = "SELL_LARGEST"
)

// SignalSource records what triggered an action.
type SignalSource string

const (
	SourceSignal    SignalSource = "signal"
	SourceManual    SignalSource = "manual"
	SourceRebalance SignalSource = "rebalance"
)

// ActionType is a single exchange-mutating action.
type ActionType string

const (
	ActionBuy    ActionType = "buy"
	ActionSell   ActionType = "sell"
	ActionBorrow ActionType = "borrow"
	ActionRepay  ActionType = "repay"
)

// Strategy mirrors the hub's strategy payload plus locally owned fields.
// IsStopped, LossTradeRun and Name survive wholesale replacement of the rest.
type Strategy struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	IsActive     bool            `json:"isActive"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	TradeAmount  decimal.Decimal `json:"tradeAmount"`
	TradingType  TradingType     `json:"tradingType"`
	IsStopped    bool            `json:"isStopped"`
	LossTradeRun int             `json:"lossTradeRun"`
}

// TradeKey identifies the single allowed open position per strategy, symbol
// and direction.
type TradeKey struct {
	StrategyID string
	Symbol     string
	Position   PositionType
}

func (k TradeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.StrategyID, k.Symbol, k.Position)
}

// TradeOpen is one open position tracked by the registry.
type TradeOpen struct {
	ID           string          `json:"id"`
	Position     PositionType    `json:"positionType"`
	TradingType  TradingType     `json:"tradingType"`
	PriceBuy     decimal.Decimal `json:"priceBuy"`
	PriceSell    decimal.Decimal `json:"priceSell"`
	Quantity     decimal.Decimal `json:"quantity"`
	Cost         decimal.Decimal `json:"cost"`
	Borrow       decimal.Decimal `json:"borrow"`
	Wallet       WalletType      `json:"wallet"`
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Symbol       string          `json:"symbol"`
	TimeBuy      time.Time       `json:"timeBuy"`
	TimeSell     time.Time       `json:"timeSell"`
	TimeUpdated  time.Time       `json:"timeUpdated"`
	IsStopped    bool            `json:"isStopped"`
	IsExecuted   bool            `json:"isExecuted"`
}

// Key returns the composite lookup key for duplicate-open checks.
func (t *TradeOpen) Key() TradeKey {
	return TradeKey{StrategyID: t.StrategyID, Symbol: t.Symbol, Position: t.Position}
}

// Signal is the ephemeral, validated form of a hub signal event. Never persisted.
type Signal struct {
	Entry        EntryType
	Position     PositionType
	Source       SignalSource
	Price        decimal.Decimal
	StrategyID   string
	StrategyName string
	Symbol       string
	UserID       string
	Nickname     string
	Score        decimal.Decimal
	Timestamp    time.Time
}

// Market is exchange symbol metadata, refreshed periodically and never checkpointed.
type Market struct {
	Symbol      string          `json:"symbol"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	Active      bool            `json:"active"`
	Margin      bool            `json:"margin"`
	MinQuantity decimal.Decimal `json:"minQuantity"`
	MaxQuantity decimal.Decimal `json:"maxQuantity"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinCost     decimal.Decimal `json:"minCost"`
	MaxCost     decimal.Decimal `json:"maxCost"`
}

// WalletData is the transient per-decision view of one wallet. It is rebuilt
// from scratch for every sizing decision and never cached.
type WalletData struct {
	Type         WalletType
	Free         decimal.Decimal
	Locked       decimal.Decimal
	Total        decimal.Decimal
	Potential    decimal.Decimal
	Trades       []*TradeOpen
	LargestTrade *TradeOpen
}

// Transaction is an immutable audit record of one exchange-mutating action.
type Transaction struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	TradeID    string          `json:"tradeId"`
	Source     SignalSource    `json:"source"`
	Action     ActionType      `json:"action"`
	Asset      string          `json:"asset"`
	Quantity   decimal.Decimal `json:"quantity"`
	Succeeded  bool            `json:"succeeded"`
	SignalTime time.Time       `json:"signalTime,omitempty"`
}

// BalanceHistoryEntry is one day of per-quote balance accounting for a
// trading type.
type BalanceHistoryEntry struct {
	Date         time.Time       `json:"date"`
	OpenBalance  decimal.Decimal `json:"openBalance"`
	CloseBalance decimal.Decimal `json:"closeBalance"`
	Fees         decimal.Decimal `json:"fees"`
	TradesOpened int             `json:"tradesOpened"`
	TradesClosed int             `json:"tradesClosed"`
}

// TradeAck is the outbound acknowledgement emitted to the hub after the main
// action of a sequence fills.
type TradeAck struct {
	APIKey       string          `json:"apiKey"`
	Symbol       string          `json:"symbol"`
	StrategyID   string          `json:"strategyId"`
	StrategyName string          `json:"strategyName"`
	Quantity     decimal.Decimal `json:"quantity"`
	TradingType  TradingType     `json:"tradingType"`
}
