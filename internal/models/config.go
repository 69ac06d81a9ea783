package models

import "github.com/shopspring/decimal"

// Config holds every tunable of the trading engine. Secrets (API keys, SMTP
// password) are filled from the environment after the JSON file is decoded.
type Config struct {
	DBPath string `json:"db_path"`

	// Exchange access.
	APIKey       string `json:"-"`
	SecretKey    string `json:"-"`
	IsTestnet    bool   `json:"is_testnet"`
	MarginActive bool   `json:"margin_active"` // margin wallet usable at all

	// Signal hub.
	HubURL    string `json:"hub_url"`
	HubAPIKey string `json:"-"`

	// Sizing.
	PrimaryWallet    WalletType      `json:"primary_wallet"`    // preferred funding wallet
	Funding          FundingModel    `json:"funding_model"`     // LONG shortfall policy
	WalletBuffer     decimal.Decimal `json:"wallet_buffer"`     // fraction of total held back
	IsBuyQtyFraction bool            `json:"buy_qty_fraction"`  // tradeAmount is a fraction of balance
	MaxOpenLong      int             `json:"max_open_long"`     // 0 = unlimited
	MaxOpenShort     int             `json:"max_open_short"`    // 0 = unlimited
	ExcludedSymbols  []string        `json:"excluded_symbols"`  // never traded
	LossRunLimit     int             `json:"loss_run_limit"`    // consecutive losers before strategy stop
	VirtualFunds     decimal.Decimal `json:"virtual_funds"`     // starting virtual quote balance per wallet
	TakerFeeRate     decimal.Decimal `json:"taker_fee_rate"`    // balance history fee estimate

	// Execution pacing.
	QueueIntervalMs   int `json:"queue_interval_ms"`   // min spacing between queue dequeues
	SettleDelayMs     int `json:"settle_delay_ms"`     // balance read delay after a mutating action
	BalanceTTLSec     int `json:"balance_ttl_sec"`     // balance cache lifetime
	CheckpointDelayMs int `json:"checkpoint_delay_ms"` // dirty-flush coalescing window
	MaxTransactions   int `json:"max_transactions"`    // record log row bound

	// Diagnostics and notification.
	DiagAddr string     `json:"diag_addr"` // empty disables the read-only server
	SMTP     SMTPConfig `json:"smtp"`

	LogConfig LogConfig `json:"log"`
}

// SMTPConfig configures the mail notifier. An empty host disables it.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// LogConfig mirrors the zap/lumberjack setup knobs.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file" or "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// IsExcluded reports whether the symbol is configured out of trading.
func (c *Config) IsExcluded(symbol string) bool {
	for _, s := range c.ExcludedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
