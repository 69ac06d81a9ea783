package config

import (
	"encoding/json"
	"fmt"
	"os"

	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
)

// Load decodes the JSON config file and overlays secrets from the
// environment. Callers should godotenv.Load() beforehand so a .env file is
// honoured.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.APIKey = os.Getenv("EXCHANGE_API_KEY")
	cfg.SecretKey = os.Getenv("EXCHANGE_SECRET_KEY")
	cfg.HubAPIKey = os.Getenv("HUB_API_KEY")
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")

	applyDefaults(cfg)
	return cfg, validate(cfg)
}

func applyDefaults(cfg *models.Config) {
	if cfg.PrimaryWallet == "" {
		cfg.PrimaryWallet = models.WalletMargin
	}
	if cfg.Funding == "" {
		cfg.Funding = models.FundingNone
	}
	if cfg.WalletBuffer.IsZero() {
		cfg.WalletBuffer = decimal.NewFromFloat(0.02)
	}
	if cfg.QueueIntervalMs <= 0 {
		cfg.QueueIntervalMs = 350
	}
	if cfg.SettleDelayMs <= 0 {
		cfg.SettleDelayMs = 1000
	}
	if cfg.BalanceTTLSec <= 0 {
		cfg.BalanceTTLSec = 600
	}
	if cfg.CheckpointDelayMs <= 0 {
		cfg.CheckpointDelayMs = 200
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = 1000
	}
	if cfg.VirtualFunds.IsZero() {
		cfg.VirtualFunds = decimal.NewFromInt(100)
	}
}

func validate(cfg *models.Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if cfg.HubURL == "" {
		return fmt.Errorf("hub_url is required")
	}
	switch cfg.Funding {
	case models.FundingNone, models.FundingBorrowMin, models.FundingBorrowAll,
		models.FundingSellAll, models.FundingSellLargest:
	default:
		return fmt.Errorf("unknown funding model %q", cfg.Funding)
	}
	if cfg.WalletBuffer.IsNegative() || cfg.WalletBuffer.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("wallet_buffer must be in [0, 1)")
	}
	if !cfg.MarginActive && (cfg.Funding == models.FundingBorrowMin || cfg.Funding == models.FundingBorrowAll) {
		return fmt.Errorf("funding model %s requires margin_active", cfg.Funding)
	}
	return nil
}
