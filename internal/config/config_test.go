package config

import (
	"os"
	"path/filepath"
	"testing"

	"signal-trader/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"db_path": "/tmp/trader-db",
		"hub_url": "wss://hub.example.com/ws"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, models.WalletMargin, cfg.PrimaryWallet)
	assert.Equal(t, models.FundingNone, cfg.Funding)
	assert.True(t, cfg.WalletBuffer.Equal(decimal.NewFromFloat(0.02)))
	assert.Equal(t, 350, cfg.QueueIntervalMs)
	assert.Equal(t, 1000, cfg.SettleDelayMs)
	assert.Equal(t, 600, cfg.BalanceTTLSec)
	assert.Equal(t, 200, cfg.CheckpointDelayMs)
	assert.Equal(t, 1000, cfg.MaxTransactions)
	assert.True(t, cfg.VirtualFunds.Equal(decimal.NewFromInt(100)))
}

func TestLoadOverlaysSecretsFromEnvironment(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "api-key")
	t.Setenv("EXCHANGE_SECRET_KEY", "secret-key")
	t.Setenv("HUB_API_KEY", "hub-key")
	t.Setenv("SMTP_PASSWORD", "mail-pass")

	path := writeConfig(t, `{
		"db_path": "/tmp/trader-db",
		"hub_url": "wss://hub.example.com/ws"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "api-key", cfg.APIKey)
	assert.Equal(t, "secret-key", cfg.SecretKey)
	assert.Equal(t, "hub-key", cfg.HubAPIKey)
	assert.Equal(t, "mail-pass", cfg.SMTP.Password)
}

func TestLoadRejectsUnknownFundingModel(t *testing.T) {
	path := writeConfig(t, `{
		"db_path": "/tmp/trader-db",
		"hub_url": "wss://hub.example.com/ws",
		"funding_model": "YOLO"
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBorrowModelWithoutMargin(t *testing.T) {
	path := writeConfig(t, `{
		"db_path": "/tmp/trader-db",
		"hub_url": "wss://hub.example.com/ws",
		"funding_model": "BORROW_MIN",
		"margin_active": false
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `{"hub_url": "wss://hub.example.com/ws"}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"db_path": "/tmp/trader-db"}`))
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeBuffer(t *testing.T) {
	path := writeConfig(t, `{
		"db_path": "/tmp/trader-db",
		"hub_url": "wss://hub.example.com/ws",
		"wallet_buffer": "1.5"
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestIsExcluded(t *testing.T) {
	cfg := &models.Config{ExcludedSymbols: []string{"SHIBUSDT", "DOGEUSDT"}}
	assert.True(t, cfg.IsExcluded("DOGEUSDT"))
	assert.False(t, cfg.IsExcluded("BTCUSDT"))
}
