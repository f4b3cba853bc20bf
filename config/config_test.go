package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("CTRADER_CLIENT_ID", "client")
	t.Setenv("CTRADER_CLIENT_SECRET", "secret")
	t.Setenv("CTRADER_ACCOUNT_ID", "123456")

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(123456), cfg.CTrader.AccountID)
	assert.Equal(t, "EURUSD", cfg.CTrader.Pair)
	assert.Equal(t, 60*time.Second, cfg.Trading.HoldDuration)
	assert.Equal(t, time.Second, cfg.Trading.PnLInterval)
	assert.Equal(t, 30*time.Minute, cfg.Trading.VenueRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Trading.RequestTimeout)
	assert.InDelta(t, 0.0001, cfg.Trading.PipSize, 1e-12)
	assert.False(t, cfg.Trading.SplitNextSession)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_HOLD", "90s")
	t.Setenv("TRADING_WORKERS", "8")
	t.Setenv("TRADING_SPLIT_NEXT_SESSION", "YES")
	t.Setenv("TRADING_PNL_INTERVAL", "not-a-duration")
	t.Setenv("TRADING_REQUEST_TIMEOUT", "45s")

	cfg := LoadFromEnv()
	assert.Equal(t, 90*time.Second, cfg.Trading.HoldDuration)
	assert.Equal(t, 8, cfg.Trading.Workers)
	assert.True(t, cfg.Trading.SplitNextSession)
	assert.Equal(t, time.Second, cfg.Trading.PnLInterval)
	assert.Equal(t, 45*time.Second, cfg.Trading.RequestTimeout)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: "mysql"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CTRADER_CLIENT_ID")
	assert.Contains(t, err.Error(), "CTRADER_ACCOUNT_ID")
	assert.Contains(t, err.Error(), "LEDGER_DRIVER")
	assert.Contains(t, err.Error(), "TRADING_WORKERS")
}
