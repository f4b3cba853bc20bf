package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// Config holds application configuration
type Config struct {
	CTrader  CTraderConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Trading  TradingConfig
	API      APIConfig
	Log      logger.Config
	Seed     SeedConfig
}

// CTraderConfig holds Open API credentials and endpoint settings
type CTraderConfig struct {
	ClientID     string
	ClientSecret string
	AccountID    int64

	// URL selects the transport: tls://host:port for length-prefixed TCP,
	// wss://host:port for WebSocket frames.
	URL               string
	TokenURL          string
	SymbolID          int64
	Pair              string
	HeartbeatInterval time.Duration
}

// DatabaseConfig holds ledger store settings
type DatabaseConfig struct {
	Driver   string // postgres or memory
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Channel  string
}

// TradingConfig holds hedge-cycle timing and sizing parameters
type TradingConfig struct {
	HoldDuration      time.Duration
	PnLInterval       time.Duration
	ReconcileInterval time.Duration
	ConfirmDelay      time.Duration
	VenueRetryDelay   time.Duration
	RequestTimeout    time.Duration
	LogoutTimeout     time.Duration
	PipSize           float64
	Workers           int

	// SplitNextSession requires 17:00 UTC of the day after the pivot opened
	// to have passed before a split.
	SplitNextSession bool
}

// APIConfig holds control surface settings
type APIConfig struct {
	Port         int
	Token        string
	BroadcastURL string
}

// SeedConfig holds bootstrap data for migrate and the memory ledger
type SeedConfig struct {
	MilestonesFile string
	InitialBalance float64
	AccessToken    string
	RefreshToken   string
	TokenTTL       time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		logger.Infof("No .env file found, using environment variables")
	}

	return &Config{
		CTrader: CTraderConfig{
			ClientID:          os.Getenv("CTRADER_CLIENT_ID"),
			ClientSecret:      os.Getenv("CTRADER_CLIENT_SECRET"),
			AccountID:         getEnvInt64("CTRADER_ACCOUNT_ID", 0),
			URL:               getEnvOrDefault("CTRADER_URL", "tls://demo.ctraderapi.com:5035"),
			TokenURL:          getEnvOrDefault("CTRADER_TOKEN_URL", "https://openapi.ctrader.com/apps/token"),
			SymbolID:          getEnvInt64("CTRADER_SYMBOL_ID", 1),
			Pair:              getEnvOrDefault("CTRADER_PAIR", "EURUSD"),
			HeartbeatInterval: getEnvDuration("CTRADER_HEARTBEAT_INTERVAL", 10*time.Second),
		},

		Database: DatabaseConfig{
			Driver:   getEnvOrDefault("LEDGER_DRIVER", "postgres"),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			Name:     getEnvOrDefault("DB_NAME", "botapp"),
			User:     getEnvOrDefault("DB_USER", "botapp"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
		},

		Redis: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			Channel:  getEnvOrDefault("REDIS_CHANNEL", "positions"),
		},

		Trading: TradingConfig{
			HoldDuration:      getEnvDuration("TRADING_HOLD", 60*time.Second),
			PnLInterval:       getEnvDuration("TRADING_PNL_INTERVAL", time.Second),
			ReconcileInterval: getEnvDuration("TRADING_RECONCILE_INTERVAL", 5*time.Minute),
			ConfirmDelay:      getEnvDuration("TRADING_CONFIRM_DELAY", 2*time.Second),
			VenueRetryDelay:   getEnvDuration("TRADING_VENUE_RETRY_DELAY", 30*time.Minute),
			RequestTimeout:    getEnvDuration("TRADING_REQUEST_TIMEOUT", 30*time.Second),
			LogoutTimeout:     getEnvDuration("TRADING_LOGOUT_TIMEOUT", 5*time.Second),
			PipSize:           getEnvFloat("TRADING_PIP_SIZE", 0.0001),
			Workers:           getEnvInt("TRADING_WORKERS", 4),
			SplitNextSession:  getEnvBool("TRADING_SPLIT_NEXT_SESSION", false),
		},

		API: APIConfig{
			Port:         getEnvInt("API_PORT", 8080),
			Token:        os.Getenv("API_TOKEN"),
			BroadcastURL: os.Getenv("BROADCAST_URL"),
		},

		Log: logger.Config{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},

		Seed: SeedConfig{
			MilestonesFile: getEnvOrDefault("MILESTONES_FILE", "milestones.yaml"),
			InitialBalance: getEnvFloat("INITIAL_BALANCE", 0),
			AccessToken:    os.Getenv("CTRADER_ACCESS_TOKEN"),
			RefreshToken:   os.Getenv("CTRADER_REFRESH_TOKEN"),
			TokenTTL:       getEnvDuration("CTRADER_TOKEN_TTL", 30*24*time.Hour),
		},
	}
}

// Validate checks the settings the engine cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.CTrader.ClientID == "" || c.CTrader.ClientSecret == "" {
		errs = append(errs, errors.New("CTRADER_CLIENT_ID and CTRADER_CLIENT_SECRET are required"))
	}
	if c.CTrader.AccountID == 0 {
		errs = append(errs, errors.New("CTRADER_ACCOUNT_ID is required"))
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		errs = append(errs, fmt.Errorf("unsupported LEDGER_DRIVER %q", c.Database.Driver))
	}
	if c.Trading.Workers <= 0 {
		errs = append(errs, errors.New("TRADING_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvInt64 gets environment variable as int64 or returns default value
func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int64
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvBool accepts true/1/yes in any case
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "":
		return defaultValue
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// getEnvDuration parses Go duration syntax, e.g. 30s or 5m
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
