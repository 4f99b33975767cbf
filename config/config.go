package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketgate/internal/adapters/logger" // Import the logger package for LogLevel
	"marketgate/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API (primary source)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Bybit API (fallback source; market-data endpoints are public, so keys
	// are optional)
	BybitAPIKey    string
	BybitAPISecret string
	BybitBaseURL   string

	// Request Parameters
	Symbol            string
	Intervals         []domain.Interval
	CandleLimit       int     // candles per interval per request
	CoverageThreshold float64 // minimum observed/expected ratio (e.g. 0.85)

	// Microstructure cost constants (basis points)
	TakerFeeBps      float64
	SlippageFloorBps float64
	EdgeMultiplier   float64 // safety margin on the edge floor, >= 1

	// Rate Limiting
	RateWeightPerMinute int
	RateBurst           int
	CooldownMin         time.Duration
	CooldownMax         time.Duration

	// Caching & Timeouts
	ExchangeInfoTTL time.Duration
	RequestTimeout  time.Duration

	// Failure log suppression
	FailureWindow       time.Duration
	FailureLogThreshold int

	// Logging
	LogLevel   logger.LogLevel // Use the LogLevel type from the logger adapter
	LogBackend string          // "std" or "zap"

	// Polling (0 means fetch once and exit)
	PollInterval time.Duration
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API. Klines and book-ticker endpoints work unauthenticated,
	// so missing keys are allowed.
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", false)

	// Bybit API
	cfg.BybitAPIKey = getEnv("BYBIT_API_KEY", "")
	cfg.BybitAPISecret = getEnv("BYBIT_API_SECRET", "")
	cfg.BybitBaseURL = getEnv("BYBIT_BASE_URL", "")

	// Request Parameters
	cfg.Symbol = getEnv("SYMBOL", "BTCUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}

	intervalsStr := getEnv("INTERVALS", "1m,15m,1h")
	for _, raw := range strings.Split(intervalsStr, ",") {
		iv, ok := domain.ParseInterval(strings.TrimSpace(raw))
		if !ok {
			errs = append(errs, fmt.Sprintf("unsupported interval %q in INTERVALS (supported: 1m, 15m, 1h)", raw))
			continue
		}
		cfg.Intervals = append(cfg.Intervals, iv)
	}
	if len(cfg.Intervals) == 0 {
		errs = append(errs, "INTERVALS must name at least one interval")
	}

	cfg.CandleLimit, err = getEnvAsIntRequired("CANDLE_LIMIT", 120)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CANDLE_LIMIT: %v", err))
	} else if cfg.CandleLimit <= 0 || cfg.CandleLimit > 1500 {
		errs = append(errs, "CANDLE_LIMIT must be between 1 and 1500")
	}

	cfg.CoverageThreshold, err = getEnvAsFloatRequired("COVERAGE_THRESHOLD", 0.85)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid COVERAGE_THRESHOLD: %v", err))
	} else if cfg.CoverageThreshold <= 0 || cfg.CoverageThreshold > 1.0 {
		errs = append(errs, "COVERAGE_THRESHOLD must be between 0.0 (exclusive) and 1.0")
	}

	// Microstructure cost constants
	cfg.TakerFeeBps, err = getEnvAsFloatRequired("TAKER_FEE_BPS", 4.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKER_FEE_BPS: %v", err))
	} else if cfg.TakerFeeBps < 0 {
		errs = append(errs, "TAKER_FEE_BPS cannot be negative")
	}

	cfg.SlippageFloorBps, err = getEnvAsFloatRequired("SLIPPAGE_FLOOR_BPS", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SLIPPAGE_FLOOR_BPS: %v", err))
	} else if cfg.SlippageFloorBps < 0 {
		errs = append(errs, "SLIPPAGE_FLOOR_BPS cannot be negative")
	}

	cfg.EdgeMultiplier, err = getEnvAsFloatRequired("EDGE_MULTIPLIER", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EDGE_MULTIPLIER: %v", err))
	} else if cfg.EdgeMultiplier < 1.0 {
		errs = append(errs, "EDGE_MULTIPLIER must be >= 1.0")
	}

	// Rate Limiting
	cfg.RateWeightPerMinute = getEnvAsInt("RATE_WEIGHT_PER_MINUTE", 2400)
	if cfg.RateWeightPerMinute <= 0 {
		errs = append(errs, "RATE_WEIGHT_PER_MINUTE must be positive")
	}
	cfg.RateBurst = getEnvAsInt("RATE_BURST", 0) // 0 lets the limiter derive a burst

	cooldownMinSeconds := getEnvAsInt("COOLDOWN_MIN_SECONDS", 1)
	cooldownMaxSeconds := getEnvAsInt("COOLDOWN_MAX_SECONDS", 120)
	if cooldownMinSeconds <= 0 || cooldownMaxSeconds < cooldownMinSeconds {
		errs = append(errs, "COOLDOWN_MIN_SECONDS must be positive and <= COOLDOWN_MAX_SECONDS")
	}
	cfg.CooldownMin = time.Duration(cooldownMinSeconds) * time.Second
	cfg.CooldownMax = time.Duration(cooldownMaxSeconds) * time.Second

	// Caching & Timeouts
	exchangeInfoTTLSeconds := getEnvAsInt("EXCHANGEINFO_TTL_SECONDS", 3600)
	if exchangeInfoTTLSeconds <= 0 {
		errs = append(errs, "EXCHANGEINFO_TTL_SECONDS must be positive")
	}
	cfg.ExchangeInfoTTL = time.Duration(exchangeInfoTTLSeconds) * time.Second

	requestTimeoutSeconds := getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 8)
	if requestTimeoutSeconds <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	cfg.RequestTimeout = time.Duration(requestTimeoutSeconds) * time.Second

	// Failure log suppression
	failureWindowSeconds := getEnvAsInt("FAILURE_WINDOW_SECONDS", 60)
	if failureWindowSeconds <= 0 {
		errs = append(errs, "FAILURE_WINDOW_SECONDS must be positive")
	}
	cfg.FailureWindow = time.Duration(failureWindowSeconds) * time.Second

	cfg.FailureLogThreshold = getEnvAsInt("FAILURE_LOG_THRESHOLD", 3)
	if cfg.FailureLogThreshold <= 0 {
		errs = append(errs, "FAILURE_LOG_THRESHOLD must be positive")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogBackend = strings.ToLower(getEnv("LOG_BACKEND", "std"))
	if cfg.LogBackend != "std" && cfg.LogBackend != "zap" {
		errs = append(errs, fmt.Sprintf("LOG_BACKEND must be 'std' or 'zap', got %q", cfg.LogBackend))
	}

	// Polling
	pollSeconds := getEnvAsInt("POLL_SECONDS", 0)
	if pollSeconds < 0 {
		errs = append(errs, "POLL_SECONDS cannot be negative")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
