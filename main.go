package main

import (
	"context"
	"encoding/json"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketgate/config"
	"marketgate/internal/adapters/binanceclient"
	"marketgate/internal/adapters/bybitclient"
	"marketgate/internal/adapters/logger"
	"marketgate/internal/app"
	"marketgate/internal/exchangeinfo"
	"marketgate/internal/micro"
	"marketgate/internal/ports"
	"marketgate/internal/ratelimit"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogBackend == "zap" {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zl.Sync()
		appLogger = zl
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "backend": cfg.LogBackend})

	// 3. Initialize the shared rate limiter for the primary venue
	limiter, err := ratelimit.New(ratelimit.Config{
		WeightPerMinute: cfg.RateWeightPerMinute,
		Burst:           cfg.RateBurst,
		CooldownMin:     cfg.CooldownMin,
		CooldownMax:     cfg.CooldownMax,
		Logger:          appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize rate limiter")
		log.Fatalf("FATAL: Failed to initialize rate limiter: %v", err)
	}

	// 4. Initialize Exchange Clients (primary + fallback)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
		Limiter:    limiter,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	infoCache, err := exchangeinfo.New(binanceClient, appLogger, cfg.ExchangeInfoTTL)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize exchange-info cache")
		log.Fatalf("FATAL: Failed to initialize exchange-info cache: %v", err)
	}
	binanceClient.SetInfoCache(infoCache)

	bybitClient, err := bybitclient.New(bybitclient.Config{
		APIKey:        cfg.BybitAPIKey,
		APISecret:     cfg.BybitAPISecret,
		BaseURL:       cfg.BybitBaseURL,
		Timeout:       cfg.RequestTimeout,
		InstrumentTTL: cfg.ExchangeInfoTTL,
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Bybit client")
		log.Fatalf("FATAL: Failed to initialize Bybit client: %v", err)
	}

	// 5. Initialize the Microstructure Calculator
	calc, err := micro.New(micro.Config{
		TakerFeeBps:      cfg.TakerFeeBps,
		SlippageFloorBps: cfg.SlippageFloorBps,
		EdgeMultiplier:   cfg.EdgeMultiplier,
	}, binanceClient, binanceClient, binanceClient, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize microstructure calculator")
		log.Fatalf("FATAL: Failed to initialize microstructure calculator: %v", err)
	}

	// 6. Initialize Application Service
	service, err := app.New(app.Config{
		CandleLimit:         cfg.CandleLimit,
		CoverageThreshold:   cfg.CoverageThreshold,
		RequestTimeout:      cfg.RequestTimeout,
		FailureWindow:       cfg.FailureWindow,
		FailureLogThreshold: cfg.FailureLogThreshold,
	}, appLogger, binanceClient, bybitClient, calc, infoCache)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize service")
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}
	appLogger.Info(context.Background(), "Service initialized", map[string]interface{}{
		"symbol": cfg.Symbol, "intervals": cfg.Intervals, "limit": cfg.CandleLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	encoder := json.NewEncoder(os.Stdout)
	fetch := func() {
		blocks, err := service.GetStructuralBlocks(ctx, cfg.Symbol, cfg.Intervals)
		if err != nil {
			appLogger.Error(ctx, err, "Failed to build structural blocks")
			return
		}
		if err := encoder.Encode(blocks); err != nil {
			appLogger.Error(ctx, err, "Failed to encode structural blocks")
		}
	}

	fetch()
	if cfg.PollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			appLogger.Info(context.Background(), "Shutting down")
			return
		case <-ticker.C:
			fetch()
		}
	}
}
