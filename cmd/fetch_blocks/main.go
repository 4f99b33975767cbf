// Command fetch_blocks fetches structural blocks once and writes each
// interval's candles to a CSV file under -out. Meant for spot-checking data
// quality and for building offline fixtures.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketgate/config"
	"marketgate/internal/adapters/binanceclient"
	"marketgate/internal/adapters/bybitclient"
	"marketgate/internal/adapters/logger"
	"marketgate/internal/app"
	"marketgate/internal/domain"
	"marketgate/internal/exchangeinfo"
	"marketgate/internal/micro"
	"marketgate/internal/ratelimit"
	"marketgate/internal/utils"
)

func main() {
	symbolFlag := flag.String("symbol", "", "symbol to fetch (default: SYMBOL from env)")
	intervalsFlag := flag.String("intervals", "", "comma-separated intervals (default: INTERVALS from env)")
	outDir := flag.String("out", "data", "output directory for CSV files")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	symbol := cfg.Symbol
	if *symbolFlag != "" {
		symbol = *symbolFlag
	}
	intervals := cfg.Intervals
	if *intervalsFlag != "" {
		intervals = nil
		for _, raw := range strings.Split(*intervalsFlag, ",") {
			iv, ok := domain.ParseInterval(strings.TrimSpace(raw))
			if !ok {
				log.Fatalf("FATAL: unsupported interval %q", raw)
			}
			intervals = append(intervals, iv)
		}
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)

	limiter, err := ratelimit.New(ratelimit.Config{
		WeightPerMinute: cfg.RateWeightPerMinute,
		Burst:           cfg.RateBurst,
		CooldownMin:     cfg.CooldownMin,
		CooldownMax:     cfg.CooldownMax,
		Logger:          appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize rate limiter: %v", err)
	}

	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
		Limiter:    limiter,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	infoCache, err := exchangeinfo.New(binanceClient, appLogger, cfg.ExchangeInfoTTL)
	if err != nil {
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
		log.Fatalf("FATAL: Failed to initialize Bybit client: %v", err)
	}

	calc, err := micro.New(micro.Config{
		TakerFeeBps:      cfg.TakerFeeBps,
		SlippageFloorBps: cfg.SlippageFloorBps,
		EdgeMultiplier:   cfg.EdgeMultiplier,
	}, binanceClient, binanceClient, binanceClient, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize microstructure calculator: %v", err)
	}

	service, err := app.New(app.Config{
		CandleLimit:         cfg.CandleLimit,
		CoverageThreshold:   cfg.CoverageThreshold,
		RequestTimeout:      cfg.RequestTimeout,
		FailureWindow:       cfg.FailureWindow,
		FailureLogThreshold: cfg.FailureLogThreshold,
	}, appLogger, binanceClient, bybitClient, calc, infoCache)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}

	ctx := context.Background()
	fmt.Printf("Fetching structural blocks for %s (%d intervals)...\n", symbol, len(intervals))
	blocks, err := service.GetStructuralBlocks(ctx, symbol, intervals)
	if err != nil {
		log.Fatalf("Error fetching structural blocks: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Error creating output directory: %v", err)
	}
	stamp := time.Now().Format("20060102_150405")
	for iv, block := range blocks.Intervals {
		if block.Missing {
			fmt.Printf("%s %s: missing (coverage %.2f), skipping CSV\n", blocks.Symbol, iv, block.Coverage)
			continue
		}
		filename := filepath.Join(*outDir, fmt.Sprintf("%s_%s_%s.csv", blocks.Symbol, iv, stamp))
		if err := utils.WriteCandlesToCSV(blocks.Symbol, block, filename); err != nil {
			log.Fatalf("Error writing CSV for %s: %v", iv, err)
		}
		fmt.Printf("%s %s: %d candles from %s (coverage %.2f) -> %s\n",
			blocks.Symbol, iv, len(block.Candles), block.Source, block.Coverage, filename)
	}
}
