package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"github.com/vitos/keylevel_breakout/internal/infrastructure/bridge"
	"github.com/vitos/keylevel_breakout/internal/infrastructure/logger"
	"github.com/vitos/keylevel_breakout/internal/usecase"
)

// analyzer runs a one-shot level scan against the bridge and prints
// the detected levels. Useful for tuning detector settings without
// starting the bot.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "symbol override")
	timeframe := flag.String("timeframe", "", "timeframe override (M1..MN1)")
	bars := flag.Int("bars", 0, "number of bars to fetch (default: detector lookback)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Symbol = *symbol
	}
	if *timeframe != "" {
		cfg.Timeframe = *timeframe
	}
	count := cfg.Detector.LookbackBars
	if *bars > 0 {
		count = *bars
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	terminal := bridge.NewClient(
		cfg.Bridge.APIKey,
		cfg.Bridge.APISecret,
		cfg.Bridge.RESTEndpoint,
		cfg.Bridge.WSEndpoint,
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	series, err := terminal.GetBars(ctx, cfg.Symbol, cfg.TF(), count)
	if err != nil {
		fmt.Printf("Failed to fetch bars: %v\n", err)
		os.Exit(1)
	}
	if len(series) == 0 {
		fmt.Println("No bars returned.")
		os.Exit(1)
	}

	detector := usecase.NewLevelDetector(cfg.Detector, cfg.TF(), cfg.InstrumentClass, log)
	levels := detector.Scan(series)

	last := series[len(series)-1]
	fmt.Printf("%s %s: %d bars, last close %.5f at %s\n",
		cfg.Symbol, cfg.Timeframe, len(series), last.Close, last.Time.Format(time.RFC3339))
	fmt.Printf("Detected %d levels:\n", len(levels))

	for _, lvl := range levels {
		marker := "S"
		if lvl.IsResistance {
			marker = "R"
		}
		confirmed := ""
		if lvl.VolumeConfirmed {
			confirmed = " vol-confirmed"
		}
		fmt.Printf("  [%s] %.5f  strength=%.2f  touches=%d  first=%s  last=%s%s\n",
			marker, lvl.Price, lvl.Strength, lvl.TouchCount,
			lvl.FirstTouch.Format("2006-01-02 15:04"),
			lvl.LastTouch.Format("2006-01-02 15:04"),
			confirmed)
	}

	printNearest(levels, last.Close)
}

func printNearest(levels []*domain.KeyLevel, price float64) {
	var nearest *domain.KeyLevel
	for _, lvl := range levels {
		if nearest == nil || abs(lvl.Price-price) < abs(nearest.Price-price) {
			nearest = lvl
		}
	}
	if nearest != nil {
		fmt.Printf("Nearest level to price: %.5f (%s, strength %.2f)\n",
			nearest.Price, nearest.Type(), nearest.Strength)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
