package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/infrastructure/bridge"
	"github.com/vitos/keylevel_breakout/internal/infrastructure/logger"
	"github.com/vitos/keylevel_breakout/internal/infrastructure/storage"
	"github.com/vitos/keylevel_breakout/internal/usecase"
	"github.com/vitos/keylevel_breakout/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// .env carries the bridge credentials in local setups; absence is fine.
	_ = godotenv.Load()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.Logging.File != "" {
		fileLog, err := logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
		if err != nil {
			fmt.Printf("Failed to init file logger: %v\n", err)
			os.Exit(1)
		}
		log = logger.Tee(log, fileLog)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Terminal Bridge
	terminal := bridge.NewClient(
		cfg.Bridge.APIKey,
		cfg.Bridge.APISecret,
		cfg.Bridge.RESTEndpoint,
		cfg.Bridge.WSEndpoint,
		log,
	)

	// 5. Init Engine
	engine := usecase.NewEngine(cfg, terminal, terminal, store, log)

	// 6. Shutdown Signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	// 7. Connect WS and Start Processing
	terminal.OnTick(func(symbol string, bid, ask float64) {
		if symbol != cfg.Symbol {
			return
		}
		engine.OnTick(context.Background())
	})
	if err := terminal.Subscribe([]string{cfg.Symbol}); err != nil {
		log.Fatal("Failed to subscribe to tick stream", zap.Error(err))
	}

	// 8. Timer loop: equity sampling and drawdown guard
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Polling.TimerIntervalMs) * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				engine.OnTimer(context.Background())
			case <-done:
				return
			}
		}
	}()

	// 9. Start Web Server
	srv := web.NewServer(cfg.Server.Port, engine, store, cfg.Symbol, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
		}
	}()

	log.Info("Bot started",
		zap.String("symbol", cfg.Symbol),
		zap.String("timeframe", cfg.Timeframe),
		zap.Int("port", cfg.Server.Port))

	<-stop
	close(done)
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
	terminal.Close()
	engine.Summary()
}
