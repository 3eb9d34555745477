// lapio-server runs the trading-signal dashboard API: market-data
// refresh, technical signals, Gemini analysis and chat, portfolio
// ledger, alerts, and the scheduled daily/macro refresh jobs.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lapio/internal/advisor"
	"lapio/internal/auth"
	"lapio/internal/config"
	"lapio/internal/export"
	"lapio/internal/httpapi"
	"lapio/internal/macro"
	"lapio/internal/marketdata"
	"lapio/internal/miners"
	"lapio/internal/notify"
	"lapio/internal/portfolio"
	"lapio/internal/schedule"
	"lapio/internal/store"
	"lapio/internal/util"
)

// alpacaRateLimit is requests per minute against the Alpaca data API.
// The free tier allows 200; stay under it.
const alpacaRateLimit = 180

func main() {
	_ = godotenv.Load()

	cfgPath := "config/lapio.yaml"
	if p := os.Getenv("LAPIO_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	// Storage.
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "lapio.db")
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer db.Close()

	parquetDir := cfg.Storage.ParquetDir
	if parquetDir == "" {
		parquetDir = cfg.Storage.DataDir
	}
	archive := store.NewParquetArchive(parquetDir)

	// Market data.
	var refresher *marketdata.Refresher
	if cfg.Alpaca.APIKey != "" {
		source := marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
		refresher = marketdata.NewRefresher(source, marketdata.NewCoinGecko(), db, archive,
			util.NewRateLimiter(alpacaRateLimit), logger)
	} else {
		logger.Warn("alpaca credentials not set, price refresh disabled")
	}

	macroFetcher := macro.NewFetcher(db, db, cfg.Macro.FredAPIKey, logger)
	minerClient := miners.NewClient()

	// Advisor. Without a Gemini key the dashboard has no analysis and
	// no chat, so treat it as a hard requirement like the app password.
	if cfg.Advisor.APIKey == "" {
		log.Fatal("advisor api key not set (GEMINI_API_KEY)")
	}
	if cfg.Auth.AppPassword == "" {
		log.Fatal("app password not set (APP_PASSWORD)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adv, err := advisor.New(ctx, cfg.Advisor.APIKey, cfg.Advisor.Model, advisor.Stores{
		Prices:    db,
		Analyses:  db,
		Portfolio: db,
		Settings:  db,
		Chat:      db,
		Macros:    db,
	}, logger)
	if err != nil {
		log.Fatalf("creating advisor: %v", err)
	}
	defer adv.Close()

	// Delivery and export.
	telegram := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	push := notify.NewAPNs(cfg.Push.KeyPath, cfg.Push.KeyID, cfg.Push.TeamID, cfg.Push.BundleID, cfg.Push.Sandbox)
	notifier := notify.NewNotifier(telegram, push, db, db, logger)
	exporter := export.NewExporter(cfg.Sheets.CredentialsPath, cfg.Sheets.SpreadsheetID, cfg.Sheets.DriveFolderID)

	sessions := auth.NewSessions(cfg.Auth.AppPassword, cfg.Auth.SessionSecret, cfg.Auth.SessionTTL())

	srv := httpapi.NewServer(httpapi.Deps{
		Stores: httpapi.Stores{
			Prices:    db,
			Analyses:  db,
			Macros:    db,
			Portfolio: db,
			Settings:  db,
			Chat:      db,
		},
		Sessions:      sessions,
		Analyst:       adv,
		Refresher:     refresher,
		Macro:         macroFetcher,
		Miners:        minerClient,
		Portfolio:     portfolio.NewService(db, db, db, logger),
		Notifier:      notifier,
		Telegram:      telegram,
		Exporter:      exporter,
		WebhookSecret: cfg.Auth.SessionSecret,
		Log:           logger,
	})

	if url := os.Getenv("TELEGRAM_WEBHOOK_URL"); url != "" && telegram.Configured() {
		if err := telegram.SetWebhook(ctx, url+"/api/telegram/webhook", cfg.Auth.SessionSecret); err != nil {
			logger.Warn("registering telegram webhook", "error", err)
		}
	}

	// Background jobs.
	sched := schedule.New(logger)
	if cfg.Schedule.DailyRefresh != "" {
		err := sched.Add("daily-analysis", cfg.Schedule.DailyRefresh, func(ctx context.Context) error {
			if err := srv.RunDailyAnalysis(ctx); err != nil {
				return err
			}
			trades, err := db.Trades(ctx, "default")
			if err != nil {
				return err
			}
			return archive.WriteTrades(ctx, trades)
		})
		if err != nil {
			log.Fatalf("scheduling daily refresh: %v", err)
		}
	}
	if cfg.Schedule.MacroRefresh != "" {
		err := sched.Add("macro-refresh", cfg.Schedule.MacroRefresh, func(ctx context.Context) error {
			_, err := macroFetcher.Refresh(ctx)
			return err
		})
		if err != nil {
			log.Fatalf("scheduling macro refresh: %v", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("lapio server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
