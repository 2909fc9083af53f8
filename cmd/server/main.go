package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/bot"
	"vigilo/internal/config"
	"vigilo/internal/database/boltstore"
	"vigilo/internal/database/sqlitestore"
	"vigilo/internal/email"
	"vigilo/internal/events"
	"vigilo/internal/executor"
	"vigilo/internal/history"
	"vigilo/internal/ledger"
	"vigilo/internal/metrics"
	"vigilo/internal/ops"
	"vigilo/internal/payments"
	"vigilo/internal/policy"
	"vigilo/internal/report"
	"vigilo/internal/tracing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		// Production: JSON logs
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		// Development: pretty console logs
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting vigilo report orchestrator")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Stores: bbolt for operational state, sqlite for the archive.
	store, err := boltstore.Open(boltstore.Options{Path: cfg.DBPath})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer store.Close()
	log.Info().Str("path", cfg.DBPath).Msg("Database opened")

	archive, err := sqlitestore.Open(sqlitestore.Options{Path: cfg.HistoryDBPath})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.HistoryDBPath).Msg("Failed to open history database")
	}
	defer archive.Close()
	log.Info().Str("path", cfg.HistoryDBPath).Msg("History database opened")

	// Event hub fans state changes out to the notifier, recorder, alerter
	// and WebSocket feeds.
	hub := events.NewHub()
	hub.Run(ctx)

	recorder := history.NewRecorder(archive)
	recorder.Run(ctx, hub)

	led := ledger.New(store.LedgerStore())
	led.SetJournal(recorder)

	resolver := policy.NewResolver(policy.Config{
		AdminIDs:     cfg.AdminIDs,
		OwnerIDs:     cfg.OwnerIDs,
		SuperAdminID: cfg.SuperAdminID,
		DailyCap:     cfg.DailyReportCap,
	}, store.TaskStore())

	pool := accounts.NewPool(store.AccountStore(), accounts.Config{
		WindowLimit:      cfg.AccountWindowLimit,
		Window:           cfg.AccountWindow,
		Cooldown:         cfg.Cooldown,
		FailureThreshold: cfg.FailureThreshold,
	}, hub)

	if cfg.AccountsFile != "" {
		seeds, err := loadSeedAccounts(cfg.AccountsFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.AccountsFile).Msg("Failed to load accounts file")
		}
		seedPool(ctx, pool, seeds)
	}

	svc := report.NewService(store.TaskStore(), led, resolver, hub, report.Config{
		Cost: cfg.ReportCost,
	})

	pay := payments.NewService(store.PurchaseStore(), led, payments.Config{
		UPIVPA:   cfg.UPIVPA,
		UPIPayee: cfg.UPIPayee,
	})
	pay.StartExpirySweep(ctx, time.Hour)

	var exec report.Executor
	if cfg.ExecutorURL != "" {
		exec = executor.NewHTTP(cfg.ExecutorURL)
		log.Info().Str("url", cfg.ExecutorURL).Msg("Using HTTP executor")
	} else {
		exec = executor.NewSimulated(0.1, 0.01, 500*time.Millisecond, 0)
		log.Warn().Msg("EXECUTOR_URL not set; using simulated executor")
	}

	dispCfg := report.DefaultDispatchConfig()
	dispCfg.MaxWorkers = cfg.MaxWorkers
	dispCfg.ExecTimeout = cfg.ExecTimeout
	dispCfg.RetryLimit = cfg.RetryLimit
	dispCfg.BackoffBase = cfg.BackoffBase
	dispCfg.BackoffMax = cfg.BackoffMax
	disp := report.NewDispatcher(svc, pool, exec, dispCfg)
	disp.Start(ctx)

	var tgBot *bot.Bot
	if cfg.BotDisabled {
		log.Warn().Msg("Bot disabled; serving the admin API only")
	} else {
		api, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Telegram")
		}
		log.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")

		tgBot = bot.New(api, led, resolver, svc, pool, pay, hub, bot.Config{
			ReportChannelID: cfg.ReportChannelID,
			ReportsPerPage:  cfg.ReportsPerPage,
			NotifyAdminIDs:  cfg.AdminIDs,
		})
		tgBot.Run(ctx)
	}

	smtpPort, err := strconv.Atoi(cfg.SMTPPort)
	if err != nil {
		smtpPort = 587
	}
	alerter := email.NewAlerter(email.NewSender(email.Config{
		Host: cfg.SMTPHost,
		Port: smtpPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}), cfg.AdminEmail, email.DefaultAlertThrottle)
	alerter.Run(ctx, hub)

	metrics.StartCollector(ctx, metrics.StatsSource{
		UserCount: func() int {
			n, err := led.UserCount(context.Background())
			if err != nil {
				return -1
			}
			return n
		},
		QueueDepth: svc.QueueDepth,
		TaskCountByState: func() map[string]int {
			counts, err := svc.CountsByState(context.Background())
			if err != nil {
				return nil
			}
			return counts
		},
		AccountCountByStatus: func() map[string]int {
			list, err := pool.List(context.Background())
			if err != nil {
				return nil
			}
			tally := make(map[string]int)
			for _, acct := range list {
				tally[string(acct.Status)]++
			}
			return tally
		},
		PendingPurchaseCount: func() int {
			pending, err := pay.ListPending(context.Background(), 0)
			if err != nil {
				return -1
			}
			return len(pending)
		},
	}, cfg.MetricsInterval)

	// Reviews made through the admin API are attributed to the strongest
	// configured operator identity.
	reviewerID := cfg.SuperAdminID
	if reviewerID == 0 && len(cfg.AdminIDs) > 0 {
		reviewerID = cfg.AdminIDs[0]
	}
	opsServer := ops.NewServer(ops.Config{
		Addr:       cfg.OpsAddr,
		AdminToken: cfg.AdminAPIToken,
		ReviewerID: reviewerID,
	}, svc, pool, led, pay, recorder, hub)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Ops server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// Intake first, then the workers, then everything that drains.
	if tgBot != nil {
		tgBot.Stop()
	}
	disp.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server shutdown failed")
	}

	hub.Stop()
	alerter.Wait()
	recorder.Wait()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
