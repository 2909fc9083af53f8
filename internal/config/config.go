// Package config loads the service configuration from the environment,
// with a best-effort .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	// Bot surface
	BotToken        string
	BotDisabled     bool
	AdminIDs        []int64
	OwnerIDs        []int64
	SuperAdminID    int64
	ReportChannelID int64
	ReportsPerPage  int

	// Storage
	DBPath        string
	HistoryDBPath string

	// AccountsFile optionally seeds the reporting-account pool at startup.
	AccountsFile string

	// Ledger and policy
	ReportCost     int64
	DailyReportCap int

	// Account pool
	AccountWindowLimit int
	AccountWindow      time.Duration
	Cooldown           time.Duration
	FailureThreshold   int

	// Dispatch
	MaxWorkers  int
	RetryLimit  int
	ExecTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	ExecutorURL string

	// Ops server
	OpsAddr       string
	AdminAPIToken string

	// Payments
	UPIVPA   string
	UPIPayee string

	// Alert mail
	SMTPHost   string
	SMTPPort   string
	SMTPUser   string
	SMTPPass   string
	SMTPFrom   string
	AdminEmail string

	// Observability
	MetricsInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BotToken:        os.Getenv("BOT_TOKEN"),
		BotDisabled:     os.Getenv("BOT_DISABLED") == "1",
		AdminIDs:        envIDList("ADMIN_IDS"),
		OwnerIDs:        envIDList("OWNER_IDS"),
		SuperAdminID:    envInt64("SUPER_ADMIN_ID", 0),
		ReportChannelID: envInt64("REPORT_CHANNEL_ID", 0),
		ReportsPerPage:  envInt("REPORTS_PER_PAGE", 10),

		DBPath:        envStr("DB_PATH", "data/vigilo.db"),
		HistoryDBPath: envStr("HISTORY_DB_PATH", "data/history.db"),
		AccountsFile:  os.Getenv("ACCOUNTS_FILE"),

		ReportCost:     envInt64("REPORT_COST", 1),
		DailyReportCap: envInt("DAILY_REPORT_CAP", 20),

		AccountWindowLimit: envInt("ACCOUNT_WINDOW_LIMIT", 10),
		AccountWindow:      envDuration("ACCOUNT_WINDOW", time.Hour),
		Cooldown:           envDuration("COOLDOWN", 15*time.Minute),
		FailureThreshold:   envInt("FAILURE_THRESHOLD", 3),

		MaxWorkers:  envInt("MAX_WORKERS", 4),
		RetryLimit:  envInt("RETRY_LIMIT", 2),
		ExecTimeout: envDuration("EXEC_TIMEOUT", 30*time.Second),
		BackoffBase: envDuration("BACKOFF_BASE", time.Second),
		BackoffMax:  envDuration("BACKOFF_MAX", 30*time.Second),
		ExecutorURL: os.Getenv("EXECUTOR_URL"),

		OpsAddr:       envStr("OPS_ADDR", ":18910"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),

		UPIVPA:   os.Getenv("UPI_VPA"),
		UPIPayee: os.Getenv("UPI_PAYEE"),

		SMTPHost:   os.Getenv("SMTP_HOST"),
		SMTPPort:   envStr("SMTP_PORT", "587"),
		SMTPUser:   os.Getenv("SMTP_USER"),
		SMTPPass:   os.Getenv("SMTP_PASS"),
		SMTPFrom:   os.Getenv("SMTP_FROM"),
		AdminEmail: os.Getenv("ADMIN_EMAIL"),

		MetricsInterval: envDuration("METRICS_INTERVAL", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BotToken == "" && !c.BotDisabled {
		return fmt.Errorf("BOT_TOKEN is required (or set BOT_DISABLED=1)")
	}
	if c.ReportCost < 0 {
		return fmt.Errorf("REPORT_COST must not be negative, got %d", c.ReportCost)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be at least 1, got %d", c.MaxWorkers)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("RETRY_LIMIT must not be negative, got %d", c.RetryLimit)
	}
	if c.AccountWindow <= 0 || c.Cooldown <= 0 || c.ExecTimeout <= 0 {
		return fmt.Errorf("ACCOUNT_WINDOW, COOLDOWN and EXEC_TIMEOUT must be positive durations")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment, using default")
		return fallback
	}
	return d
}

// envIDList parses a comma-separated id list, skipping entries that do not
// parse so one typo does not lock every operator out.
func envIDList(key string) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Warn().Str("key", key).Str("entry", part).Msg("skipping unparseable id")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
