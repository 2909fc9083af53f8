package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_DISABLED", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/vigilo.db", cfg.DBPath)
	assert.Equal(t, "data/history.db", cfg.HistoryDBPath)
	assert.Equal(t, int64(1), cfg.ReportCost)
	assert.Equal(t, 20, cfg.DailyReportCap)
	assert.Equal(t, 10, cfg.AccountWindowLimit)
	assert.Equal(t, time.Hour, cfg.AccountWindow)
	assert.Equal(t, 15*time.Minute, cfg.Cooldown)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 2, cfg.RetryLimit)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.BackoffMax)
	assert.Equal(t, ":18910", cfg.OpsAddr)
	assert.Equal(t, 10, cfg.ReportsPerPage)
	assert.Equal(t, 30*time.Second, cfg.MetricsInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("REPORT_COST", "3")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("COOLDOWN", "5m")
	t.Setenv("EXEC_TIMEOUT", "10s")
	t.Setenv("SUPER_ADMIN_ID", "777")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.BotToken)
	assert.False(t, cfg.BotDisabled)
	assert.Equal(t, int64(3), cfg.ReportCost)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.ExecTimeout)
	assert.Equal(t, int64(777), cfg.SuperAdminID)
}

func TestLoadIDLists(t *testing.T) {
	t.Setenv("BOT_DISABLED", "1")
	t.Setenv("ADMIN_IDS", "100, 200,abc,300")
	t.Setenv("OWNER_IDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 200, 300}, cfg.AdminIDs)
	assert.Nil(t, cfg.OwnerIDs)
}

func TestLoadValidation(t *testing.T) {
	t.Run("bot token required", func(t *testing.T) {
		t.Setenv("BOT_TOKEN", "")
		t.Setenv("BOT_DISABLED", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BOT_TOKEN")
	})

	t.Run("negative cost rejected", func(t *testing.T) {
		t.Setenv("BOT_DISABLED", "1")
		t.Setenv("REPORT_COST", "-1")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REPORT_COST")
	})

	t.Run("zero workers rejected", func(t *testing.T) {
		t.Setenv("BOT_DISABLED", "1")
		t.Setenv("MAX_WORKERS", "0")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MAX_WORKERS")
	})

	t.Run("bad numbers fall back to defaults", func(t *testing.T) {
		t.Setenv("BOT_DISABLED", "1")
		t.Setenv("DAILY_REPORT_CAP", "lots")
		t.Setenv("ACCOUNT_WINDOW", "soon")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.DailyReportCap)
		assert.Equal(t, time.Hour, cfg.AccountWindow)
	})
}
