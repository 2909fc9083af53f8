package ops_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/database/boltstore"
	"vigilo/internal/database/sqlitestore"
	"vigilo/internal/events"
	"vigilo/internal/executor"
	"vigilo/internal/history"
	"vigilo/internal/ledger"
	"vigilo/internal/ops"
	"vigilo/internal/payments"
	"vigilo/internal/policy"
	"vigilo/internal/report"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/ptdewey/shutter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "test-ops-token"
	opsUser    = int64(100)
	opsAdmin   = int64(900)
)

type opsEnv struct {
	handler http.Handler
	hub     *events.Hub
	led     *ledger.Ledger
	pool    *accounts.Pool
	pay     *payments.Service
	svc     *report.Service
	rec     *history.Recorder
}

func newOpsEnv(t *testing.T) *opsEnv {
	t.Helper()

	dir := t.TempDir()
	db, err := boltstore.Open(boltstore.Options{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	archive, err := sqlitestore.Open(sqlitestore.Options{Path: filepath.Join(dir, "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	hub.Run(ctx)

	led := ledger.New(db.LedgerStore())
	resolver := policy.NewResolver(policy.Config{
		AdminIDs: []int64{opsAdmin},
		DailyCap: 20,
	}, db.TaskStore())
	pool := accounts.NewPool(db.AccountStore(), accounts.Config{}, hub)
	svc := report.NewService(db.TaskStore(), led, resolver, hub, report.Config{Cost: 1})
	pay := payments.NewService(db.PurchaseStore(), led, payments.Config{UPIVPA: "vigilo@upi"})
	rec := history.NewRecorder(archive)
	rec.Run(ctx, hub)

	srv := ops.NewServer(ops.Config{
		Addr:       ":0",
		AdminToken: adminToken,
		ReviewerID: opsAdmin,
	}, svc, pool, led, pay, rec, hub)

	t.Cleanup(func() {
		cancel()
		hub.Stop()
		rec.Wait()
	})

	return &opsEnv{
		handler: srv.Handler(),
		hub:     hub,
		led:     led,
		pool:    pool,
		pay:     pay,
		svc:     svc,
		rec:     rec,
	}
}

// do performs an authenticated request against the full middleware chain.
func (e *opsEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *opsEnv) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := e.led.Credit(context.Background(), userID, amount, "test funding")
	require.NoError(t, err)
}

func (e *opsEnv) submit(t *testing.T, userID int64, ref string) *report.ReportTask {
	t.Helper()
	task, err := e.svc.Submit(context.Background(), report.SubmitRequest{
		UserID: userID,
		Target: report.Target{Kind: report.TargetUser, Ref: ref},
		Reason: "spam",
	})
	require.NoError(t, err)
	return task
}

func (e *opsEnv) startDispatcher(t *testing.T, exec report.Executor) {
	t.Helper()
	cfg := report.DefaultDispatchConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	disp := report.NewDispatcher(e.svc, e.pool, exec, cfg)
	disp.Start(context.Background())
	t.Cleanup(disp.Stop)
}

func (e *opsEnv) waitState(t *testing.T, taskID string, want report.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := e.svc.GetTask(context.Background(), taskID)
		return err == nil && task.State == want
	}, 3*time.Second, 10*time.Millisecond)
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthzAndMetricsOpen(t *testing.T) {
	env := newOpsEnv(t)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestAdminAPIAuth(t *testing.T) {
	env := newOpsEnv(t)

	t.Run("rejects missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/admin/stats", nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/admin/stats", nil)
		req.Header.Set("Authorization", "Bearer not-the-token")
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("accepts configured token", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestStatsEndpoint(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.fund(t, opsUser, 5)
	env.submit(t, opsUser, "@spam_one")
	env.submit(t, opsUser, "@spam_two")
	_, err := env.pool.Add(ctx, "acct-1", "sessions/acct-1.session")
	require.NoError(t, err)
	_, err = env.pay.Begin(ctx, opsUser, "basic", payments.MethodUPI)
	require.NoError(t, err)

	w := env.do(t, "GET", "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats := decodeJSON[map[string]any](t, w)
	tasks, ok := stats["tasks"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2, tasks["queued"], 0)
	assert.InDelta(t, 2, stats["queue_depth"], 0)
	accts, ok := stats["accounts"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 1, accts["active"], 0)
	assert.InDelta(t, 1, stats["users"], 0)
	assert.InDelta(t, 1, stats["pending_purchases"], 0)
}

func TestTaskEndpoints(t *testing.T) {
	env := newOpsEnv(t)

	env.fund(t, opsUser, 5)
	task := env.submit(t, opsUser, "@spam_account")

	t.Run("list by state", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks?state=queued", nil)
		require.Equal(t, http.StatusOK, w.Code)
		tasks := decodeJSON[[]report.ReportTask](t, w)
		require.Len(t, tasks, 1)
		assert.Equal(t, task.ID, tasks[0].ID)
	})

	t.Run("list by user", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks?user=100", nil)
		require.Equal(t, http.StatusOK, w.Code)
		tasks := decodeJSON[[]report.ReportTask](t, w)
		require.Len(t, tasks, 1)
	})

	t.Run("requires a filter", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks?state=melting", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unknown state")
	})

	t.Run("get by id", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks/"+task.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeJSON[report.ReportTask](t, w)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, report.StateQueued, got.State)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/tasks/nope", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTaskReviewEndpoints(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	_, err := env.pool.Add(ctx, "acct-1", "sessions/acct-1.session")
	require.NoError(t, err)
	env.startDispatcher(t, executor.NewSimulated(0, 0, time.Millisecond, 1))

	env.fund(t, opsUser, 5)
	done := env.submit(t, opsUser, "@spam_done")
	env.waitState(t, done.ID, report.StateCompleted)

	t.Run("approve completed task", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/tasks/"+done.ID+"/approve", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeJSON[report.ReportTask](t, w)
		assert.Equal(t, report.StateReviewed, got.State)
		assert.Equal(t, opsAdmin, got.ReviewedBy)
	})

	t.Run("double approve conflicts", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/tasks/"+done.ID+"/approve", nil)
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("reject refunds a queued task", func(t *testing.T) {
		// Ban the only account so the next submission stays queued.
		require.NoError(t, env.pool.Disable(ctx, "acct-1", "test"))
		before, err := env.led.Balance(ctx, opsUser)
		require.NoError(t, err)

		queued := env.submit(t, opsUser, "@spam_queued")

		w := env.do(t, "POST", "/api/admin/tasks/"+queued.ID+"/reject", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeJSON[report.ReportTask](t, w)
		assert.Equal(t, report.StateRejected, got.State)

		after, err := env.led.Balance(ctx, opsUser)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("reject unknown task is 404", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/tasks/nope/reject", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAccountEndpoints(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	addBody := `{"id":"acct-1","session_ref":"sessions/acct-1.session"}`

	t.Run("add", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/accounts", strings.NewReader(addBody))
		require.Equal(t, http.StatusCreated, w.Code)
		acct := decodeJSON[accounts.ReportingAccount](t, w)
		assert.Equal(t, "acct-1", acct.ID)
		assert.Equal(t, accounts.StatusActive, acct.Status)
	})

	t.Run("duplicate add conflicts", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/accounts", strings.NewReader(addBody))
		require.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/accounts", strings.NewReader(`{"id":"acct-2"}`))
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/accounts", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decodeJSON[[]accounts.ReportingAccount](t, w)
		require.Len(t, list, 1)
	})

	t.Run("disable with reason", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/accounts/acct-1/disable", strings.NewReader(`{"reason":"flaky proxy"}`))
		require.Equal(t, http.StatusNoContent, w.Code)

		acct, err := env.pool.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, accounts.StatusDisabled, acct.Status)
		assert.Equal(t, "flaky proxy", acct.StatusReason)
	})

	t.Run("enable", func(t *testing.T) {
		w := env.do(t, "POST", "/api/admin/accounts/acct-1/enable", nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		acct, err := env.pool.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, accounts.StatusActive, acct.Status)
	})

	t.Run("remove", func(t *testing.T) {
		w := env.do(t, "DELETE", "/api/admin/accounts/acct-1", nil)
		require.Equal(t, http.StatusNoContent, w.Code)

		w = env.do(t, "DELETE", "/api/admin/accounts/acct-1", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUserEndpoint(t *testing.T) {
	env := newOpsEnv(t)

	env.fund(t, opsUser, 5)
	env.submit(t, opsUser, "@spam_account")

	w := env.do(t, "GET", "/api/admin/users/100", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		User         ledger.User               `json:"user"`
		Transactions []ledger.TokenTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, opsUser, resp.User.ID)
	assert.Equal(t, int64(4), resp.User.Balance)
	assert.NotEmpty(t, resp.Transactions)

	t.Run("unknown user is 404", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/users/424242", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("non-numeric id rejected", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/users/bob", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPurchasesEndpoint(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	p, err := env.pay.Begin(ctx, opsUser, "basic", payments.MethodUPI)
	require.NoError(t, err)

	w := env.do(t, "GET", "/api/admin/purchases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decodeJSON[[]payments.Purchase](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, p.ID, pending[0].ID)
}

func TestHistoryAndExportEndpoints(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.hub.Publish(events.Event{Type: events.TaskCompleted, TaskID: "t-1", UserID: 7, AccountID: "acct-1", State: "completed"})
	env.hub.Publish(events.Event{Type: events.TaskFailed, TaskID: "t-2", UserID: 8, State: "failed", Detail: "timeout"})

	require.Eventually(t, func() bool {
		tasks, _, err := env.rec.Counts(ctx)
		return err == nil && tasks == 2
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("history filters by user", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/history?user=7", nil)
		require.Equal(t, http.StatusOK, w.Code)
		entries := decodeJSON[[]history.TaskEntry](t, w)
		require.Len(t, entries, 1)
		assert.Equal(t, "t-1", entries[0].TaskID)
	})

	t.Run("history rejects bad since", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/history?since=yesterday", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("export streams compressed archive", func(t *testing.T) {
		w := env.do(t, "GET", "/api/admin/export", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

		dec, err := zstd.NewReader(bytes.NewReader(w.Body.Bytes()))
		require.NoError(t, err)
		defer dec.Close()

		var lines int
		scanner := bufio.NewScanner(dec)
		for scanner.Scan() {
			var entry map[string]any
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			assert.Equal(t, "task", entry["type"])
			assert.NotEmpty(t, entry["task"])
			lines++
		}
		require.NoError(t, scanner.Err())
		assert.Equal(t, 2, lines)
	})
}

func TestEventsWebSocket(t *testing.T) {
	env := newOpsEnv(t)

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/events"

	t.Run("rejects missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("streams published events", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + adminToken}}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		env.hub.Publish(events.Event{Type: events.TaskQueued, TaskID: "t-ws", UserID: 7, State: "queued", At: time.Now()})

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var got events.Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, events.TaskQueued, got.Type)
		assert.Equal(t, "t-ws", got.TaskID)
	})
}

// TestStatsSnapshot pins the admin stats response shape.
func TestStatsSnapshot(t *testing.T) {
	env := newOpsEnv(t)
	ctx := context.Background()

	env.fund(t, opsUser, 5)
	env.submit(t, opsUser, "@spam_account")
	_, err := env.pool.Add(ctx, "acct-1", "sessions/acct-1.session")
	require.NoError(t, err)

	w := env.do(t, "GET", "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// ws_clients and events_dropped read process-global metrics that other
	// tests in this package may have touched.
	shutter.SnapJSON(t, "admin_stats", w.Body.String(),
		shutter.ScrubTimestamp(),
		shutter.IgnoreKey("generated_at"),
		shutter.IgnoreKey("ws_clients"),
		shutter.IgnoreKey("events_dropped"),
	)
}
