package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = accounts.ReportingAccount{ID: "acct-1", SessionRef: "ref-1"}
var testTarget = report.Target{Kind: report.TargetUser, Ref: "@spammer123"}

func TestHTTPExecutor(t *testing.T) {
	t.Run("relays request and decodes outcome", func(t *testing.T) {
		var received executeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(report.Outcome{Success: true})
		}))
		defer srv.Close()

		exec := NewHTTP(srv.URL)
		outcome, err := exec.ExecuteReport(context.Background(), testAccount, testTarget, "spam", "flooding chats")
		require.NoError(t, err)

		assert.True(t, outcome.Success)
		assert.Equal(t, "acct-1", received.AccountID)
		assert.Equal(t, "ref-1", received.SessionRef)
		assert.Equal(t, "user", received.TargetKind)
		assert.Equal(t, "@spammer123", received.TargetRef)
		assert.Equal(t, "spam", received.Reason)
	})

	t.Run("ban signal passes through", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(report.Outcome{Success: false, BanSignal: true, Detail: "peer flood"})
		}))
		defer srv.Close()

		exec := NewHTTP(srv.URL)
		outcome, err := exec.ExecuteReport(context.Background(), testAccount, testTarget, "spam", "")
		require.NoError(t, err)
		assert.True(t, outcome.BanSignal)
		assert.Equal(t, "peer flood", outcome.Detail)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		exec := NewHTTP(srv.URL)
		_, err := exec.ExecuteReport(context.Background(), testAccount, testTarget, "spam", "")
		assert.Error(t, err)
	})

	t.Run("honors context deadline", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer srv.Close()
		defer close(block)

		exec := NewHTTP(srv.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := exec.ExecuteReport(ctx, testAccount, testTarget, "spam", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSimulatedExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("zero rates always succeed", func(t *testing.T) {
		exec := NewSimulated(0, 0, 0, 1)
		for i := 0; i < 20; i++ {
			outcome, err := exec.ExecuteReport(ctx, testAccount, testTarget, "spam", "")
			require.NoError(t, err)
			assert.True(t, outcome.Success)
		}
	})

	t.Run("full failure rate always fails without ban", func(t *testing.T) {
		exec := NewSimulated(1, 0, 0, 1)
		for i := 0; i < 20; i++ {
			outcome, err := exec.ExecuteReport(ctx, testAccount, testTarget, "spam", "")
			require.NoError(t, err)
			assert.False(t, outcome.Success)
			assert.False(t, outcome.BanSignal)
		}
	})

	t.Run("full ban rate always bans", func(t *testing.T) {
		exec := NewSimulated(0, 1, 0, 1)
		outcome, err := exec.ExecuteReport(ctx, testAccount, testTarget, "spam", "")
		require.NoError(t, err)
		assert.True(t, outcome.BanSignal)
	})

	t.Run("latency respects cancellation", func(t *testing.T) {
		exec := NewSimulated(0, 0, time.Minute, 1)
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := exec.ExecuteReport(ctx, testAccount, testTarget, "spam", "")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
