package report_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/events"
	"vigilo/internal/ledger"
	"vigilo/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestDispatchCompletesTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-1")

	eventCh, cancelSub := env.hub.Subscribe(16)
	defer cancelSub()

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	done := env.waitState(t, task.ID, report.StateCompleted)
	assert.Equal(t, "acct-1", done.AccountID)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, done.FailureReason)

	// The token is spent: reservation committed, balance stays debited.
	res, err := env.db.LedgerStore().GetReservation(ctx, task.ReservationID)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, ledger.SettlementCommitted, res.Settlement)
	assert.Equal(t, int64(4), env.balance(t, testRequester))

	// The account picked up the usage.
	acct, err := env.pool.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.WindowCount)
	assert.False(t, acct.LastUsedAt.IsZero())
	assert.Equal(t, 0, acct.ConsecutiveFailures)

	// Lifecycle events arrive in order.
	assert.Equal(t, events.TaskQueued, recvEvent(t, eventCh).Type)
	assert.Equal(t, events.TaskExecuting, recvEvent(t, eventCh).Type)
	completed := recvEvent(t, eventCh)
	assert.Equal(t, events.TaskCompleted, completed.Type)
	assert.Equal(t, task.ID, completed.TaskID)
	assert.Equal(t, testRequester, completed.UserID)
}

func TestDispatchRetriesOnDifferentAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-a")
	env.addAccount(t, "acct-b")

	// First attempt fails, second succeeds.
	env.exec.outcome = func(_ context.Context, call int, acct accounts.ReportingAccount) (report.Outcome, error) {
		if call == 0 {
			return report.Outcome{Detail: "target unreachable"}, nil
		}
		return report.Outcome{Success: true}, nil
	}

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	done := env.waitState(t, task.ID, report.StateCompleted)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, []string{"acct-a"}, done.Excluded)
	assert.Equal(t, "acct-b", done.AccountID)
	assert.Equal(t, []string{"acct-a", "acct-b"}, env.exec.accountCalls())

	// Retries keep the reservation open until the final outcome.
	res, err := env.db.LedgerStore().GetReservation(ctx, task.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SettlementCommitted, res.Settlement)
	assert.Equal(t, int64(4), env.balance(t, testRequester))
}

func TestDispatchExhaustsRetriesAndRefundsOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-a")
	env.addAccount(t, "acct-b")
	env.addAccount(t, "acct-c")

	env.exec.outcome = func(_ context.Context, call int, acct accounts.ReportingAccount) (report.Outcome, error) {
		return report.Outcome{Detail: "flood wait"}, nil
	}

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	done := env.waitState(t, task.ID, report.StateFailed)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, "flood wait", done.FailureReason)
	assert.ElementsMatch(t, []string{"acct-a", "acct-b", "acct-c"}, done.Excluded)

	// Exactly one refund: the balance is whole again and stays that way.
	assert.Equal(t, int64(5), env.balance(t, testRequester))
	res, err := env.db.LedgerStore().GetReservation(ctx, task.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SettlementRefunded, res.Settlement)

	err = env.led.Refund(ctx, task.ReservationID)
	require.ErrorIs(t, err, ledger.ErrAlreadySettled)
	assert.Equal(t, int64(5), env.balance(t, testRequester))
}

func TestDispatchTimeoutFailsTask(t *testing.T) {
	ctx := context.Background()
	cfg := defaultEnvConfig()
	cfg.dispatch.ExecTimeout = 50 * time.Millisecond
	cfg.dispatch.RetryLimit = 0
	env := newTestEnv(t, cfg)
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-1")

	env.exec.outcome = func(execCtx context.Context, call int, acct accounts.ReportingAccount) (report.Outcome, error) {
		<-execCtx.Done()
		return report.Outcome{}, execCtx.Err()
	}

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	done := env.waitState(t, task.ID, report.StateFailed)
	assert.Equal(t, report.ReasonTimeout, done.FailureReason)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, int64(5), env.balance(t, testRequester))
}

func TestDispatchBanSignalBansAccount(t *testing.T) {
	ctx := context.Background()
	cfg := defaultEnvConfig()
	cfg.dispatch.RetryLimit = 0
	env := newTestEnv(t, cfg)
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-1")

	env.exec.outcome = func(_ context.Context, call int, acct accounts.ReportingAccount) (report.Outcome, error) {
		return report.Outcome{BanSignal: true, Detail: "account deactivated"}, nil
	}

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	env.waitState(t, task.ID, report.StateFailed)

	acct, err := env.pool.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusBanned, acct.Status)
	assert.Equal(t, "account deactivated", acct.StatusReason)
}

func TestDispatchWaitsForAccountAvailability(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)

	env.startDispatcher(t)

	// No accounts at all: the task must stay queued, consuming no attempts.
	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	pending, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StateQueued, pending.State)
	assert.Equal(t, 0, pending.Attempts)

	// As soon as an account appears, the backoff re-enqueue picks it up.
	env.addAccount(t, "acct-1")
	env.waitState(t, task.ID, report.StateCompleted)
}

func TestDispatchSkipsRejectedTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	// Reject while no account can pick it up.
	_, err = env.svc.Reject(ctx, testAdmin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), env.balance(t, testRequester))

	// An account arriving later must not resurrect the task.
	env.addAccount(t, "acct-1")
	time.Sleep(150 * time.Millisecond)

	final, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StateRejected, final.State)
	assert.Empty(t, env.exec.accountCalls())
}

func TestStartupSweepRecoversPersistedTasks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultEnvConfig())
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-1")

	// Simulate a task persisted by a previous process: it exists in the
	// store but was never handed to this dispatcher's channel.
	res, err := env.led.Reserve(ctx, testRequester, "recovered", 1)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, env.db.TaskStore().CreateTask(ctx, report.ReportTask{
		ID:            "recovered",
		UserID:        testRequester,
		Target:        report.Target{Kind: report.TargetUser, Ref: "@spam_account"},
		Reason:        "spam",
		State:         report.StateQueued,
		ReservationID: res.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	env.startDispatcher(t)

	env.waitState(t, "recovered", report.StateCompleted)
	stored, err := env.db.LedgerStore().GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SettlementCommitted, stored.Settlement)
}

func TestDispatchErrorOutcomeUsesErrorText(t *testing.T) {
	ctx := context.Background()
	cfg := defaultEnvConfig()
	cfg.dispatch.RetryLimit = 0
	env := newTestEnv(t, cfg)
	env.fund(t, testRequester, 5)
	env.addAccount(t, "acct-1")

	env.exec.outcome = func(_ context.Context, call int, acct accounts.ReportingAccount) (report.Outcome, error) {
		return report.Outcome{}, errors.New("relay unavailable")
	}

	env.startDispatcher(t)

	task, err := env.svc.Submit(ctx, submitReq(testRequester))
	require.NoError(t, err)

	done := env.waitState(t, task.ID, report.StateFailed)
	assert.Equal(t, "relay unavailable", done.FailureReason)
	assert.Equal(t, int64(5), env.balance(t, testRequester))
}
