package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/history"
	"vigilo/internal/ledger"
	"vigilo/internal/payments"
	"vigilo/internal/policy"
	"vigilo/internal/report"

	"vigilo/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// writeJSON encodes and writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps engine errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, report.ErrTaskNotFound),
		errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, payments.ErrPurchaseNotFound),
		errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, report.ErrStateConflict),
		errors.Is(err, accounts.ErrAccountExists),
		errors.Is(err, accounts.ErrInvalidTransition),
		errors.Is(err, payments.ErrPurchaseSettled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNoPermission):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		log.Error().Err(err).Msg("admin api request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse aggregates engine counters for dashboards.
type statsResponse struct {
	Tasks              map[string]int `json:"tasks"`
	QueueDepth         int            `json:"queue_depth"`
	Accounts           map[string]int `json:"accounts"`
	Users              int            `json:"users"`
	PendingPurchases   int            `json:"pending_purchases"`
	ArchivedTasks      int            `json:"archived_tasks"`
	ArchivedLedgerRows int            `json:"archived_ledger_rows"`
	WSClients          int            `json:"ws_clients"`
	EventsDropped      int            `json:"events_dropped"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// getGaugeValue reads the current value of a prometheus.Gauge.
func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	if m.Gauge != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

// getCounterValue reads the current value of a prometheus.Counter.
func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	resp.QueueDepth = s.reports.QueueDepth()
	resp.WSClients = int(getGaugeValue(metrics.WSClients))
	resp.EventsDropped = int(getCounterValue(metrics.EventsDroppedTotal))
	resp.GeneratedAt = time.Now().UTC()

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		counts, err := s.reports.CountsByState(ctx)
		if err != nil {
			return fmt.Errorf("failed to count tasks: %w", err)
		}
		resp.Tasks = counts
		return nil
	})
	g.Go(func() error {
		list, err := s.pool.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		tally := make(map[string]int)
		for _, acct := range list {
			tally[string(acct.Status)]++
		}
		resp.Accounts = tally
		return nil
	})
	g.Go(func() error {
		n, err := s.led.UserCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count users: %w", err)
		}
		resp.Users = n
		return nil
	})
	g.Go(func() error {
		pending, err := s.payments.ListPending(ctx, 0)
		if err != nil {
			return fmt.Errorf("failed to list pending purchases: %w", err)
		}
		resp.PendingPurchases = len(pending)
		return nil
	})
	g.Go(func() error {
		tasks, rows, err := s.archive.Counts(ctx)
		if err != nil {
			return fmt.Errorf("failed to count archive: %w", err)
		}
		resp.ArchivedTasks = tasks
		resp.ArchivedLedgerRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	if raw := r.URL.Query().Get("user"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user must be a numeric id")
			return
		}
		tasks, err := s.reports.ListByUser(r.Context(), userID, limit, queryInt(r, "offset", 0))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}

	raw := r.URL.Query().Get("state")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "state or user query parameter required")
		return
	}
	state := report.TaskState(raw)
	valid := false
	for _, known := range report.AllStates() {
		if state == known {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
		return
	}

	tasks, err := s.reports.ListByState(r.Context(), state, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.reports.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskApprove(w http.ResponseWriter, r *http.Request) {
	task, err := s.reports.Approve(r.Context(), s.cfg.ReviewerID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskReject(w http.ResponseWriter, r *http.Request) {
	task, err := s.reports.Reject(r.Context(), s.cfg.ReviewerID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	list, err := s.pool.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type accountAddRequest struct {
	ID         string `json:"id"`
	SessionRef string `json:"session_ref"`
}

func (s *Server) handleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var req accountAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.SessionRef == "" {
		writeError(w, http.StatusBadRequest, "id and session_ref are required")
		return
	}
	acct, err := s.pool.Add(r.Context(), req.ID, req.SessionRef)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleAccountRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccountDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a missing reason is fine.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.pool.Disable(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccountEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Enable(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userResponse struct {
	User         *ledger.User             `json:"user"`
	Transactions []ledger.TokenTransaction `json:"transactions"`
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user id must be numeric")
		return
	}

	var resp userResponse
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		user, err := s.led.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		resp.User = user
		return nil
	})
	g.Go(func() error {
		txns, err := s.led.History(ctx, userID, queryInt(r, "limit", 50))
		if err != nil {
			return fmt.Errorf("failed to load transactions: %w", err)
		}
		resp.Transactions = txns
		return nil
	})
	if err := g.Wait(); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	pending, err := s.payments.ListPending(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f := history.Filter{
		State: r.URL.Query().Get("state"),
		Limit: queryInt(r, "limit", 50),
	}
	if raw := r.URL.Query().Get("user"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user must be a numeric id")
			return
		}
		f.UserID = userID
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = ts
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC 3339")
			return
		}
		f.Until = ts
	}

	entries, err := s.archive.Tasks(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("vigilo-archive-%s.jsonl.zst", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.archive.Export(r.Context(), w); err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		log.Error().Err(err).Msg("failed to stream archive export")
	}
}
