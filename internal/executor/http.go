package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/report"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTP relays execution requests to an external reporter service. The
// service holds the MTProto sessions; this process only hands it the opaque
// session reference and the target.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP executor for the given endpoint URL.
func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: url,
		client: &http.Client{
			// Per-call deadlines come from ctx; this is a hard upper bound.
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type executeRequest struct {
	AccountID  string `json:"account_id"`
	SessionRef string `json:"session_ref"`
	TargetKind string `json:"target_kind"`
	TargetRef  string `json:"target_ref"`
	Reason     string `json:"reason"`
	Comment    string `json:"comment,omitempty"`
}

// ExecuteReport POSTs the execution request and decodes the outcome.
// Transport and decode failures are returned as errors; the dispatcher
// treats them as failed attempts.
func (h *HTTP) ExecuteReport(ctx context.Context, acct accounts.ReportingAccount, target report.Target, reason, comment string) (report.Outcome, error) {
	payload, err := json.Marshal(executeRequest{
		AccountID:  acct.ID,
		SessionRef: acct.SessionRef,
		TargetKind: string(target.Kind),
		TargetRef:  target.Ref,
		Reason:     reason,
		Comment:    comment,
	})
	if err != nil {
		return report.Outcome{}, fmt.Errorf("failed to marshal execution request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return report.Outcome{}, fmt.Errorf("failed to build execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return report.Outcome{}, fmt.Errorf("execution request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return report.Outcome{}, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var outcome report.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return report.Outcome{}, fmt.Errorf("failed to decode execution outcome: %w", err)
	}
	return outcome, nil
}
