// Package executor performs the external work behind a job by posting its
// payload to an execution service.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scarson/paidqueue/internal/queue"
)

// maxResponseBytes caps how much of an executor response is read.
const maxResponseBytes = 1 << 20

// Request is the body posted to the executor.
type Request struct {
	JobID     string          `json:"job_id"`
	AccountID string          `json:"account_id"`
	Label     string          `json:"payload_label"`
	Payload   json.RawMessage `json:"payload"`
}

// Response is the executor's reply.
type Response struct {
	ResultURLs []string `json:"result_urls"`
	Error      string   `json:"error,omitempty"`
}

// HTTP posts jobs to a single executor endpoint.
type HTTP struct {
	client *http.Client
	url    string
}

// NewHTTP returns an executor for url. The executor usually runs on a
// private network, so client is a plain client with a timeout rather than
// the SSRF-safe notification client.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{client: &http.Client{Timeout: timeout}, url: url}
}

// Execute implements worker.Handler.
func (e *HTTP) Execute(ctx context.Context, job *queue.JobRecord) ([]string, error) {
	body, err := json.Marshal(Request{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Label:     job.PayloadLabel,
		Payload:   job.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal executor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req) //nolint:gosec // G107: executor URL comes from operator config
	if err != nil {
		return nil, fmt.Errorf("executor POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read executor response: %w", err)
	}
	var out Response
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != "" {
			return nil, fmt.Errorf("executor: status %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("executor: unexpected status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode executor response: %w", decodeErr)
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return out.ResultURLs, nil
}
