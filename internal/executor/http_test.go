package executor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/paidqueue/internal/executor"
	"github.com/scarson/paidqueue/internal/queue"
)

func job() *queue.JobRecord {
	return &queue.JobRecord{
		ID:           "job-1",
		AccountID:    "acct",
		PayloadLabel: "txt2img",
		Payload:      json.RawMessage(`{"prompt":"a cat"}`),
	}
}

func TestExecute_ReturnsResultURLs(t *testing.T) {
	t.Parallel()
	var got executor.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(executor.Response{ResultURLs: []string{"https://cdn/a.png"}})
	}))
	defer srv.Close()

	urls, err := executor.NewHTTP(srv.URL, 5*time.Second).Execute(context.Background(), job())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/a.png"}, urls)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "txt2img", got.Label)
	assert.JSONEq(t, `{"prompt":"a cat"}`, string(got.Payload))
}

func TestExecute_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "status with message", status: 500, body: `{"error":"out of VRAM"}`, wantErr: "out of VRAM"},
		{name: "status without body", status: 502, body: ``, wantErr: "502"},
		{name: "ok with error field", status: 200, body: `{"error":"bad workflow"}`, wantErr: "bad workflow"},
		{name: "ok with garbage", status: 200, body: `<html>`, wantErr: "decode executor response"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := executor.NewHTTP(srv.URL, 5*time.Second).Execute(context.Background(), job())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
