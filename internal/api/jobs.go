package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/paidqueue/internal/auth"
	"github.com/scarson/paidqueue/internal/notify"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/submit"
	"github.com/scarson/paidqueue/internal/worker"
)

// registerJobRoutes wires the job endpoints.
//
//	POST /jobs               submit (producer)
//	GET  /jobs/stale         list processing jobs (admin)
//	GET  /jobs/{id}          read one job (any role)
//	POST /jobs/claim         claim the next job (worker, chi: 204 when empty)
//	POST /jobs/{id}/resolve  report a terminal outcome (worker)
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a job",
		Description:   "Charges the account and enqueues the job at the account's priority tier.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, srv.submitJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-stale-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs/stale",
		Summary:     "List processing jobs",
		Description: "Returns jobs in processing state, oldest claim first, optionally only those claimed before a cutoff.",
		Tags:        []string{"Jobs"},
	}, srv.listStaleJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "resolve-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/resolve",
		Summary:     "Resolve a job",
		Description: "Moves a processing job to a terminal status. Resolving a job that is already terminal is a no-op.",
		Tags:        []string{"Jobs"},
	}, srv.resolveJobHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	ChannelID       string     `json:"channel_id,omitempty"`
	OriginMessageID string     `json:"origin_message_id,omitempty"`
	Payload         any        `json:"payload"`
	PayloadLabel    string     `json:"payload_label,omitempty"`
	Status          string     `json:"status" enum:"pending,processing,completed,failed,refunded,canceled"`
	Priority        int        `json:"priority"`
	Cost            int64      `json:"cost"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ResultURLs      []string   `json:"result_urls,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func toJobResponse(j *queue.JobRecord) JobResponse {
	var payload any
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			payload = nil
		}
	}
	return JobResponse{
		ID:              j.ID,
		AccountID:       j.AccountID,
		ChannelID:       j.ChannelID,
		OriginMessageID: j.OriginMessageID,
		Payload:         payload,
		PayloadLabel:    j.PayloadLabel,
		Status:          j.Status.String(),
		Priority:        j.Priority,
		Cost:            j.Cost,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		ResultURLs:      j.ResultURLs,
		ErrorMessage:    j.ErrorMessage,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

type submitJobInput struct {
	Body struct {
		AccountID       string `json:"account_id"                  minLength:"1" doc:"Account charged for the job"`
		ChannelID       string `json:"channel_id,omitempty"                      doc:"Where results are delivered"`
		OriginMessageID string `json:"origin_message_id,omitempty"               doc:"Message that triggered the job"`
		Payload         any    `json:"payload"                                   doc:"Opaque job input, any JSON value"`
		PayloadLabel    string `json:"payload_label,omitempty"     maxLength:"64" doc:"Short label used for metrics"`
		Cost            int64  `json:"cost,omitempty"              minimum:"0"   doc:"Points to charge; never below the default cost"`
	}
}

type submitJobOutput struct {
	Body struct {
		ID string `json:"id"`
	}
}

func (srv *Server) submitJobHandler(ctx context.Context, input *submitJobInput) (*submitJobOutput, error) {
	if err := authorize(ctx, auth.RoleProducer); err != nil {
		return nil, err
	}
	if input.Body.Payload == nil {
		return nil, huma.Error400BadRequest("payload is required")
	}
	raw, err := json.Marshal(input.Body.Payload)
	if err != nil {
		return nil, huma.Error400BadRequest("payload is not serializable")
	}
	id, err := srv.deps.Submitter.Submit(ctx, submit.Request{
		AccountID:       input.Body.AccountID,
		ChannelID:       input.Body.ChannelID,
		OriginMessageID: input.Body.OriginMessageID,
		Payload:         raw,
		PayloadLabel:    input.Body.PayloadLabel,
		Cost:            input.Body.Cost,
	})
	if err != nil {
		return nil, toHTTPError(ctx, "submit job", err)
	}
	out := &submitJobOutput{}
	out.Body.ID = id
	return out, nil
}

// ── Get ───────────────────────────────────────────────────────────────────────

type getJobInput struct {
	ID string `path:"id" minLength:"1"`
}

type jobOutput struct {
	Body JobResponse
}

func (srv *Server) getJobHandler(ctx context.Context, input *getJobInput) (*jobOutput, error) {
	if err := authorize(ctx, auth.RoleProducer, auth.RoleWorker); err != nil {
		return nil, err
	}
	j, err := srv.deps.Queue.Get(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "get job", err)
	}
	return &jobOutput{Body: toJobResponse(j)}, nil
}

// ── Stale listing ─────────────────────────────────────────────────────────────

type listStaleJobsInput struct {
	OlderThanSeconds int `query:"older_than_seconds" minimum:"0" doc:"Only jobs claimed at least this long ago; 0 lists every processing job"`
}

type listStaleJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

func (srv *Server) listStaleJobsHandler(ctx context.Context, input *listStaleJobsInput) (*listStaleJobsOutput, error) {
	if err := authorize(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	jobs, err := srv.deps.Queue.ListStaleProcessing(ctx)
	if err != nil {
		return nil, toHTTPError(ctx, "list stale jobs", err)
	}
	cutoff := srv.now().Add(-time.Duration(input.OlderThanSeconds) * time.Second)
	out := &listStaleJobsOutput{}
	out.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		if input.OlderThanSeconds > 0 && (j.StartedAt == nil || j.StartedAt.After(cutoff)) {
			continue
		}
		out.Body.Jobs = append(out.Body.Jobs, toJobResponse(j))
	}
	return out, nil
}

// ── Resolve ───────────────────────────────────────────────────────────────────

type resolveJobInput struct {
	ID   string `path:"id" minLength:"1"`
	Body struct {
		Status       string   `json:"status"                  enum:"completed,failed,refunded,canceled"`
		ResultURLs   []string `json:"result_urls,omitempty"   doc:"Result locations, for completed jobs"`
		ErrorMessage string   `json:"error_message,omitempty" doc:"Failure or cancellation reason"`
	}
}

type resolveJobOutput struct {
	Body struct {
		Applied bool        `json:"applied" doc:"False when the job was already terminal"`
		Job     JobResponse `json:"job"`
	}
}

// resolveJobHandler resolves a job for a remote worker. A resolution that
// applied and did not complete the job refunds its cost, like the in-process
// worker pool does.
func (srv *Server) resolveJobHandler(ctx context.Context, input *resolveJobInput) (*resolveJobOutput, error) {
	if err := authorize(ctx, auth.RoleWorker); err != nil {
		return nil, err
	}
	status, err := queue.ParseStatus(input.Body.Status)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	outcome, err := queue.OutcomeFor(status, input.Body.ResultURLs, input.Body.ErrorMessage)
	if err != nil {
		return nil, toHTTPError(ctx, "resolve job", err)
	}
	applied, err := srv.deps.Queue.TryResolve(ctx, input.ID, outcome)
	if err != nil {
		return nil, toHTTPError(ctx, "resolve job", err)
	}
	j, err := srv.deps.Queue.Get(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "resolve job", err)
	}
	if applied {
		srv.afterResolve(ctx, j)
	}
	out := &resolveJobOutput{}
	out.Body.Applied = applied
	out.Body.Job = toJobResponse(j)
	return out, nil
}

func (srv *Server) afterResolve(ctx context.Context, j *queue.JobRecord) {
	log := srv.log.With("job_id", j.ID, "account_id", j.AccountID)
	bg := context.WithoutCancel(ctx)
	if j.Status == queue.StatusCompleted {
		notify.Deliver(bg, srv.deps.Notifier, log, j.AccountID, notify.JobCompleted(j.ID, j.ResultURLs))
		return
	}
	if srv.deps.Ledger != nil {
		worker.Refund(bg, srv.deps.Ledger, srv.deps.Notifier, log, j)
	}
}

// ── Claim ─────────────────────────────────────────────────────────────────────

// claimJobHandler handles POST /api/v1/jobs/claim. It answers 200 with the
// claimed job, or 204 when nothing is pending or another worker won the race.
func (srv *Server) claimJobHandler(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r.Context(), auth.RoleWorker); err != nil {
		http.Error(w, err.Error(), err.GetStatus())
		return
	}
	j, err := srv.deps.Queue.ClaimNext(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "claim job failed", "error", err)
		http.Error(w, "store unavailable, please retry", http.StatusServiceUnavailable)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, r, http.StatusOK, toJobResponse(j))
}
