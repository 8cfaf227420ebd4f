// ABOUTME: Tests for the queue service over the in-memory table: ordering, claim races,
// ABOUTME: resolve idempotency, the recovery listing and input validation.
package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/store"
)

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func newService(t *testing.T, opts ...queue.Option) (*queue.Service, *store.MemoryTable) {
	t.Helper()
	tbl := store.NewMemoryTable(queue.Schema)
	opts = append([]queue.Option{queue.WithClock(stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))}, opts...)
	return queue.New(tbl, opts...), tbl
}

func mustEnqueue(t *testing.T, q *queue.Service, account string, priority int) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.EnqueueParams{
		AccountID:       account,
		ChannelID:       "chat-" + account,
		OriginMessageID: "msg-1",
		Payload:         json.RawMessage(`{"workflow":{"steps":[1,2,3]},"seed":42}`),
		PayloadLabel:    "txt2img",
		Priority:        priority,
	})
	require.NoError(t, err)
	return id
}

func TestClaimNext_PriorityThenOldest(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()

	a := mustEnqueue(t, q, "a", 2)
	b := mustEnqueue(t, q, "b", 1)
	c := mustEnqueue(t, q, "c", 1)

	var got []string
	for range 3 {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{b, c, a}, got)

	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "queue should be drained")
}

func TestClaimNext_SameTimestampFallsBackToInsertionOrder(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, _ := newService(t, queue.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var want []string
	for range 5 {
		want = append(want, mustEnqueue(t, q, "acct", 1))
	}
	for i := range want {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want[i], job.ID, "claim %d", i)
	}
}

func TestClaimNext_ReturnsClaimedRecord(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "acct", 2)

	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, queue.StatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	var payload struct {
		Workflow struct {
			Steps []int `json:"steps"`
		} `json:"workflow"`
		Seed int `json:"seed"`
	}
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, []int{1, 2, 3}, payload.Workflow.Steps)
	assert.Equal(t, 42, payload.Seed)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, stored.Status)
}

func TestClaimNext_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()

	const jobs = 60
	const workers = 12
	for i := range jobs {
		mustEnqueue(t, q, "acct", i%3)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				done := len(claimed) == jobs
				mu.Unlock()
				if done {
					return
				}
				job, err := q.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					continue
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

// racingTable simulates another worker winning the claim between the query
// and the conditional update.
type racingTable struct {
	*store.MemoryTable
	once sync.Once
}

func (r *racingTable) ConditionalUpdate(ctx context.Context, id string, expected, set store.Row) (bool, error) {
	r.once.Do(func() {
		_, _ = r.MemoryTable.ConditionalUpdate(ctx, id,
			store.Row{"status": "pending"},
			store.Row{"status": "processing", "started_at": time.Now()})
	})
	return r.MemoryTable.ConditionalUpdate(ctx, id, expected, set)
}

func TestClaimNext_LostRaceReturnsNoJob(t *testing.T) {
	t.Parallel()
	tbl := &racingTable{MemoryTable: store.NewMemoryTable(queue.Schema)}
	q := queue.New(tbl)
	ctx := context.Background()
	mustEnqueue(t, q, "acct", 1)

	job, err := q.ClaimNext(ctx)
	require.NoError(t, err, "a lost race is not an error")
	assert.Nil(t, job)

	job, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "the winner owns the only job")
}

func TestResolve_CompletedIsIdempotent(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "acct", 1)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	urls := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}
	require.NoError(t, q.Resolve(ctx, id, queue.Completed{ResultURLs: urls}))
	first, err := q.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, q.Resolve(ctx, id, queue.Completed{ResultURLs: urls}))
	second, err := q.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, queue.StatusCompleted, second.Status)
	assert.Equal(t, urls, second.ResultURLs)
	assert.Empty(t, second.ErrorMessage)
	require.NotNil(t, second.CompletedAt)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt), "completed_at set exactly once")
}

func TestResolve_TerminalStatusNeverChanges(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "acct", 1)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Resolve(ctx, id, queue.Failed{Reason: "executor returned 500"}))
	require.NoError(t, q.Resolve(ctx, id, queue.Completed{ResultURLs: []string{"x"}}))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, "executor returned 500", job.ErrorMessage)
	assert.Empty(t, job.ResultURLs)
}

func TestResolve_PendingJobIsInvalidTransition(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "acct", 1)

	err := q.Resolve(ctx, id, queue.Canceled{Reason: "user request"})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
}

func TestResolve_UnknownJob(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	err := q.Resolve(context.Background(), "no-such-job", queue.Failed{Reason: "x"})
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestResolve_NilOutcome(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	err := q.Resolve(context.Background(), "id", nil)
	require.ErrorIs(t, err, queue.ErrInvalidInput)
}

func TestListStaleProcessing(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	claimedID := mustEnqueue(t, q, "acct", 1)
	mustEnqueue(t, q, "acct", 2) // stays pending

	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	stale, err := q.ListStaleProcessing(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, claimedID, stale[0].ID)

	require.NoError(t, q.Resolve(ctx, claimedID, queue.Failed{Reason: "worker crashed"}))

	stale, err = q.ListStaleProcessing(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestForceFail_AppliesOnce(t *testing.T) {
	t.Parallel()
	q, _ := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "acct", 1)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := q.ForceFail(ctx, id, "worker crashed")
			if err != nil {
				t.Errorf("ForceFail: %v", err)
			}
			results[i] = applied
		}()
	}
	wg.Wait()

	n := 0
	for _, applied := range results {
		if applied {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestEnqueue_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	q, tbl := newService(t)
	ctx := context.Background()

	cases := map[string]queue.EnqueueParams{
		"missing account":   {Payload: json.RawMessage(`{}`)},
		"payload not json":  {AccountID: "a", Payload: json.RawMessage(`{oops`)},
		"empty payload":     {AccountID: "a"},
		"negative priority": {AccountID: "a", Payload: json.RawMessage(`{}`), Priority: -1},
		"negative cost":     {AccountID: "a", Payload: json.RawMessage(`{}`), Cost: -5},
	}
	for name, p := range cases {
		_, err := q.Enqueue(ctx, p)
		assert.ErrorIs(t, err, queue.ErrInvalidInput, name)
	}

	rows, err := tbl.Query(ctx, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, rows, "nothing inserted")
}

// brokenTable fails every call.
type brokenTable struct{}

var errDown = errors.Join(store.ErrUnavailable, errors.New("connection refused"))

func (brokenTable) Insert(context.Context, store.Row) (string, error) { return "", errDown }

func (brokenTable) ConditionalUpdate(context.Context, string, store.Row, store.Row) (bool, error) {
	return false, errDown
}

func (brokenTable) Query(context.Context, store.Query) ([]store.Row, error) { return nil, errDown }

func (brokenTable) Get(context.Context, string) (store.Row, error) { return nil, errDown }

func TestStoreFailuresAreTyped(t *testing.T) {
	t.Parallel()
	q := queue.New(brokenTable{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.EnqueueParams{AccountID: "a", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)

	_, err = q.ClaimNext(ctx)
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)

	_, err = q.ListStaleProcessing(ctx)
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
}
