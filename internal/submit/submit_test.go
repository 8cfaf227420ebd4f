package submit_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/queue"
	"github.com/scarson/paidqueue/internal/store"
	"github.com/scarson/paidqueue/internal/submit"
)

func setup(t *testing.T, balance int64) (*ledger.Ledger, *queue.Service) {
	t.Helper()
	l := ledger.New(store.NewMemoryTable(ledger.Schema))
	_, err := l.CreateAccount(context.Background(), "acct", "", balance)
	require.NoError(t, err)
	return l, queue.New(store.NewMemoryTable(queue.Schema))
}

func request() submit.Request {
	return submit.Request{
		AccountID:    "acct",
		ChannelID:    "chat-1",
		Payload:      json.RawMessage(`{"prompt":"a cat"}`),
		PayloadLabel: "txt2img",
	}
}

func TestSubmit_ChargesAndEnqueuesAtAccountTier(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 100)
	ctx := context.Background()
	_, err := l.RaisePriorityIfBetter(ctx, "acct", 1)
	require.NoError(t, err)

	s := submit.New(l, q, 30, nil)
	id, err := s.Submit(ctx, request())
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, int64(30), job.Cost)
	assert.Equal(t, queue.StatusPending, job.Status)

	bal, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)
}

func TestSubmit_RequestCostOverridesDefault(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 100)
	ctx := context.Background()
	req := request()
	req.Cost = 55

	id, err := submit.New(l, q, 30, nil).Submit(ctx, req)
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(55), job.Cost)
}

func TestSubmit_RequestCostCannotUndercutDefault(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 100)
	ctx := context.Background()
	req := request()
	req.Cost = 1

	id, err := submit.New(l, q, 30, nil).Submit(ctx, req)
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(30), job.Cost)

	bal, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 10)
	ctx := context.Background()

	_, err := submit.New(l, q, 30, nil).Submit(ctx, request())
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "nothing enqueued")
}

func TestSubmit_UnknownAccount(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 10)
	req := request()
	req.AccountID = "ghost"

	_, err := submit.New(l, q, 0, nil).Submit(context.Background(), req)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

type failingJobs struct{}

func (failingJobs) Enqueue(context.Context, queue.EnqueueParams) (string, error) {
	return "", errors.Join(queue.ErrStoreUnavailable, errors.New("insert timed out"))
}

func TestSubmit_RefundsWhenEnqueueFails(t *testing.T) {
	t.Parallel()
	l, _ := setup(t, 100)
	ctx := context.Background()

	_, err := submit.New(l, failingJobs{}, 30, nil).Submit(ctx, request())
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)

	bal, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

// cancelingJobs cancels the submission context the way a disconnecting
// client does, then fails the enqueue with the context error.
type cancelingJobs struct{ cancel context.CancelFunc }

func (j cancelingJobs) Enqueue(ctx context.Context, _ queue.EnqueueParams) (string, error) {
	j.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSubmit_RefundsWhenContextCanceledDuringEnqueue(t *testing.T) {
	t.Parallel()
	l, _ := setup(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := submit.New(l, cancelingJobs{cancel: cancel}, 30, nil).Submit(ctx, request())
	require.ErrorIs(t, err, context.Canceled)

	bal, err := l.Balance(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "charge refunded")
}

func TestSubmit_InvalidPayloadIsRefunded(t *testing.T) {
	t.Parallel()
	l, q := setup(t, 100)
	ctx := context.Background()
	req := request()
	req.Payload = json.RawMessage(`{broken`)

	_, err := submit.New(l, q, 30, nil).Submit(ctx, req)
	require.ErrorIs(t, err, queue.ErrInvalidInput)

	bal, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}
