package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
)

func newTestQueue(t *testing.T, now time.Time) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, clock.NewFixed(now)), mock
}

func TestEnqueue_UsesDeterministicJobID(t *testing.T) {
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	q, mock := newTestQueue(t, now)

	job := domain.SendJob{MessageID: "msg-1", Attempt: 1}
	mock.ExpectExec(`INSERT INTO send_jobs`).
		WithArgs(sqlmock.AnyArg(), "email-msg-1-attempt-1", "msg-1", 1, sqlmock.AnyArg(),
			sqlmock.AnyArg(), 0, 3, true, 1000).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := q.Enqueue(context.Background(), job, EnqueueOptions{
		Priority: 0, Attempts: 3, Backoff: Backoff{Exponential: true, InitialDelayMS: 1000},
	})
	require.NoError(t, err)
}

func TestBackoffDelay_ExponentialGrowsByAttempt(t *testing.T) {
	d0 := backoffDelay(true, 1000, 0)
	d1 := backoffDelay(true, 1000, 1)
	d2 := backoffDelay(true, 1000, 2)
	require.Equal(t, 1000*time.Millisecond, d0)
	require.Equal(t, 2000*time.Millisecond, d1)
	require.Equal(t, 4000*time.Millisecond, d2)
}

func TestBackoffDelay_NonExponentialIsConstant(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, backoffDelay(false, 500, 0))
	require.Equal(t, 500*time.Millisecond, backoffDelay(false, 500, 5))
}

func TestNackRetry_DeadLettersAtMaxAttempts(t *testing.T) {
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	q, mock := newTestQueue(t, now)

	mock.ExpectQuery(`SELECT delivery_count, max_attempts, backoff_exponential, backoff_initial_ms FROM send_jobs WHERE id = \$1`).
		WithArgs("queue-1").
		WillReturnRows(sqlmock.NewRows([]string{"delivery_count", "max_attempts", "backoff_exponential", "backoff_initial_ms"}).
			AddRow(3, 3, true, 1000))
	mock.ExpectExec(`UPDATE send_jobs SET status = 'dead_letter'`).
		WithArgs("queue-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.NackRetry(context.Background(), "queue-1"))
}

func TestNackRetry_RequeuesUnderMaxAttempts(t *testing.T) {
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	q, mock := newTestQueue(t, now)

	mock.ExpectQuery(`SELECT delivery_count, max_attempts, backoff_exponential, backoff_initial_ms FROM send_jobs WHERE id = \$1`).
		WithArgs("queue-1").
		WillReturnRows(sqlmock.NewRows([]string{"delivery_count", "max_attempts", "backoff_exponential", "backoff_initial_ms"}).
			AddRow(1, 3, true, 1000))
	mock.ExpectExec(`UPDATE send_jobs SET status = 'queued'`).
		WithArgs("queue-1", now.Add(2*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.NackRetry(context.Background(), "queue-1"))
}

func TestRecoverStalled_ReturnsCounts(t *testing.T) {
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	q, mock := newTestQueue(t, now)

	mock.ExpectExec(`UPDATE send_jobs SET status = 'queued', worker_id = NULL, leased_at = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE send_jobs SET status = 'dead_letter'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	requeued, deadLettered, err := q.RecoverStalled(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, requeued)
	require.EqualValues(t, 1, deadLettered)
}
