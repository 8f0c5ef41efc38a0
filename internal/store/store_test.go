package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetMessage_NotFoundMapsToDomainError(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT .* FROM messages WHERE id = \$1`).
		WithArgs("msg-1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetMessage(context.Background(), "msg-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMessage_ScansAllFields(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	sentAt := now.Add(time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "sender_id", "recipient", "subject", "body", "scheduled_at", "sent_at",
		"status", "error_message", "retry_count", "max_retries", "job_id", "provider_message_id",
		"preview_url", "batch_id", "batch_index", "created_at", "updated_at",
	}).AddRow("msg-1", "user-1", "sender-1", "to@example.com", "subj", "body", now, sentAt,
		domain.StatusSent, "", 0, 3, "email-msg-1-attempt-1", "provider-123", "",
		"batch-1", 0, now, now)

	mock.ExpectQuery(`SELECT .* FROM messages WHERE id = \$1`).WithArgs("msg-1").WillReturnRows(rows)

	m, err := s.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, m.Status)
	require.NotNil(t, m.SenderID)
	require.Equal(t, "sender-1", *m.SenderID)
	require.True(t, m.IsTerminal())
}

func TestTransitionToProcessing_NoRowsIsNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`UPDATE messages SET status = \$1, job_id = \$2`).
		WithArgs(domain.StatusProcessing, "job-1", "msg-1", domain.StatusScheduled, domain.StatusRateLimited).
		WillReturnError(sql.ErrNoRows)

	_, err := s.TransitionToProcessing(context.Background(), "msg-1", "job-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkFailedOrRetry_ExhaustsToTerminal(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`UPDATE messages SET retry_count = retry_count \+ 1`).
		WithArgs("boom", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries", "batch_id"}).
			AddRow(3, 3, "batch-1"))
	mock.ExpectExec(`UPDATE messages SET status = \$1`).
		WithArgs(domain.StatusFailed, "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE batches SET failed_count = failed_count \+ 1`).
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	terminal, err := s.MarkFailedOrRetry(context.Background(), "msg-1", "boom", nil)
	require.NoError(t, err)
	require.True(t, terminal)
}

func TestMarkFailedOrRetry_ReschedulesUnderCap(t *testing.T) {
	s, mock := newTestStore(t)
	next := time.Now().Add(time.Minute)

	mock.ExpectQuery(`UPDATE messages SET retry_count = retry_count \+ 1`).
		WithArgs("transient", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries", "batch_id"}).
			AddRow(1, 3, "batch-1"))
	mock.ExpectExec(`UPDATE messages SET status = \$1, scheduled_at = \$2`).
		WithArgs(domain.StatusScheduled, next, "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	terminal, err := s.MarkFailedOrRetry(context.Background(), "msg-1", "transient", &next)
	require.NoError(t, err)
	require.False(t, terminal)
}

func TestCountSentInWindow_ScopesToSenderWhenGiven(t *testing.T) {
	s, mock := newTestStore(t)
	sender := "sender-1"
	start := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM messages WHERE status = \$1 AND sender_id = \$2`).
		WithArgs(domain.StatusSent, sender, start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountSentInWindow(context.Background(), &sender, start, end)
	require.NoError(t, err)
	require.Equal(t, 7, n)
}
