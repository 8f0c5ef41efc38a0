// Package store implements the Durable Store: the transactional
// Postgres-backed record of users, senders, messages, batches, and rate
// counters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/emailsched/internal/domain"
)

// Store wraps a *sql.DB with the transactional operations every other
// component of the pipeline needs.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components (distlock, queue) that
// need raw access alongside the Store's higher-level operations.
func (s *Store) DB() *sql.DB { return s.db }

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.NewError(domain.KindStoreUnavailable, "store: "+op, err)
}

// --- Users ---------------------------------------------------------------

// UpsertUser inserts a user by external identity or updates its profile
// fields if it already exists.
func (s *Store) UpsertUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	query := `INSERT INTO users (id, external_id, email, name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			email = EXCLUDED.email, name = EXCLUDED.name, avatar_url = EXCLUDED.avatar_url
		RETURNING id, created_at`
	row := s.db.QueryRowContext(ctx, query, u.ID, u.ExternalID, u.Email, u.Name, u.AvatarURL, now)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		return wrapStoreErr("upsert user", err)
	}
	return nil
}

// GetUserByID fetches a user by its opaque id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT id, external_id, email, name, avatar_url, created_at FROM users WHERE id = $1`
	u := &domain.User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.AvatarURL, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr("get user", err)
	}
	return u, nil
}

// --- Senders ---------------------------------------------------------------

// CreateSender inserts a new Sender. If it is the user's first sender, or
// the caller asked for IsDefault, every other sender the user owns has its
// is_default flag cleared in the same transaction so at most one sender
// per user is ever the default.
func (s *Store) CreateSender(ctx context.Context, sender *domain.Sender) error {
	sender.ID = uuid.New().String()
	now := time.Now().UTC()
	sender.CreatedAt, sender.UpdatedAt = now, now

	var host, user, secret sql.NullString
	var port sql.NullInt32
	if sender.Transport != nil {
		host = sql.NullString{String: sender.Transport.Host, Valid: true}
		user = sql.NullString{String: sender.Transport.User, Valid: true}
		secret = sql.NullString{String: sender.Transport.Secret, Valid: true}
		port = sql.NullInt32{Int32: int32(sender.Transport.Port), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("create sender: begin", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM senders WHERE user_id = $1`, sender.UserID).Scan(&existing); err != nil {
		return wrapStoreErr("create sender: count", err)
	}
	makeDefault := sender.IsDefault || existing == 0

	if makeDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE senders SET is_default = false WHERE user_id = $1`, sender.UserID); err != nil {
			return wrapStoreErr("create sender: clear previous default", err)
		}
	}

	query := `INSERT INTO senders (id, user_id, email, name, transport_host, transport_port,
		transport_user, transport_secret, is_default, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $10)`
	if _, err := tx.ExecContext(ctx, query, sender.ID, sender.UserID, sender.Email, sender.Name,
		host, port, user, secret, makeDefault, now); err != nil {
		return wrapStoreErr("create sender", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreErr("create sender: commit", err)
	}
	sender.IsDefault = makeDefault
	sender.IsActive = true
	return nil
}

// SenderUpdate is a partial update to a Sender: nil fields leave the
// current value unchanged. SetTransport distinguishes "leave transport
// alone" from "replace it" (Transport may legitimately be set to nil to
// fall back to the service default transport).
type SenderUpdate struct {
	Email     *string
	Name      *string
	IsDefault *bool
	IsActive  *bool

	SetTransport bool
	Transport    *domain.SenderTransportConfig
}

// UpdateSender applies a partial update to a sender owned by userID.
// Setting IsDefault=true clears every other sender's is_default flag for
// the same user in the same transaction, preserving the at-most-one-
// default-per-user invariant.
func (s *Store) UpdateSender(ctx context.Context, userID, senderID string, upd SenderUpdate) (*domain.Sender, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStoreErr("update sender: begin", err)
	}
	defer tx.Rollback()

	current, err := scanSender(tx.QueryRowContext(ctx, `SELECT id, user_id, email, name, transport_host,
		transport_port, transport_user, transport_secret, is_default, is_active, created_at, updated_at
		FROM senders WHERE id = $1 AND user_id = $2 FOR UPDATE`, senderID, userID))
	if err != nil {
		return nil, err
	}

	if upd.Email != nil {
		current.Email = *upd.Email
	}
	if upd.Name != nil {
		current.Name = *upd.Name
	}
	if upd.IsActive != nil {
		current.IsActive = *upd.IsActive
	}
	if upd.SetTransport {
		current.Transport = upd.Transport
	}
	if upd.IsDefault != nil {
		current.IsDefault = *upd.IsDefault
	}

	if current.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE senders SET is_default = false WHERE user_id = $1 AND id != $2`, userID, senderID); err != nil {
			return nil, wrapStoreErr("update sender: clear previous default", err)
		}
	}

	var host, user, secret sql.NullString
	var port sql.NullInt32
	if current.Transport != nil {
		host = sql.NullString{String: current.Transport.Host, Valid: true}
		user = sql.NullString{String: current.Transport.User, Valid: true}
		secret = sql.NullString{String: current.Transport.Secret, Valid: true}
		port = sql.NullInt32{Int32: int32(current.Transport.Port), Valid: true}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE senders SET email = $1, name = $2, transport_host = $3,
		transport_port = $4, transport_user = $5, transport_secret = $6, is_default = $7,
		is_active = $8, updated_at = $9 WHERE id = $10 AND user_id = $11`,
		current.Email, current.Name, host, port, user, secret, current.IsDefault, current.IsActive,
		now, senderID, userID)
	if err != nil {
		return nil, wrapStoreErr("update sender", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStoreErr("update sender: commit", err)
	}
	current.UpdatedAt = now
	return current, nil
}

// GetSender fetches a sender owned by userID.
func (s *Store) GetSender(ctx context.Context, userID, senderID string) (*domain.Sender, error) {
	query := `SELECT id, user_id, email, name, transport_host, transport_port, transport_user,
		transport_secret, is_default, is_active, created_at, updated_at
		FROM senders WHERE id = $1 AND user_id = $2`
	return scanSender(s.db.QueryRowContext(ctx, query, senderID, userID))
}

// ListSenders returns every sender owned by userID.
func (s *Store) ListSenders(ctx context.Context, userID string) ([]*domain.Sender, error) {
	query := `SELECT id, user_id, email, name, transport_host, transport_port, transport_user,
		transport_secret, is_default, is_active, created_at, updated_at
		FROM senders WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, wrapStoreErr("list senders", err)
	}
	defer rows.Close()

	var out []*domain.Sender
	for rows.Next() {
		sender, err := scanSenderRows(rows)
		if err != nil {
			return nil, wrapStoreErr("list senders", err)
		}
		out = append(out, sender)
	}
	return out, rows.Err()
}

// DeleteSender removes a sender owned by userID. Refused with
// domain.ErrLastSender when it is the user's last sender: a user must
// keep at least one sender while messages may still reference one.
func (s *Store) DeleteSender(ctx context.Context, userID, senderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("delete sender: begin", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM senders WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return wrapStoreErr("delete sender: lock", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return wrapStoreErr("delete sender: lock", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapStoreErr("delete sender: lock", err)
	}
	rows.Close()

	owned := false
	for _, id := range ids {
		if id == senderID {
			owned = true
			break
		}
	}
	if !owned {
		return domain.ErrNotFound
	}
	if len(ids) <= 1 {
		return domain.ErrLastSender
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM senders WHERE id = $1 AND user_id = $2`, senderID, userID)
	if err != nil {
		return wrapStoreErr("delete sender", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return wrapStoreErr("delete sender: commit", tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSender(row rowScanner) (*domain.Sender, error) {
	sender, err := scanSenderRows(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr("get sender", err)
	}
	return sender, nil
}

func scanSenderRows(row rowScanner) (*domain.Sender, error) {
	sender := &domain.Sender{}
	var host, user, secret sql.NullString
	var port sql.NullInt32
	err := row.Scan(&sender.ID, &sender.UserID, &sender.Email, &sender.Name, &host, &port,
		&user, &secret, &sender.IsDefault, &sender.IsActive, &sender.CreatedAt, &sender.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if host.Valid {
		sender.Transport = &domain.SenderTransportConfig{
			Host: host.String, Port: int(port.Int32), User: user.String, Secret: secret.String,
		}
	}
	return sender, nil
}

// --- Batches ---------------------------------------------------------------

// CreateBatch inserts a new Batch row.
func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch) error {
	b.ID = uuid.New().String()
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	query := `INSERT INTO batches (id, user_id, total_count, scheduled_count, sent_count, failed_count,
		start_time, spacing_seconds, hourly_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $3, 0, 0, $4, $5, $6, $7, $7)`
	_, err := s.db.ExecContext(ctx, query, b.ID, b.UserID, b.TotalCount, b.StartTime,
		b.SpacingSeconds, b.HourlyLimit, now)
	if err != nil {
		return wrapStoreErr("create batch", err)
	}
	b.ScheduledCount = b.TotalCount
	return nil
}

// GetBatch fetches a batch owned by userID.
func (s *Store) GetBatch(ctx context.Context, userID, batchID string) (*domain.Batch, error) {
	query := `SELECT id, user_id, total_count, scheduled_count, sent_count, failed_count,
		start_time, spacing_seconds, hourly_limit, created_at, updated_at
		FROM batches WHERE id = $1 AND user_id = $2`
	b := &domain.Batch{}
	err := s.db.QueryRowContext(ctx, query, batchID, userID).Scan(&b.ID, &b.UserID, &b.TotalCount,
		&b.ScheduledCount, &b.SentCount, &b.FailedCount, &b.StartTime, &b.SpacingSeconds,
		&b.HourlyLimit, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr("get batch", err)
	}
	return b, nil
}

// IncrementBatchCounter atomically bumps sent_count or failed_count by 1.
func (s *Store) IncrementBatchCounter(ctx context.Context, batchID, field string) error {
	if field != "sent_count" && field != "failed_count" {
		return fmt.Errorf("store: invalid batch counter field %q", field)
	}
	query := fmt.Sprintf(`UPDATE batches SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, field, field)
	_, err := s.db.ExecContext(ctx, query, batchID)
	return wrapStoreErr("increment batch counter", err)
}

// MarkBatchMessagesFailed sets every non-terminal message in a batch to
// FAILED with the given reason. Used when enqueueing fails after the
// batch and messages have already committed, so no SCHEDULED row is
// left behind that can never become a queue job.
func (s *Store) MarkBatchMessagesFailed(ctx context.Context, batchID, reason string) (int, error) {
	query := `UPDATE messages SET status = $1, error_message = $2, updated_at = NOW()
		WHERE batch_id = $3 AND status NOT IN ($4, $1)`
	res, err := s.db.ExecContext(ctx, query, domain.StatusFailed, reason, batchID, domain.StatusSent)
	if err != nil {
		return 0, wrapStoreErr("mark batch messages failed", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE batches SET failed_count = failed_count + $1, updated_at = NOW() WHERE id = $2`,
			n, batchID); err != nil {
			return int(n), wrapStoreErr("mark batch messages failed: update counters", err)
		}
	}
	return int(n), nil
}

// --- Messages ---------------------------------------------------------------

// CreateMessagesBulk bulk-inserts messages for a batch using Postgres
// COPY, the high-throughput path for large recipient lists.
func (s *Store) CreateMessagesBulk(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("create messages bulk: begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn("messages",
		"id", "user_id", "sender_id", "recipient", "subject", "body", "scheduled_at",
		"status", "retry_count", "max_retries", "batch_id", "batch_index", "created_at", "updated_at"))
	if err != nil {
		return wrapStoreErr("create messages bulk: prepare copy", err)
	}

	now := time.Now().UTC()
	for _, m := range messages {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.CreatedAt, m.UpdatedAt = now, now
		var senderID sql.NullString
		if m.SenderID != nil {
			senderID = sql.NullString{String: *m.SenderID, Valid: true}
		}
		if _, err := stmt.Exec(m.ID, m.UserID, senderID, m.Recipient, m.Subject, m.Body,
			m.ScheduledAt, m.Status, m.RetryCount, m.MaxRetries, m.BatchID, m.BatchIndex, now, now); err != nil {
			return wrapStoreErr("create messages bulk: exec", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		return wrapStoreErr("create messages bulk: flush", err)
	}
	if err := stmt.Close(); err != nil {
		return wrapStoreErr("create messages bulk: close", err)
	}
	return wrapStoreErr("create messages bulk: commit", tx.Commit())
}

// LinkJobID sets a message's job id after the queue has accepted it.
// Best-effort: the job id is not required for correctness, only
// observability, so callers should log rather than fail the batch on error.
func (s *Store) LinkJobID(ctx context.Context, messageID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET job_id = $1, updated_at = NOW() WHERE id = $2`, jobID, messageID)
	return wrapStoreErr("link job id", err)
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr("get message", err)
	}
	return m, nil
}

const messageColumns = `id, user_id, sender_id, recipient, subject, body, scheduled_at, sent_at,
	status, error_message, retry_count, max_retries, job_id, provider_message_id, preview_url,
	batch_id, batch_index, created_at, updated_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var senderID, jobID sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(&m.ID, &m.UserID, &senderID, &m.Recipient, &m.Subject, &m.Body, &m.ScheduledAt,
		&sentAt, &m.Status, &m.ErrorMessage, &m.RetryCount, &m.MaxRetries, &jobID,
		&m.ProviderMessageID, &m.PreviewURL, &m.BatchID, &m.BatchIndex, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if senderID.Valid {
		m.SenderID = &senderID.String
	}
	if jobID.Valid {
		m.JobID = &jobID.String
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return m, nil
}

// TransitionFilter narrows a listing or mutation to messages owned by a
// user, optionally scoped to a set of statuses and/or a batch.
type TransitionFilter struct {
	UserID   string
	Statuses []domain.MessageStatus
	BatchID  *string
}

// ListMessages returns a page of messages for a user, newest first,
// optionally filtered to any of Statuses.
func (s *Store) ListMessages(ctx context.Context, f TransitionFilter, limit, offset int, sortBy, sortOrder string) ([]*domain.Message, int, error) {
	where := `WHERE user_id = $1`
	args := []any{f.UserID}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if f.BatchID != nil {
		args = append(args, *f.BatchID)
		where += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages `+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreErr("list messages: count", err)
	}

	col := sortColumn(sortBy)
	order := "DESC"
	if sortOrder == "asc" {
		order = "ASC"
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM messages %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		messageColumns, where, col, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapStoreErr("list messages", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, wrapStoreErr("list messages: scan", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func sortColumn(sortBy string) string {
	switch sortBy {
	case "scheduledAt":
		return "scheduled_at"
	case "sentAt":
		return "sent_at"
	case "status":
		return "status"
	default:
		return "created_at"
	}
}

// Stats is the per-user counts shown by /emails/stats.
type Stats struct {
	Scheduled   int
	Processing  int
	Sent        int
	Failed      int
	RateLimited int
	Total       int
}

// GetStats aggregates a user's message counts by status.
func (s *Store) GetStats(ctx context.Context, userID string) (Stats, error) {
	query := `SELECT status, COUNT(*) FROM messages WHERE user_id = $1 GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return Stats{}, wrapStoreErr("get stats", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status domain.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, wrapStoreErr("get stats: scan", err)
		}
		st.Total += n
		switch status {
		case domain.StatusScheduled:
			st.Scheduled = n
		case domain.StatusProcessing:
			st.Processing = n
		case domain.StatusSent:
			st.Sent = n
		case domain.StatusFailed:
			st.Failed = n
		case domain.StatusRateLimited:
			st.RateLimited = n
		}
	}
	return st, rows.Err()
}

// TransitionToProcessing moves a message from SCHEDULED/RATE_LIMITED to
// PROCESSING with the job's queue id. A message already in PROCESSING (its
// job redelivered after a worker crash) is taken over as it is. Returns
// domain.ErrNotFound if the message no longer exists (cancellation case:
// caller acknowledges and drops the job without calling the transport) or
// is already SENT or FAILED.
func (s *Store) TransitionToProcessing(ctx context.Context, messageID, jobID string) (*domain.Message, error) {
	query := `UPDATE messages SET status = $1, job_id = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5, $1)
		RETURNING ` + messageColumns
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, domain.StatusProcessing, jobID, messageID,
		domain.StatusScheduled, domain.StatusRateLimited))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr("transition to processing", err)
	}
	return m, nil
}

// MarkRateLimited moves a message back to RATE_LIMITED pending redelivery.
func (s *Store) MarkRateLimited(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, updated_at = NOW() WHERE id = $2`,
		domain.StatusRateLimited, messageID)
	return wrapStoreErr("mark rate limited", err)
}

// RequeueAfterRateLimit moves a message from PROCESSING/RATE_LIMITED back to
// SCHEDULED for a fresh job id and send instant, after the worker pool has
// already recorded the RATE_LIMITED transition via MarkRateLimited. Not
// restricted to RATE_LIMITED in the WHERE clause: a worker may call this
// immediately after MarkRateLimited with no observer in between.
func (s *Store) RequeueAfterRateLimit(ctx context.Context, messageID, jobID string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, scheduled_at = $2, job_id = $3, updated_at = NOW() WHERE id = $4`,
		domain.StatusScheduled, nextAttemptAt, jobID, messageID)
	return wrapStoreErr("requeue after rate limit", err)
}

// MarkSent moves a message to its terminal SENT state.
func (s *Store) MarkSent(ctx context.Context, messageID, providerMessageID, previewURL string) error {
	query := `UPDATE messages SET status = $1, sent_at = NOW(), provider_message_id = $2,
		preview_url = $3, updated_at = NOW() WHERE id = $4`
	if err := wrapStoreErr("mark sent", firstErr(s.db.ExecContext(ctx, query,
		domain.StatusSent, providerMessageID, previewURL, messageID))); err != nil {
		return err
	}
	var batchID string
	if err := s.db.QueryRowContext(ctx, `SELECT batch_id FROM messages WHERE id = $1`, messageID).Scan(&batchID); err != nil {
		return wrapStoreErr("mark sent: lookup batch", err)
	}
	return s.IncrementBatchCounter(ctx, batchID, "sent_count")
}

// MarkFailedOrRetry increments retryCount and either reschedules the
// message (still under maxRetries) or moves it to terminal FAILED.
func (s *Store) MarkFailedOrRetry(ctx context.Context, messageID, errMsg string, nextAttemptAt *time.Time) (terminal bool, err error) {
	query := `UPDATE messages SET retry_count = retry_count + 1, error_message = $1, updated_at = NOW()
		WHERE id = $2 RETURNING retry_count, max_retries, batch_id`
	var retryCount, maxRetries int
	var batchID string
	if err := s.db.QueryRowContext(ctx, query, errMsg, messageID).Scan(&retryCount, &maxRetries, &batchID); err != nil {
		if err == sql.ErrNoRows {
			return true, domain.ErrNotFound
		}
		return false, wrapStoreErr("mark failed or retry", err)
	}

	if retryCount >= maxRetries {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = $1, updated_at = NOW() WHERE id = $2`,
			domain.StatusFailed, messageID); err != nil {
			return false, wrapStoreErr("mark failed", err)
		}
		return true, s.IncrementBatchCounter(ctx, batchID, "failed_count")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, scheduled_at = $2, updated_at = NOW() WHERE id = $3`,
		domain.StatusScheduled, nextAttemptAt, messageID); err != nil {
		return false, wrapStoreErr("reschedule after failure", err)
	}
	return false, nil
}

// DeleteMessage cancels a message. Legal only while it is SCHEDULED or
// RATE_LIMITED; PROCESSING and terminal states cannot be cancelled.
func (s *Store) DeleteMessage(ctx context.Context, userID, messageID string) error {
	query := `DELETE FROM messages WHERE id = $1 AND user_id = $2 AND status IN ($3, $4)`
	res, err := s.db.ExecContext(ctx, query, messageID, userID, domain.StatusScheduled, domain.StatusRateLimited)
	if err != nil {
		return wrapStoreErr("delete message", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// --- Rate counters ---------------------------------------------------------

// CountSentInWindow counts SENT messages within [windowStart, windowEnd),
// optionally scoped to a sender. Used as the Rate Limiter's durable
// fallback when the fast path is unavailable.
func (s *Store) CountSentInWindow(ctx context.Context, senderID *string, windowStart, windowEnd time.Time) (int, error) {
	var n int
	var err error
	if senderID != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE status = $1 AND sender_id = $2 AND sent_at >= $3 AND sent_at < $4`,
			domain.StatusSent, *senderID, windowStart, windowEnd).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE status = $1 AND sent_at >= $2 AND sent_at < $3`,
			domain.StatusSent, windowStart, windowEnd).Scan(&n)
	}
	if err != nil {
		return 0, wrapStoreErr("count sent in window", err)
	}
	return n, nil
}

// UpsertRateCounter persists the fast path's current tally for a window
// key, so a restart does not lose the current hour's count.
func (s *Store) UpsertRateCounter(ctx context.Context, rc domain.RateCounter) error {
	query := `INSERT INTO rate_counters (key, count, window_start, window_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET count = GREATEST(rate_counters.count, EXCLUDED.count)`
	_, err := s.db.ExecContext(ctx, query, rc.Key, rc.Count, rc.WindowStart, rc.WindowEnd)
	return wrapStoreErr("upsert rate counter", err)
}

func firstErr(_ sql.Result, err error) error { return err }
