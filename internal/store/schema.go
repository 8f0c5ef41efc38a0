package store

import "context"

// schemaStatements creates every table and index the service uses. Each
// statement is idempotent so both cmd/server and cmd/worker can run the
// bootstrap at startup regardless of which comes up first.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		external_id VARCHAR(255) NOT NULL UNIQUE,
		email VARCHAR(320) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS senders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		email VARCHAR(320) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		transport_host VARCHAR(255),
		transport_port INTEGER,
		transport_user VARCHAR(255),
		transport_secret TEXT,
		is_default BOOLEAN NOT NULL DEFAULT false,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, email)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_senders_user_id ON senders(user_id)`,

	`CREATE TABLE IF NOT EXISTS batches (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		total_count INTEGER NOT NULL DEFAULT 0,
		scheduled_count INTEGER NOT NULL DEFAULT 0,
		sent_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		start_time TIMESTAMP WITH TIME ZONE NOT NULL,
		spacing_seconds INTEGER NOT NULL DEFAULT 0,
		hourly_limit INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		sender_id UUID REFERENCES senders(id) ON DELETE SET NULL,
		recipient VARCHAR(320) NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
		sent_at TIMESTAMP WITH TIME ZONE,
		status VARCHAR(20) NOT NULL DEFAULT 'SCHEDULED',
		error_message TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		job_id VARCHAR(255),
		provider_message_id VARCHAR(255) NOT NULL DEFAULT '',
		preview_url TEXT NOT NULL DEFAULT '',
		batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
		batch_index INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (batch_id, batch_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_scheduled_at ON messages(scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_batch_id ON messages(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender_id ON messages(sender_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_job_id ON messages(job_id) WHERE job_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS send_jobs (
		id UUID PRIMARY KEY,
		job_id VARCHAR(255) NOT NULL UNIQUE,
		message_id UUID NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		payload JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'queued',
		visible_at TIMESTAMP WITH TIME ZONE NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		backoff_exponential BOOLEAN NOT NULL DEFAULT true,
		backoff_initial_ms INTEGER NOT NULL DEFAULT 1000,
		delivery_count INTEGER NOT NULL DEFAULT 0,
		worker_id VARCHAR(100),
		leased_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_send_jobs_claim ON send_jobs(status, visible_at, priority)`,
	`CREATE INDEX IF NOT EXISTS idx_send_jobs_leased_at ON send_jobs(leased_at) WHERE status = 'leased'`,

	`CREATE TABLE IF NOT EXISTS workers (
		id VARCHAR(100) PRIMARY KEY,
		hostname VARCHAR(255) NOT NULL DEFAULT '',
		concurrency INTEGER NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL DEFAULT 'running',
		total_processed BIGINT NOT NULL DEFAULT 0,
		total_errors BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		last_heartbeat_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS rate_counters (
		key VARCHAR(255) PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		window_start TIMESTAMP WITH TIME ZONE NOT NULL,
		window_end TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_counters_window_end ON rate_counters(window_end)`,
}

// EnsureSchema creates all tables and indexes if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapStoreErr("ensure schema", err)
		}
	}
	return nil
}
