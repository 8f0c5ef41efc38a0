// Package worker implements the Worker Pool: a bounded-concurrency
// consumer of the Persistent Queue that drives one Message through the
// send state machine per claimed job: transition to PROCESSING, check
// the rate limiter, hand off to a Transport Adapter, and record the
// terminal or retryable outcome.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/logger"
	"github.com/ignite/emailsched/internal/queue"
	"github.com/ignite/emailsched/internal/ratelimit"
	"github.com/ignite/emailsched/internal/transport"
)

// Store is the subset of the Durable Store the worker pool needs to
// drive a message through the send state machine.
type Store interface {
	TransitionToProcessing(ctx context.Context, messageID, jobID string) (*domain.Message, error)
	MarkRateLimited(ctx context.Context, messageID string) error
	RequeueAfterRateLimit(ctx context.Context, messageID, jobID string, nextAttemptAt time.Time) error
	MarkSent(ctx context.Context, messageID, providerMessageID, previewURL string) error
	MarkFailedOrRetry(ctx context.Context, messageID, errMsg string, nextAttemptAt *time.Time) (terminal bool, err error)
	GetSender(ctx context.Context, userID, senderID string) (*domain.Sender, error)
}

// Queue is the subset of the Persistent Queue the worker pool needs.
type Queue interface {
	Claim(ctx context.Context, workerID string, n int) ([]queue.ClaimedJob, error)
	Ack(ctx context.Context, queueID string) error
	NackDeferred(ctx context.Context, queueID string) error
	NackRetry(ctx context.Context, queueID string) error
	Enqueue(ctx context.Context, job domain.SendJob, opts queue.EnqueueOptions) error
	RegisterWorker(ctx context.Context, workerID, hostname string, concurrency int) error
	Heartbeat(ctx context.Context, workerID string, processed, errored int64) error
	DeregisterWorker(ctx context.Context, workerID string) error
}

// RateLimiter is the subset of the Rate Limiter the worker pool needs.
type RateLimiter interface {
	Check(ctx context.Context, senderID *string) (ratelimit.Decision, error)
	Increment(ctx context.Context, senderID *string) error
}

// TransportPool resolves the Adapter a message should send through.
type TransportPool interface {
	Get(ctx context.Context, cfg transport.SenderConfig) (transport.Adapter, error)
}

// Pool is the bounded-concurrency worker pool.
type Pool struct {
	store     Store
	queue     Queue
	limiter   RateLimiter
	transport TransportPool
	clock     clock.Clock

	workerID string
	hostname string

	// Concurrency is how many goroutines poll and process jobs.
	Concurrency int
	// ClaimBatchSize is how many jobs one Claim call leases at a time.
	ClaimBatchSize int
	// PollInterval is how long an idle worker sleeps between empty claims.
	PollInterval time.Duration
	// HeartbeatInterval is how often RegisterWorker's row is refreshed.
	HeartbeatInterval time.Duration
	// InitialRetryDelayMS seeds the locally-estimated next-attempt instant
	// recorded alongside a transient-failure retry; actual redelivery
	// timing is governed by the Queue's own NackRetry backoff, not by
	// this value; it only keeps the Message's displayed ScheduledAt
	// roughly in step with it.
	InitialRetryDelayMS int
	// DefaultTransport is used for any Message whose Sender has no
	// SenderTransportConfig of its own.
	DefaultTransport transport.SenderConfig
	// DefaultFromName and DefaultFromEmail fill the From header when a
	// Message carries no SenderID (campaign sent from the service's own
	// identity rather than a user-owned Sender).
	DefaultFromName  string
	DefaultFromEmail string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	totalSent        int64
	totalFailed      int64
	totalRateLimited int64
}

// New builds a Pool. hostname is recorded purely for operability.
func New(store Store, q Queue, limiter RateLimiter, pool TransportPool, c clock.Clock, hostname string) *Pool {
	return &Pool{
		store:               store,
		queue:               q,
		limiter:             limiter,
		transport:           pool,
		clock:               c,
		workerID:            "worker-" + uuid.New().String()[:8],
		hostname:            hostname,
		Concurrency:         10,
		ClaimBatchSize:      25,
		PollInterval:        250 * time.Millisecond,
		HeartbeatInterval:   10 * time.Second,
		InitialRetryDelayMS: 1000,
	}
}

// Start launches Concurrency goroutines claiming and processing jobs. It
// returns immediately; callers stop the pool with Stop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	if err := p.queue.RegisterWorker(p.ctx, p.workerID, p.hostname, p.Concurrency); err != nil {
		logger.Warn("worker: failed to register worker", "workerId", p.workerID, "error", err.Error())
	}

	p.wg.Add(1)
	go p.heartbeatLoop()

	for i := 0; i < p.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	logger.Info("worker: pool started", "workerId", p.workerID, "concurrency", p.Concurrency)
}

// Stop cancels all processing loops and waits for in-flight jobs to
// finish claiming/acking before returning.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.DeregisterWorker(deregisterCtx, p.workerID); err != nil {
		logger.Warn("worker: failed to deregister worker", "workerId", p.workerID, "error", err.Error())
	}
	logger.Info("worker: pool stopped", "workerId", p.workerID,
		"sent", atomic.LoadInt64(&p.totalSent), "failed", atomic.LoadInt64(&p.totalFailed),
		"rateLimited", atomic.LoadInt64(&p.totalRateLimited))
}

// Stats returns current lifetime counters.
func (p *Pool) Stats() (sent, failed, rateLimited int64) {
	return atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalRateLimited)
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			sent, failed, _ := p.Stats()
			if err := p.queue.Heartbeat(p.ctx, p.workerID, sent, failed); err != nil {
				logger.Warn("worker: heartbeat failed", "workerId", p.workerID, "error", err.Error())
			}
		}
	}
}

func (p *Pool) loop(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		claimCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		jobs, err := p.queue.Claim(claimCtx, p.workerID, p.ClaimBatchSize)
		cancel()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Error("worker: claim failed", "worker", n, "error", err.Error())
			sleepOrDone(p.ctx, time.Second)
			continue
		}

		if len(jobs) == 0 {
			sleepOrDone(p.ctx, p.PollInterval)
			continue
		}

		for _, job := range jobs {
			processCtx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
			p.process(processCtx, job)
			cancel()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process drives one claimed job through the send state machine.
func (p *Pool) process(ctx context.Context, c queue.ClaimedJob) {
	job := c.Job
	msg, err := p.store.TransitionToProcessing(ctx, job.MessageID, job.JobID())
	if errors.Is(err, domain.ErrNotFound) {
		// Message was cancelled (deleted) after being enqueued. Acking
		// here, not retrying, is what lets DeleteMessage's hard-delete
		// actually stop future delivery attempts.
		if err := p.queue.Ack(ctx, c.QueueID); err != nil {
			logger.Warn("worker: ack of cancelled message failed", "messageId", job.MessageID, "error", err.Error())
		}
		return
	}
	if err != nil {
		logger.Error("worker: transition to processing failed", "messageId", job.MessageID, "error", err.Error())
		p.nackRetry(ctx, c)
		return
	}

	decision, err := p.limiter.Check(ctx, msg.SenderID)
	if err != nil {
		logger.Error("worker: rate limit check failed", "messageId", msg.ID, "error", err.Error())
		p.nackRetry(ctx, c)
		return
	}
	if !decision.Allowed {
		p.deferForRateLimit(ctx, c, msg, decision)
		return
	}

	cfg, identity, err := p.resolveSender(ctx, msg)
	if err != nil {
		logger.Error("worker: sender resolution failed", "messageId", msg.ID, "error", err.Error())
		p.failOrRetry(ctx, c, msg, err.Error())
		return
	}

	adapter, err := p.transport.Get(ctx, cfg)
	if err != nil {
		logger.Error("worker: transport unavailable", "messageId", msg.ID, "error", err.Error())
		p.failOrRetry(ctx, c, msg, err.Error())
		return
	}

	result, err := adapter.Send(ctx, buildEnvelope(identity, msg))
	if err != nil {
		p.failOrRetry(ctx, c, msg, err.Error())
		return
	}
	if !result.Success {
		p.failOrRetry(ctx, c, msg, result.Error)
		return
	}

	if err := p.limiter.Increment(ctx, msg.SenderID); err != nil {
		logger.Warn("worker: rate limit increment failed", "messageId", msg.ID, "error", err.Error())
	}
	if err := p.store.MarkSent(ctx, msg.ID, result.MessageID, result.PreviewURL); err != nil {
		logger.Error("worker: mark sent failed", "messageId", msg.ID, "error", err.Error())
	}
	if err := p.queue.Ack(ctx, c.QueueID); err != nil {
		logger.Warn("worker: ack failed", "messageId", msg.ID, "error", err.Error())
	}
	atomic.AddInt64(&p.totalSent, 1)
}

// deferForRateLimit marks the message RATE_LIMITED, requeues it as the next
// attempt (attempt+1, with that attempt's deterministic job id) visible
// once the quota resets, and acknowledges the
// original job as deferred (not a delivery failure, so it must not
// consume a retry attempt).
func (p *Pool) deferForRateLimit(ctx context.Context, c queue.ClaimedJob, msg *domain.Message, decision ratelimit.Decision) {
	if err := p.store.MarkRateLimited(ctx, msg.ID); err != nil {
		logger.Error("worker: mark rate limited failed", "messageId", msg.ID, "error", err.Error())
	}

	job := domain.SendJob{
		MessageID: msg.ID, Recipient: msg.Recipient, Subject: msg.Subject, Body: msg.Body,
		SenderID: msg.SenderID, UserID: msg.UserID, BatchID: msg.BatchID, Attempt: c.Job.Attempt + 1,
	}
	nextJobID := job.JobID()
	if err := p.store.RequeueAfterRateLimit(ctx, msg.ID, nextJobID, decision.NextSlotAt); err != nil {
		logger.Error("worker: requeue after rate limit failed", "messageId", msg.ID, "error", err.Error())
	}
	delay := decision.NextSlotAt.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	opts := queue.EnqueueOptions{
		JobID: nextJobID, Delay: delay, Priority: c.Priority, Attempts: c.MaxAttempts, Backoff: c.Backoff,
	}
	if err := p.queue.Enqueue(ctx, job, opts); err != nil {
		logger.Error("worker: re-enqueue after rate limit failed", "messageId", msg.ID, "error", err.Error())
	}

	if err := p.queue.NackDeferred(ctx, c.QueueID); err != nil {
		logger.Warn("worker: nack deferred failed", "messageId", msg.ID, "error", err.Error())
	}
	atomic.AddInt64(&p.totalRateLimited, 1)
}

func (p *Pool) failOrRetry(ctx context.Context, c queue.ClaimedJob, msg *domain.Message, errMsg string) {
	nextAttempt := p.clock.Now().Add(estimatedBackoff(p.InitialRetryDelayMS, c.Attempts))
	terminal, err := p.store.MarkFailedOrRetry(ctx, msg.ID, errMsg, &nextAttempt)
	if err != nil {
		logger.Error("worker: mark failed or retry failed", "messageId", msg.ID, "error", err.Error())
	}

	if terminal {
		if err := p.queue.Ack(ctx, c.QueueID); err != nil {
			logger.Warn("worker: ack of terminal failure failed", "messageId", msg.ID, "error", err.Error())
		}
		atomic.AddInt64(&p.totalFailed, 1)
		return
	}

	p.nackRetry(ctx, c)
}

func (p *Pool) nackRetry(ctx context.Context, c queue.ClaimedJob) {
	if err := p.queue.NackRetry(ctx, c.QueueID); err != nil {
		logger.Warn("worker: nack retry failed", "queueId", c.QueueID, "error", err.Error())
	}
}

func estimatedBackoff(initialMS int, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := 1 << (attempt - 1)
	return time.Duration(initialMS*mult) * time.Millisecond
}

// senderIdentity is the From header identity for a Message, resolved
// separately from the transport connection it sends over.
type senderIdentity struct {
	Name  string
	Email string
}

// resolveSender picks the Sender's private transport config and display
// identity if set, otherwise the pool's configured defaults.
func (p *Pool) resolveSender(ctx context.Context, msg *domain.Message) (transport.SenderConfig, senderIdentity, error) {
	if msg.SenderID == nil {
		return p.DefaultTransport, senderIdentity{Name: p.DefaultFromName, Email: p.DefaultFromEmail}, nil
	}
	sender, err := p.store.GetSender(ctx, msg.UserID, *msg.SenderID)
	if err != nil {
		return transport.SenderConfig{}, senderIdentity{}, err
	}
	identity := senderIdentity{Name: sender.Name, Email: sender.Email}
	if sender.Transport != nil {
		return transport.SenderConfig{
			Host: sender.Transport.Host, Port: sender.Transport.Port,
			User: sender.Transport.User, Secret: sender.Transport.Secret,
		}, identity, nil
	}
	return p.DefaultTransport, identity, nil
}

func buildEnvelope(identity senderIdentity, msg *domain.Message) transport.Envelope {
	return transport.Envelope{
		FromName: identity.Name,
		From:     identity.Email,
		To:       msg.Recipient,
		Subject:  msg.Subject,
		HTML:     msg.Body,
	}
}
