// Package scheduling implements the Scheduling Coordinator: the
// orchestration step between an inbound "schedule this batch" request and
// the Durable Store / Persistent Queue that carry it from there. It owns
// no retry or delivery logic of its own (that belongs to the Queue and
// the Worker Pool), only the one-time fan-out from recipients to planned
// Messages to enqueued SendJobs.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/logger"
	"github.com/ignite/emailsched/internal/planner"
	"github.com/ignite/emailsched/internal/queue"
)

// Store is the subset of the Durable Store the coordinator needs to plan
// and persist a batch.
type Store interface {
	GetSender(ctx context.Context, userID, senderID string) (*domain.Sender, error)
	ListSenders(ctx context.Context, userID string) ([]*domain.Sender, error)
	CreateBatch(ctx context.Context, b *domain.Batch) error
	CreateMessagesBulk(ctx context.Context, messages []*domain.Message) error
	LinkJobID(ctx context.Context, messageID, jobID string) error
	MarkBatchMessagesFailed(ctx context.Context, batchID, reason string) (int, error)
}

// Queue is the subset of the Persistent Queue the coordinator needs to
// hand off planned sends.
type Queue interface {
	BulkEnqueue(ctx context.Context, jobs []domain.SendJob, optsFor func(domain.SendJob) queue.EnqueueOptions) error
}

// Recipient is one addressee of a scheduled batch. Subject and Body
// override the batch-wide defaults when non-empty, letting callers
// personalize individual sends within an otherwise uniform batch.
type Recipient struct {
	Email   string
	Subject string
	Body    string
}

// ScheduleBatchRequest describes one "send this to these people, spread
// out like this" request.
type ScheduleBatchRequest struct {
	UserID     string
	SenderID   string // empty selects the user's default active sender
	Subject    string
	Body       string
	Recipients []Recipient

	StartTime      time.Time // zero defaults to now
	SpacingSeconds int       // zero uses Coordinator.DefaultSpacingSeconds
	HourlyLimit    int       // zero uses Coordinator.DefaultHourlyLimit
	MaxRetries     int       // zero uses Coordinator.DefaultMaxRetries
}

// ScheduleBatchResult is what a caller (the HTTP edge) needs to report
// back to the user.
type ScheduleBatchResult struct {
	Batch    *domain.Batch
	Messages []*domain.Message
}

// Coordinator wires the Batch Planner's pure scheduling math to the
// Store and Queue side effects that make a batch durable.
type Coordinator struct {
	store Store
	queue Queue
	clock clock.Clock

	// DefaultSpacingSeconds, DefaultHourlyLimit, and DefaultMaxRetries
	// apply whenever a ScheduleBatchRequest leaves the matching field at
	// its zero value.
	DefaultSpacingSeconds int
	DefaultHourlyLimit    int
	DefaultMaxRetries     int
	InitialRetryDelayMS   int
	BucketMode            planner.HourBucketMode
}

// New builds a Coordinator.
func New(store Store, q Queue, c clock.Clock) *Coordinator {
	return &Coordinator{
		store:                 store,
		queue:                 q,
		clock:                 c,
		DefaultSpacingSeconds: 1,
		DefaultHourlyLimit:    100,
		DefaultMaxRetries:     3,
		InitialRetryDelayMS:   1000,
		BucketMode:            planner.UTCHour,
	}
}

// ScheduleBatch resolves the sending sender, lays out send instants with
// the Batch Planner, persists the Batch and its Messages, and
// bulk-enqueues one SendJob per Message. If enqueueing fails after the
// batch and messages have already committed, every Message in the batch
// is marked FAILED rather than left SCHEDULED with no corresponding job.
func (c *Coordinator) ScheduleBatch(ctx context.Context, req ScheduleBatchRequest) (*ScheduleBatchResult, error) {
	if len(req.Recipients) == 0 {
		return nil, domain.NewError(domain.KindConflict, "scheduling: batch has no recipients", nil)
	}

	sender, err := c.resolveSender(ctx, req.UserID, req.SenderID)
	if err != nil {
		return nil, err
	}

	spacing := req.SpacingSeconds
	if spacing == 0 {
		spacing = c.DefaultSpacingSeconds
	}
	hourlyLimit := req.HourlyLimit
	if hourlyLimit == 0 {
		hourlyLimit = c.DefaultHourlyLimit
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = c.DefaultMaxRetries
	}
	start := req.StartTime
	if start.IsZero() {
		start = c.clock.Now()
	}

	instants := planner.Plan(len(req.Recipients), start, spacing, hourlyLimit, c.BucketMode)

	batch := &domain.Batch{
		UserID:         req.UserID,
		TotalCount:     len(req.Recipients),
		StartTime:      start,
		SpacingSeconds: spacing,
		HourlyLimit:    hourlyLimit,
	}
	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, len(req.Recipients))
	for i, rec := range req.Recipients {
		subject, body := rec.Subject, rec.Body
		if subject == "" {
			subject = req.Subject
		}
		if body == "" {
			body = req.Body
		}
		messages[i] = &domain.Message{
			UserID:      req.UserID,
			SenderID:    &sender.ID,
			Recipient:   rec.Email,
			Subject:     subject,
			Body:        body,
			ScheduledAt: instants[i],
			Status:      domain.StatusScheduled,
			MaxRetries:  maxRetries,
			BatchID:     batch.ID,
			BatchIndex:  i,
		}
	}
	if err := c.store.CreateMessagesBulk(ctx, messages); err != nil {
		return nil, err
	}

	if err := c.enqueueAll(ctx, batch, messages, maxRetries); err != nil {
		reason := fmt.Sprintf("enqueue failed: %s", err.Error())
		if _, markErr := c.store.MarkBatchMessagesFailed(ctx, batch.ID, reason); markErr != nil {
			logger.Error("scheduling: failed to mark batch messages failed after enqueue error",
				"batchId", batch.ID, "error", markErr.Error())
		}
		return nil, domain.NewError(domain.KindQueueUnavailable, "scheduling: enqueue batch", err)
	}

	return &ScheduleBatchResult{Batch: batch, Messages: messages}, nil
}

func (c *Coordinator) enqueueAll(ctx context.Context, batch *domain.Batch, messages []*domain.Message, maxRetries int) error {
	now := c.clock.Now()
	jobs := make([]domain.SendJob, len(messages))
	jobIDs := make(map[string]string, len(messages))
	for i, m := range messages {
		job := domain.SendJob{
			MessageID: m.ID,
			Recipient: m.Recipient,
			Subject:   m.Subject,
			Body:      m.Body,
			SenderID:  m.SenderID,
			UserID:    m.UserID,
			BatchID:   batch.ID,
			Attempt:   1,
		}
		jobs[i] = job
		jobIDs[m.ID] = job.JobID()
	}

	optsFor := func(job domain.SendJob) queue.EnqueueOptions {
		delay := jobDelay(now, messages, job.MessageID)
		return queue.EnqueueOptions{
			Priority: priorityFor(messages, job.MessageID),
			Attempts: maxRetries + 1,
			Delay:    delay,
			Backoff:  queue.Backoff{Exponential: true, InitialDelayMS: c.InitialRetryDelayMS},
		}
	}

	if err := c.queue.BulkEnqueue(ctx, jobs, optsFor); err != nil {
		return err
	}

	for _, m := range messages {
		if err := c.store.LinkJobID(ctx, m.ID, jobIDs[m.ID]); err != nil {
			logger.Warn("scheduling: failed to link job id", "messageId", m.ID, "error", err.Error())
			continue
		}
		m.JobID = ptr(jobIDs[m.ID])
	}
	return nil
}

func jobDelay(now time.Time, messages []*domain.Message, messageID string) time.Duration {
	for _, m := range messages {
		if m.ID == messageID {
			if d := m.ScheduledAt.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return 0
}

func priorityFor(messages []*domain.Message, messageID string) int {
	for _, m := range messages {
		if m.ID == messageID {
			return m.BatchIndex
		}
	}
	return 0
}

func (c *Coordinator) resolveSender(ctx context.Context, userID, senderID string) (*domain.Sender, error) {
	if senderID != "" {
		sender, err := c.store.GetSender(ctx, userID, senderID)
		if err != nil {
			return nil, err
		}
		if !sender.IsActive {
			return nil, domain.ErrInvalidSender
		}
		return sender, nil
	}

	senders, err := c.store.ListSenders(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, s := range senders {
		if s.IsDefault && s.IsActive {
			return s, nil
		}
	}
	for _, s := range senders {
		if s.IsActive {
			return s, nil
		}
	}
	return nil, domain.ErrNoSender
}

func ptr(s string) *string { return &s }
