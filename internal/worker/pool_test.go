package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/queue"
	"github.com/ignite/emailsched/internal/ratelimit"
	"github.com/ignite/emailsched/internal/transport"
)

type fakeStore struct {
	messages         map[string]*domain.Message
	senders          map[string]*domain.Sender
	rateLimitedCalls []string
	requeueCalls     []string
	sentCalls        []string
	failOrRetryCalls int
	terminal         bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string]*domain.Message{}, senders: map[string]*domain.Sender{}}
}

func (f *fakeStore) TransitionToProcessing(_ context.Context, messageID, jobID string) (*domain.Message, error) {
	m, ok := f.messages[messageID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.Status = domain.StatusProcessing
	m.JobID = &jobID
	return m, nil
}

func (f *fakeStore) MarkRateLimited(_ context.Context, messageID string) error {
	f.rateLimitedCalls = append(f.rateLimitedCalls, messageID)
	return nil
}

func (f *fakeStore) RequeueAfterRateLimit(_ context.Context, messageID, jobID string, _ time.Time) error {
	f.requeueCalls = append(f.requeueCalls, messageID)
	return nil
}

func (f *fakeStore) MarkSent(_ context.Context, messageID, _, _ string) error {
	f.sentCalls = append(f.sentCalls, messageID)
	return nil
}

func (f *fakeStore) MarkFailedOrRetry(_ context.Context, _, _ string, _ *time.Time) (bool, error) {
	f.failOrRetryCalls++
	return f.terminal, nil
}

func (f *fakeStore) GetSender(_ context.Context, _, senderID string) (*domain.Sender, error) {
	s, ok := f.senders[senderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

type fakeQueue struct {
	acked        []string
	nackedRetry  []string
	nackedDeferr []string
	enqueued     []domain.SendJob
}

func (f *fakeQueue) Claim(context.Context, string, int) ([]queue.ClaimedJob, error) { return nil, nil }
func (f *fakeQueue) Ack(_ context.Context, queueID string) error {
	f.acked = append(f.acked, queueID)
	return nil
}
func (f *fakeQueue) NackDeferred(_ context.Context, queueID string) error {
	f.nackedDeferr = append(f.nackedDeferr, queueID)
	return nil
}
func (f *fakeQueue) NackRetry(_ context.Context, queueID string) error {
	f.nackedRetry = append(f.nackedRetry, queueID)
	return nil
}
func (f *fakeQueue) Enqueue(_ context.Context, job domain.SendJob, _ queue.EnqueueOptions) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}
func (f *fakeQueue) RegisterWorker(context.Context, string, string, int) error { return nil }
func (f *fakeQueue) Heartbeat(context.Context, string, int64, int64) error     { return nil }
func (f *fakeQueue) DeregisterWorker(context.Context, string) error           { return nil }

type fakeLimiter struct {
	decision ratelimit.Decision
	checkErr error
	incrErr  error
}

func (f *fakeLimiter) Check(context.Context, *string) (ratelimit.Decision, error) {
	return f.decision, f.checkErr
}
func (f *fakeLimiter) Increment(context.Context, *string) error { return f.incrErr }

type fakeAdapter struct {
	result transport.Result
	err    error
}

func (a *fakeAdapter) Send(context.Context, transport.Envelope) (transport.Result, error) {
	return a.result, a.err
}
func (a *fakeAdapter) Close() error { return nil }

type fakeTransportPool struct {
	adapter transport.Adapter
	err     error
}

func (f *fakeTransportPool) Get(context.Context, transport.SenderConfig) (transport.Adapter, error) {
	return f.adapter, f.err
}

func claimedJobFor(messageID string) queue.ClaimedJob {
	return queue.ClaimedJob{
		QueueID:     "q-" + messageID,
		Job:         domain.SendJob{MessageID: messageID, UserID: "user-1", Recipient: "a@example.com", Attempt: 1},
		Priority:    0,
		Attempts:    1,
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Exponential: true, InitialDelayMS: 1000},
	}
}

func newTestPool(store *fakeStore, q *fakeQueue, limiter *fakeLimiter, tp *fakeTransportPool) *Pool {
	p := New(store, q, limiter, tp, clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "test-host")
	p.DefaultFromEmail = "noreply@example.com"
	return p
}

func TestProcess_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.messages["m1"] = &domain.Message{ID: "m1", UserID: "user-1", Recipient: "a@example.com", Status: domain.StatusScheduled}
	q := &fakeQueue{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	tp := &fakeTransportPool{adapter: &fakeAdapter{result: transport.Result{Success: true, MessageID: "provider-1"}}}
	p := newTestPool(store, q, limiter, tp)

	p.process(context.Background(), claimedJobFor("m1"))

	assert.Equal(t, []string{"m1"}, store.sentCalls)
	assert.Equal(t, []string{"q-m1"}, q.acked)
	sent, failed, rl := p.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, int64(0), rl)
}

func TestProcess_CancelledMessageAcksWithoutSending(t *testing.T) {
	store := newFakeStore() // no message registered => ErrNotFound
	q := &fakeQueue{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	tp := &fakeTransportPool{adapter: &fakeAdapter{result: transport.Result{Success: true}}}
	p := newTestPool(store, q, limiter, tp)

	p.process(context.Background(), claimedJobFor("ghost"))

	assert.Equal(t, []string{"q-ghost"}, q.acked)
	assert.Empty(t, store.sentCalls)
}

func TestProcess_RateLimitedDefersAndReenqueues(t *testing.T) {
	store := newFakeStore()
	store.messages["m1"] = &domain.Message{ID: "m1", UserID: "user-1", Recipient: "a@example.com", Status: domain.StatusScheduled}
	q := &fakeQueue{}
	resetAt := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, NextSlotAt: resetAt}}
	tp := &fakeTransportPool{}
	p := newTestPool(store, q, limiter, tp)

	p.process(context.Background(), claimedJobFor("m1"))

	assert.Equal(t, []string{"m1"}, store.rateLimitedCalls)
	assert.Equal(t, []string{"m1"}, store.requeueCalls)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "m1", q.enqueued[0].MessageID)
	assert.Equal(t, []string{"q-m1"}, q.nackedDeferr)
	assert.Empty(t, q.acked)
	assert.Empty(t, q.nackedRetry)
	_, _, rl := p.Stats()
	assert.Equal(t, int64(1), rl)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	store := newFakeStore()
	store.messages["m1"] = &domain.Message{ID: "m1", UserID: "user-1", Recipient: "a@example.com", Status: domain.StatusScheduled}
	store.terminal = false
	q := &fakeQueue{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	tp := &fakeTransportPool{adapter: &fakeAdapter{err: errors.New("smtp timeout")}}
	p := newTestPool(store, q, limiter, tp)

	p.process(context.Background(), claimedJobFor("m1"))

	assert.Equal(t, 1, store.failOrRetryCalls)
	assert.Equal(t, []string{"q-m1"}, q.nackedRetry)
	assert.Empty(t, q.acked)
}

func TestProcess_TerminalFailureAcks(t *testing.T) {
	store := newFakeStore()
	store.messages["m1"] = &domain.Message{ID: "m1", UserID: "user-1", Recipient: "a@example.com", Status: domain.StatusScheduled}
	store.terminal = true
	q := &fakeQueue{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	tp := &fakeTransportPool{adapter: &fakeAdapter{result: transport.Result{Success: false, Error: "rejected"}}}
	p := newTestPool(store, q, limiter, tp)

	p.process(context.Background(), claimedJobFor("m1"))

	assert.Equal(t, 1, store.failOrRetryCalls)
	assert.Equal(t, []string{"q-m1"}, q.acked)
	assert.Empty(t, q.nackedRetry)
	_, failed, _ := p.Stats()
	assert.Equal(t, int64(1), failed)
}
