package scheduling

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/queue"
)

type fakeStore struct {
	senders       map[string]*domain.Sender
	batches       []*domain.Batch
	createdMsgs   []*domain.Message
	linkedJobIDs  map[string]string
	failBatchCall struct {
		batchID string
		reason  string
	}
	createBatchErr   error
	createMessageErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{senders: map[string]*domain.Sender{}, linkedJobIDs: map[string]string{}}
}

func (f *fakeStore) GetSender(_ context.Context, _, senderID string) (*domain.Sender, error) {
	s, ok := f.senders[senderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSenders(_ context.Context, userID string) ([]*domain.Sender, error) {
	var out []*domain.Sender
	for _, s := range f.senders {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateBatch(_ context.Context, b *domain.Batch) error {
	if f.createBatchErr != nil {
		return f.createBatchErr
	}
	b.ID = "batch-1"
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeStore) CreateMessagesBulk(_ context.Context, messages []*domain.Message) error {
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	for i, m := range messages {
		m.ID = "msg-" + strconv.Itoa(i)
	}
	f.createdMsgs = append(f.createdMsgs, messages...)
	return nil
}

func (f *fakeStore) LinkJobID(_ context.Context, messageID, jobID string) error {
	f.linkedJobIDs[messageID] = jobID
	return nil
}

func (f *fakeStore) MarkBatchMessagesFailed(_ context.Context, batchID, reason string) (int, error) {
	f.failBatchCall.batchID = batchID
	f.failBatchCall.reason = reason
	return len(f.createdMsgs), nil
}

type fakeQueue struct {
	enqueueErr error
	jobs       []domain.SendJob
}

func (f *fakeQueue) BulkEnqueue(_ context.Context, jobs []domain.SendJob, optsFor func(domain.SendJob) queue.EnqueueOptions) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, jobs...)
	for _, j := range jobs {
		_ = optsFor(j)
	}
	return nil
}

func defaultSender() *domain.Sender {
	return &domain.Sender{ID: "sender-1", UserID: "user-1", Email: "from@example.com", IsDefault: true, IsActive: true}
}

func TestScheduleBatch_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.senders["sender-1"] = defaultSender()
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))

	res, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:  "user-1",
		Subject: "hi",
		Body:    "body",
		Recipients: []Recipient{
			{Email: "a@example.com"},
			{Email: "b@example.com"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "batch-1", res.Batch.ID)
	assert.Len(t, res.Messages, 2)
	assert.Len(t, q.jobs, 2)
	assert.Empty(t, store.failBatchCall.batchID)
}

func TestScheduleBatch_NoRecipients(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Now()))

	_, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
}

func TestScheduleBatch_NoDefaultSender(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Now()))

	_, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:     "user-1",
		Recipients: []Recipient{{Email: "a@example.com"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoSender)
}

func TestScheduleBatch_FallsBackToAnyActiveSenderWhenNoDefault(t *testing.T) {
	store := newFakeStore()
	store.senders["sender-1"] = &domain.Sender{ID: "sender-1", UserID: "user-1", Email: "a@example.com", IsDefault: false, IsActive: true}
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Now()))

	res, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:     "user-1",
		Recipients: []Recipient{{Email: "a@example.com"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "sender-1", *res.Messages[0].SenderID)
}

func TestScheduleBatch_InactiveExplicitSender(t *testing.T) {
	store := newFakeStore()
	store.senders["sender-1"] = &domain.Sender{ID: "sender-1", UserID: "user-1", IsActive: false}
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Now()))

	_, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:     "user-1",
		SenderID:   "sender-1",
		Recipients: []Recipient{{Email: "a@example.com"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidSender)
}

func TestScheduleBatch_EnqueueFailureMarksMessagesFailed(t *testing.T) {
	store := newFakeStore()
	store.senders["sender-1"] = defaultSender()
	q := &fakeQueue{enqueueErr: errors.New("queue down")}
	c := New(store, q, clock.NewFixed(time.Now()))

	_, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:     "user-1",
		Recipients: []Recipient{{Email: "a@example.com"}, {Email: "b@example.com"}},
	})

	require.Error(t, err)
	assert.Equal(t, domain.KindQueueUnavailable, domain.KindOf(err))
	assert.Equal(t, "batch-1", store.failBatchCall.batchID)
	assert.Contains(t, store.failBatchCall.reason, "queue down")
}

func TestScheduleBatch_PersonalizationOverridesDefaults(t *testing.T) {
	store := newFakeStore()
	store.senders["sender-1"] = defaultSender()
	q := &fakeQueue{}
	c := New(store, q, clock.NewFixed(time.Now()))

	res, err := c.ScheduleBatch(context.Background(), ScheduleBatchRequest{
		UserID:  "user-1",
		Subject: "default subject",
		Body:    "default body",
		Recipients: []Recipient{
			{Email: "a@example.com", Subject: "custom subject"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "custom subject", res.Messages[0].Subject)
	assert.Equal(t, "default body", res.Messages[0].Body)
}
