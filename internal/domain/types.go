// Package domain holds the core data model shared by every component of
// the delivery pipeline: users, senders, messages, batches, rate counters,
// and the queue payload that ties a message to one send attempt.
package domain

import (
	"strconv"
	"time"
)

// MessageStatus is the state of a Message in the send state machine (see
// the transition table in the scheduling coordinator design).
type MessageStatus string

const (
	StatusScheduled   MessageStatus = "SCHEDULED"
	StatusProcessing  MessageStatus = "PROCESSING"
	StatusSent        MessageStatus = "SENT"
	StatusFailed      MessageStatus = "FAILED"
	StatusRateLimited MessageStatus = "RATE_LIMITED"
)

// User is an opaque-id tenant. Owned for life by the tenant abstraction;
// destroyed only by explicit administrative action.
type User struct {
	ID         string
	ExternalID string // unique identity-provider id
	Email      string // unique
	Name       string
	AvatarURL  string
	CreatedAt  time.Time
}

// Sender is a user-owned outbound identity. Per user, (UserID, Email) is
// unique and at most one Sender has IsDefault=true.
type Sender struct {
	ID         string
	UserID     string
	Email      string
	Name       string
	Transport  *SenderTransportConfig // nil uses the default transport
	IsDefault  bool
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SenderTransportConfig is a private SMTP-shaped transport configuration
// a Sender may carry instead of using the service default.
type SenderTransportConfig struct {
	Host   string
	Port   int
	User   string
	Secret string
}

// Message is one prospective send to one recipient. (BatchID, BatchIndex)
// is unique within a batch.
type Message struct {
	ID               string
	UserID           string
	SenderID         *string // nullable: FK set-null on sender delete
	Recipient        string
	Subject          string
	Body             string
	ScheduledAt      time.Time
	SentAt           *time.Time
	Status           MessageStatus
	ErrorMessage     string
	RetryCount       int
	MaxRetries       int
	JobID            *string // nullable, unique when set
	ProviderMessageID string
	PreviewURL       string
	BatchID          string
	BatchIndex       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsTerminal reports whether the message can no longer transition.
func (m *Message) IsTerminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed
}

// Batch is the set of Messages created from one schedule request.
// Counters are monotone non-decreasing; Sent+Failed <= Total.
type Batch struct {
	ID              string
	UserID          string
	TotalCount      int
	ScheduledCount  int
	SentCount       int
	FailedCount     int
	StartTime       time.Time
	SpacingSeconds  int
	HourlyLimit     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RateCounter is the durable fallback record for a (scope, hour) counter.
// Key is "global:<hourStartISO>" or "sender:<senderID>:<hourStartISO>".
type RateCounter struct {
	Key         string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time
}

// SendJob is the queue payload: one attempt to send one Message. It is
// never itself persisted in the Durable Store; it lives only in the
// Persistent Queue.
type SendJob struct {
	MessageID string
	Recipient string
	Subject   string
	Body      string
	SenderID  *string
	UserID    string
	BatchID   string
	Attempt   int // >= 1
}

// JobID returns the deterministic, de-duplicating queue identity for this
// job: an identical re-enqueue of the same (messageID, attempt) pair is
// rejected as a duplicate by the Persistent Queue.
func (j SendJob) JobID() string {
	return "email-" + j.MessageID + "-attempt-" + strconv.Itoa(j.Attempt)
}
