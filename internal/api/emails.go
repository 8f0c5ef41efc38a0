package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/httputil"
	"github.com/ignite/emailsched/internal/scheduling"
	"github.com/ignite/emailsched/internal/store"
)

type scheduleRecipientRequest struct {
	Email   string `json:"email"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

type scheduleEmailsRequest struct {
	SenderID       string                     `json:"senderId,omitempty"`
	Subject        string                     `json:"subject"`
	Body           string                     `json:"body"`
	Recipients     []scheduleRecipientRequest `json:"recipients"`
	StartTime      *time.Time                 `json:"startTime,omitempty"`
	SpacingSeconds int                        `json:"spacingSeconds,omitempty"`
	HourlyLimit    int                        `json:"hourlyLimit,omitempty"`
	MaxRetries     int                        `json:"maxRetries,omitempty"`
}

type scheduleEmailsResponse struct {
	BatchID         string           `json:"batchId"`
	TotalEmails     int              `json:"totalEmails"`
	ScheduledEmails []messagePayload `json:"scheduledEmails"`
}

// HandleScheduleEmails fans a recipient list out into Messages and hands
// them to the Scheduling Coordinator.
func (h *Handlers) HandleScheduleEmails(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	var req scheduleEmailsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients is required")
		return
	}

	recipients := make([]scheduling.Recipient, len(req.Recipients))
	for i, rec := range req.Recipients {
		if rec.Email == "" {
			httputil.BadRequest(w, "recipient email is required")
			return
		}
		recipients[i] = scheduling.Recipient{Email: rec.Email, Subject: rec.Subject, Body: rec.Body}
	}

	schedReq := scheduling.ScheduleBatchRequest{
		UserID:         principal.UserID,
		SenderID:       req.SenderID,
		Subject:        req.Subject,
		Body:           req.Body,
		Recipients:     recipients,
		SpacingSeconds: req.SpacingSeconds,
		HourlyLimit:    req.HourlyLimit,
		MaxRetries:     req.MaxRetries,
	}
	if req.StartTime != nil {
		schedReq.StartTime = *req.StartTime
	}

	result, err := h.Coordinator.ScheduleBatch(r.Context(), schedReq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	scheduled := make([]messagePayload, len(result.Messages))
	for i, m := range result.Messages {
		scheduled[i] = toMessagePayload(m)
	}
	httputil.Created(w, scheduleEmailsResponse{
		BatchID:         result.Batch.ID,
		TotalEmails:     result.Batch.TotalCount,
		ScheduledEmails: scheduled,
	})
}

type messagePayload struct {
	ID                string     `json:"id"`
	SenderID          *string    `json:"senderId,omitempty"`
	Recipient         string     `json:"recipient"`
	Subject           string     `json:"subject"`
	ScheduledAt       time.Time  `json:"scheduledAt"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	BatchID           string     `json:"batchId"`
}

func toMessagePayload(m *domain.Message) messagePayload {
	return messagePayload{
		ID: m.ID, SenderID: m.SenderID, Recipient: m.Recipient, Subject: m.Subject,
		ScheduledAt: m.ScheduledAt, SentAt: m.SentAt, Status: string(m.Status),
		ErrorMessage: m.ErrorMessage, RetryCount: m.RetryCount, MaxRetries: m.MaxRetries,
		ProviderMessageID: m.ProviderMessageID, BatchID: m.BatchID,
	}
}

// listMessages lists a page of the caller's messages restricted to
// allowed, narrowed to the single status in the request's optional
// ?status= query parameter when it names one of allowed, otherwise to
// all of allowed.
func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request, allowed []domain.MessageStatus) {
	principal, _ := PrincipalFromContext(r.Context())
	params := ParsePagination(r, 25, 100)

	statuses := allowed
	if q := domain.MessageStatus(r.URL.Query().Get("status")); q != "" {
		for _, st := range allowed {
			if st == q {
				statuses = []domain.MessageStatus{q}
				break
			}
		}
	}

	messages, total, err := h.Store.ListMessages(r.Context(), store.TransitionFilter{
		UserID:   principal.UserID,
		Statuses: statuses,
	}, params.Limit, params.Offset, r.URL.Query().Get("sortBy"), r.URL.Query().Get("sortOrder"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]messagePayload, len(messages))
	for i, m := range messages {
		out[i] = toMessagePayload(m)
	}
	httputil.OKPaginated(w, out, buildPagination(params, total))
}

// nonTerminalStatuses are the statuses /emails/scheduled lists: every
// message that has not yet reached SENT or FAILED.
var nonTerminalStatuses = []domain.MessageStatus{
	domain.StatusScheduled, domain.StatusProcessing, domain.StatusRateLimited,
}

// terminalStatuses are the statuses /emails/sent lists.
var terminalStatuses = []domain.MessageStatus{domain.StatusSent, domain.StatusFailed}

// HandleListScheduled returns the caller's not-yet-terminal messages
// (SCHEDULED, PROCESSING, and RATE_LIMITED are all still pending).
func (h *Handlers) HandleListScheduled(w http.ResponseWriter, r *http.Request) {
	h.listMessages(w, r, nonTerminalStatuses)
}

// HandleListSent returns the caller's terminal messages (SENT and FAILED).
func (h *Handlers) HandleListSent(w http.ResponseWriter, r *http.Request) {
	h.listMessages(w, r, terminalStatuses)
}

// HandleGetMessage returns one message owned by the caller.
func (h *Handlers) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	message, err := h.Store.GetMessage(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if message.UserID != principal.UserID {
		httputil.NotFound(w, "message not found")
		return
	}
	httputil.OK(w, toMessagePayload(message))
}

// HandleCancelMessage cancels a pending message owned by the caller.
func (h *Handlers) HandleCancelMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.Store.DeleteMessage(r.Context(), principal.UserID, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.NoContent(w)
}

type statsPayload struct {
	Scheduled   int `json:"scheduled"`
	Processing  int `json:"processing"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rateLimited"`
	Total       int `json:"total"`
}

// HandleStats reports the caller's message counts by status.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	stats, err := h.Store.GetStats(r.Context(), principal.UserID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.OK(w, statsPayload{
		Scheduled: stats.Scheduled, Processing: stats.Processing, Sent: stats.Sent,
		Failed: stats.Failed, RateLimited: stats.RateLimited, Total: stats.Total,
	})
}
