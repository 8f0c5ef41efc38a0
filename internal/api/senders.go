package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/httputil"
	"github.com/ignite/emailsched/internal/store"
)

type senderPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
	IsActive  bool   `json:"isActive"`
}

func toSenderPayload(s *domain.Sender) senderPayload {
	return senderPayload{ID: s.ID, Email: s.Email, Name: s.Name, IsDefault: s.IsDefault, IsActive: s.IsActive}
}

// HandleListSenders returns every sender owned by the caller.
func (h *Handlers) HandleListSenders(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	senders, err := h.Store.ListSenders(r.Context(), principal.UserID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]senderPayload, len(senders))
	for i, s := range senders {
		out[i] = toSenderPayload(s)
	}
	httputil.OK(w, out)
}

type createSenderRequest struct {
	Email     string                        `json:"email"`
	Name      string                        `json:"name"`
	IsDefault bool                          `json:"isDefault"`
	Transport *senderTransportConfigPayload `json:"transport,omitempty"`
}

type senderTransportConfigPayload struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	User   string `json:"user"`
	Secret string `json:"secret"`
}

// HandleCreateSender registers a new sender for the caller.
func (h *Handlers) HandleCreateSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	var req createSenderRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}

	sender := &domain.Sender{
		UserID:    principal.UserID,
		Email:     req.Email,
		Name:      req.Name,
		IsDefault: req.IsDefault,
	}
	if req.Transport != nil {
		sender.Transport = &domain.SenderTransportConfig{
			Host: req.Transport.Host, Port: req.Transport.Port,
			User: req.Transport.User, Secret: req.Transport.Secret,
		}
	}

	if err := h.Store.CreateSender(r.Context(), sender); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Created(w, toSenderPayload(sender))
}

// HandleGetSender returns one sender owned by the caller.
func (h *Handlers) HandleGetSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	senderID := chi.URLParam(r, "id")

	sender, err := h.Store.GetSender(r.Context(), principal.UserID, senderID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, toSenderPayload(sender))
}

type updateSenderRequest struct {
	Email     *string                       `json:"email,omitempty"`
	Name      *string                       `json:"name,omitempty"`
	IsDefault *bool                         `json:"isDefault,omitempty"`
	IsActive  *bool                         `json:"isActive,omitempty"`
	Transport *senderTransportConfigPayload `json:"transport,omitempty"`
}

// HandleUpdateSender applies a partial update to a sender owned by the
// caller: email, name, isDefault, isActive, and/or transport. Setting
// isDefault clears every other sender's default flag for the same user,
// preserving the "at most one default sender per user" invariant.
func (h *Handlers) HandleUpdateSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	senderID := chi.URLParam(r, "id")

	var req updateSenderRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	update := store.SenderUpdate{
		Email:     req.Email,
		Name:      req.Name,
		IsDefault: req.IsDefault,
		IsActive:  req.IsActive,
	}
	if req.Transport != nil {
		update.SetTransport = true
		update.Transport = &domain.SenderTransportConfig{
			Host: req.Transport.Host, Port: req.Transport.Port,
			User: req.Transport.User, Secret: req.Transport.Secret,
		}
	}

	sender, err := h.Store.UpdateSender(r.Context(), principal.UserID, senderID, update)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, toSenderPayload(sender))
}

// HandleDeleteSender removes a sender owned by the caller.
func (h *Handlers) HandleDeleteSender(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	senderID := chi.URLParam(r, "id")

	if err := h.Store.DeleteSender(r.Context(), principal.UserID, senderID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.NoContent(w)
}
