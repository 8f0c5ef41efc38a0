// Package httputil implements the JSON response envelope and decoding
// helpers shared by every HTTP handler.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/logger"
)

// Envelope is the standard response shape for every API endpoint:
// {success, data?, error?, message?, pagination?}.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes the page window returned alongside a list result.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// JSON writes the envelope with the given status code. If encoding fails,
// the failure is logged; the client already has a half-written response
// at that point so nothing further can be done.
func JSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error("httputil: encode response", "error", err.Error())
	}
}

// OK writes a 200 success envelope carrying data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// OKPaginated writes a 200 success envelope carrying data and a pagination block.
func OKPaginated(w http.ResponseWriter, data any, p Pagination) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data, Pagination: &p})
}

// Created writes a 201 success envelope carrying data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Fail writes a failure envelope with the given status and message.
func Fail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// BadRequest writes a 400 failure envelope.
func BadRequest(w http.ResponseWriter, message string) {
	Fail(w, http.StatusBadRequest, message)
}

// Unauthenticated writes a 401 failure envelope.
func Unauthenticated(w http.ResponseWriter, message string) {
	Fail(w, http.StatusUnauthorized, message)
}

// Forbidden writes a 403 failure envelope.
func Forbidden(w http.ResponseWriter, message string) {
	Fail(w, http.StatusForbidden, message)
}

// NotFound writes a 404 failure envelope.
func NotFound(w http.ResponseWriter, message string) {
	Fail(w, http.StatusNotFound, message)
}

// Conflict writes a 409 failure envelope.
func Conflict(w http.ResponseWriter, message string) {
	Fail(w, http.StatusConflict, message)
}

// Unavailable writes a 503 failure envelope, for queue/transport outages.
func Unavailable(w http.ResponseWriter, message string) {
	Fail(w, http.StatusServiceUnavailable, message)
}

// InternalError logs the real error and writes a generic 500 envelope;
// internals are never leaked to the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("httputil: internal error", "error", err.Error())
	Fail(w, http.StatusInternalServerError, "internal server error")
}

// WriteError maps a domain.ErrorKind to the REST status convention from
// the response envelope design and writes the corresponding failure
// envelope.
func WriteError(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindUnauthenticated:
		Unauthenticated(w, err.Error())
	case domain.KindForbidden:
		Forbidden(w, err.Error())
	case domain.KindNotFound:
		NotFound(w, err.Error())
	case domain.KindConflict:
		Conflict(w, err.Error())
	case domain.KindQueueUnavailable, domain.KindTransportFailure:
		Unavailable(w, err.Error())
	case domain.KindStoreUnavailable:
		Unavailable(w, err.Error())
	default:
		InternalError(w, err)
	}
}

// Decode reads JSON from the request body into dst. Returns false and
// writes a 400 envelope if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
