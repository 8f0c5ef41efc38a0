// Package api implements the HTTP surface: chi routing, the JSON response
// envelope, bearer-token authentication, and the handlers that translate
// requests into calls against the Durable Store and Scheduling Coordinator.
package api

import (
	"time"

	"github.com/ignite/emailsched/internal/identity"
	"github.com/ignite/emailsched/internal/scheduling"
	"github.com/ignite/emailsched/internal/store"
)

// Handlers holds every collaborator the HTTP edge calls into. It carries
// no business logic of its own beyond request decoding, ownership checks,
// and response shaping.
type Handlers struct {
	Store       *store.Store
	Coordinator *scheduling.Coordinator
	Identity    identity.Provider
	Tokens      *identity.TokenIssuer
	Health      *HealthChecker

	// OAuthStateTTL bounds how long a login's CSRF state cookie is valid.
	OAuthStateTTL time.Duration

	// CookieDomain, when set, scopes session cookies; empty means
	// host-only.
	CookieDomain string
	CookieSecure bool
}

// NewHandlers builds a Handlers with sane cookie defaults for local dev.
func NewHandlers(s *store.Store, c *scheduling.Coordinator, idp identity.Provider, tokens *identity.TokenIssuer, health *HealthChecker) *Handlers {
	return &Handlers{
		Store:         s,
		Coordinator:   c,
		Identity:      idp,
		Tokens:        tokens,
		Health:        health,
		OAuthStateTTL: 10 * time.Minute,
		CookieSecure:  true,
	}
}
