package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ignite/emailsched/internal/domain"
	"github.com/ignite/emailsched/internal/pkg/httputil"
)

const oauthStateCookie = "emailsched_oauth_state"

// HandleLogin starts the OAuth dance: it mints a CSRF state token, stashes
// it in a short-lived cookie, and redirects the browser to the identity
// provider's consent screen.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.CookieSecure,
		Domain:   h.CookieDomain,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.OAuthStateTTL.Seconds()),
	})
	http.Redirect(w, r, h.Identity.AuthCodeURL(state), http.StatusFound)
}

type authResponse struct {
	Token string      `json:"token"`
	User  userPayload `json:"user"`
}

type userPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// HandleCallback completes the OAuth dance: it validates the CSRF state
// cookie, exchanges the authorization code, upserts the resulting user,
// and issues the service's own bearer token.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil {
		httputil.BadRequest(w, "missing oauth state cookie")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/", MaxAge: -1})

	if state := r.URL.Query().Get("state"); state == "" || state != cookie.Value {
		httputil.BadRequest(w, "oauth state mismatch")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		httputil.BadRequest(w, "missing authorization code")
		return
	}

	ident, err := h.Identity.Exchange(r.Context(), code)
	if err != nil {
		httputil.Unauthenticated(w, "identity exchange failed: "+err.Error())
		return
	}

	user := &domain.User{
		ExternalID: ident.ExternalID,
		Email:      ident.Email,
		Name:       ident.Name,
		AvatarURL:  ident.AvatarURL,
	}
	if err := h.Store.UpsertUser(r.Context(), user); err != nil {
		httputil.WriteError(w, err)
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, authResponse{
		Token: token,
		User: userPayload{
			ID:        user.ID,
			Email:     user.Email,
			Name:      user.Name,
			AvatarURL: user.AvatarURL,
		},
	})
}

// HandleMe returns the authenticated caller's profile.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		httputil.Unauthenticated(w, "not authenticated")
		return
	}

	user, err := h.Store.GetUserByID(r.Context(), principal.UserID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.OK(w, userPayload{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
	})
}

// HandleLogout is a client-side no-op for the stateless bearer token: the
// caller simply discards it. The endpoint exists so callers have a single
// place to clear any session cookies set during login.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/", MaxAge: -1})
	httputil.OK(w, map[string]string{"message": "logged out"})
}
