package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleProvider resolves Google accounts via the standard OAuth2
// authorization-code flow plus a userinfo fetch.
type GoogleProvider struct {
	oauth *oauth2.Config

	// AllowedDomain, when set, restricts sign-in to accounts whose email
	// domain matches it (a Google Workspace "hd" restriction).
	AllowedDomain string

	httpClient *http.Client
}

// NewGoogleProvider builds a GoogleProvider. redirectURL must exactly
// match the URI registered in the Google Cloud Console.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthCodeURL builds the Google consent redirect, restricting to
// AllowedDomain via the "hd" parameter when set.
func (g *GoogleProvider) AuthCodeURL(state string) string {
	url := g.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
	if g.AllowedDomain != "" {
		url += "&hd=" + g.AllowedDomain
	}
	return url
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	HD            string `json:"hd"`
}

// Exchange trades code for a token, fetches the account's profile, and
// enforces AllowedDomain if configured.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (Identity, error) {
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: exchange code: %w", err)
	}

	info, err := g.fetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return Identity{}, err
	}

	if g.AllowedDomain != "" {
		parts := strings.Split(info.Email, "@")
		if len(parts) != 2 || parts[1] != g.AllowedDomain {
			return Identity{}, fmt.Errorf("identity: domain %q not allowed", info.Email)
		}
	}

	return Identity{
		ExternalID: info.ID,
		Email:      info.Email,
		Name:       info.Name,
		AvatarURL:  info.Picture,
		Domain:     info.HD,
	}, nil
}

func (g *GoogleProvider) fetchUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://www.googleapis.com/oauth2/v2/userinfo?access_token="+accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build userinfo request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("identity: read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: google userinfo error: %s", string(body))
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("identity: parse userinfo: %w", err)
	}
	return &info, nil
}
