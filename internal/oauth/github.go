// Package oauth implements the GitHub sign-in flow.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	ProviderGitHub  = "github"
	StateCookieName = "oauth_state"
	stateTTL        = 5 * time.Minute
)

var (
	ErrNotConfigured = errors.New("github sign-in is not configured")
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrNoEmail       = errors.New("github account has no verified email")
)

// Profile is the subset of the GitHub account the service links against.
type Profile struct {
	ProviderAccountID string
	Login             string
	Name              string
	Email             string
	AvatarURL         string
}

type Github struct {
	config  *oauth2.Config
	apiBase string
}

func NewGithub(clientID, clientSecret, callbackURL string) (*Github, error) {
	if clientID == "" || clientSecret == "" || callbackURL == "" {
		return nil, ErrNotConfigured
	}
	return &Github{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		apiBase: "https://api.github.com",
	}, nil
}

// WithEndpoints points the client at a different OAuth server and API host.
func (g *Github) WithEndpoints(endpoint oauth2.Endpoint, apiBase string) *Github {
	g.config.Endpoint = endpoint
	g.apiBase = strings.TrimRight(apiBase, "/")
	return g
}

// LoginURL returns the GitHub authorize URL for state.
func (g *Github) LoginURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// NewState creates a random state value and stores it in a short-lived cookie.
func NewState(w http.ResponseWriter, secure bool) string {
	state := rand.Text()
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})
	return state
}

// VerifyState checks the callback state against the cookie and clears it.
func VerifyState(w http.ResponseWriter, r *http.Request, secure bool) error {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(StateCookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	if err != nil || state == "" || cookie.Value != state {
		return ErrStateMismatch
	}
	return nil
}

// Callback exchanges the authorization code and loads the GitHub profile.
func (g *Github) Callback(ctx context.Context, code string) (Profile, error) {
	if code == "" {
		return Profile{}, fmt.Errorf("exchange code: %w", ErrStateMismatch)
	}
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}
	log.Debug().Msg("github token exchange successful")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client := g.config.Client(ctx, token)

	var user githubUser
	if err := g.getJSON(client, "/user", &user); err != nil {
		return Profile{}, err
	}

	profile := Profile{
		ProviderAccountID: strconv.FormatInt(user.ID, 10),
		Login:             user.Login,
		Name:              user.Name,
		Email:             strings.ToLower(strings.TrimSpace(user.Email)),
		AvatarURL:         user.AvatarURL,
	}

	// The public profile email may be hidden or unverified, so prefer the primary verified address.
	var emails []githubEmail
	if err := g.getJSON(client, "/user/emails", &emails); err != nil {
		return Profile{}, err
	}
	if email := primaryEmail(emails); email != "" {
		profile.Email = email
	}
	if profile.Email == "" {
		return Profile{}, ErrNoEmail
	}
	return profile, nil
}

func (g *Github) getJSON(client *http.Client, path string, out any) error {
	resp, err := client.Get(g.apiBase + path)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github api returned HTTP %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func primaryEmail(emails []githubEmail) string {
	fallback := ""
	for _, email := range emails {
		if !email.Verified {
			continue
		}
		if email.Primary {
			return strings.ToLower(email.Email)
		}
		if fallback == "" {
			fallback = strings.ToLower(email.Email)
		}
	}
	return fallback
}
