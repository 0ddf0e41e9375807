package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func fakeGitHub(t *testing.T, emails []githubEmail) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"bad_verification_code"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer","scope":"user:email"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gho_test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(githubUser{ID: 42, Login: "octo", Name: "Octo Cat", AvatarURL: "https://avatars/42"})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(emails)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGithub(t *testing.T, srv *httptest.Server) *Github {
	t.Helper()
	g, err := NewGithub("client", "secret", "http://localhost/api/auth/github/callback")
	require.NoError(t, err)
	return g.WithEndpoints(oauth2.Endpoint{
		AuthURL:   srv.URL + "/login/oauth/authorize",
		TokenURL:  srv.URL + "/login/oauth/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	}, srv.URL)
}

func TestNewGithubRequiresConfig(t *testing.T) {
	_, err := NewGithub("", "secret", "http://cb")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLoginURLCarriesState(t *testing.T) {
	srv := fakeGitHub(t, nil)
	g := newTestGithub(t, srv)

	parsed, err := url.Parse(g.LoginURL("abc123"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", parsed.Query().Get("state"))
	assert.Equal(t, "client", parsed.Query().Get("client_id"))
}

func TestCallbackPrefersPrimaryVerifiedEmail(t *testing.T) {
	srv := fakeGitHub(t, []githubEmail{
		{Email: "old@example.com", Verified: true},
		{Email: "Octo@Example.com", Primary: true, Verified: true},
	})
	g := newTestGithub(t, srv)

	profile, err := g.Callback(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "42", profile.ProviderAccountID)
	assert.Equal(t, "octo", profile.Login)
	assert.Equal(t, "octo@example.com", profile.Email)
}

func TestCallbackWithoutVerifiedEmail(t *testing.T) {
	srv := fakeGitHub(t, []githubEmail{{Email: "x@example.com", Primary: true}})
	g := newTestGithub(t, srv)

	_, err := g.Callback(context.Background(), "good-code")
	assert.ErrorIs(t, err, ErrNoEmail)
}

func TestCallbackBadCode(t *testing.T) {
	srv := fakeGitHub(t, nil)
	g := newTestGithub(t, srv)

	_, err := g.Callback(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	state := NewState(rec, false)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/callback?state="+url.QueryEscape(state), nil)
	req.AddCookie(cookies[0])
	assert.NoError(t, VerifyState(httptest.NewRecorder(), req, false))

	req = httptest.NewRequest(http.MethodGet, "/callback?state=forged", nil)
	req.AddCookie(cookies[0])
	assert.ErrorIs(t, VerifyState(httptest.NewRecorder(), req, false), ErrStateMismatch)

	req = httptest.NewRequest(http.MethodGet, "/callback?state="+state, nil)
	assert.ErrorIs(t, VerifyState(httptest.NewRecorder(), req, false), ErrStateMismatch)
}
