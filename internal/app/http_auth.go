package app

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"dashboard/api/internal/auth"
	"dashboard/api/internal/authpw"
	"dashboard/api/internal/oauth"
)

// handleAuth serves the routes that work without a session. It reports whether it wrote a response.
func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup":
		s.handleAuthSignUp(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin":
		s.handleAuthSignIn(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email":
		s.handleAuthVerifyEmail(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/resend-verification":
		s.handleAuthResendVerification(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request":
		s.handleAuthRequestReset(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password":
		s.handleAuthResetPassword(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh":
		s.handleAuthRefresh(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout":
		s.handleAuthLogout(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/auth/github":
		s.handleGitHubLogin(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/auth/github/callback":
		s.handleGitHubCallback(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		session, ok := s.optionalSession(r)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"email":         session.Email,
			"role":          sessionRole(session),
			"sessionId":     session.SessionID,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
	default:
		return false
	}
	return true
}

func sessionRole(session Session) string {
	if session.IsAdmin {
		return "admin"
	}
	return "user"
}

// startSession sets the cookie and writes the token response.
func (s *HTTPServer) startSession(w http.ResponseWriter, session Session) {
	auth.SetSessionCookie(w, s.service.SessionCookieName(), session.Token, session.ExpiresAt, s.service.SecureCookies())
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"sessionId":    session.SessionID,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         sessionRole(session),
		"expiresAt":    session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		Username  string `json:"username"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if !readBody(w, r, &body) {
		return
	}

	result, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:     body.Email,
		Password:  body.Password,
		Username:  body.Username,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	}, clientFromRequest(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"userId":  result.User.ID,
		"message": "Account created. Please check your email to verify your account.",
	}
	if result.VerificationToken != "" {
		response["devVerificationToken"] = result.VerificationToken
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !readBody(w, r, &body) {
		return
	}

	session, _, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	}, clientFromRequest(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.startSession(w, session)
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !readBody(w, r, &body) {
		return
	}
	if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
}

func (s *HTTPServer) handleAuthResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !readBody(w, r, &body) {
		return
	}
	token, err := s.service.ResendVerification(r.Context(), body.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response := map[string]any{"message": "If the account exists and is unverified, a new email has been sent"}
	if token != "" {
		response["devVerificationToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !readBody(w, r, &body) {
		return
	}
	token, err := s.service.RequestPasswordReset(r.Context(), body.Email, clientFromRequest(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response := map[string]any{"message": "If an account exists, a reset email has been sent"}
	if token != "" {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !readBody(w, r, &body) {
		return
	}
	if err := s.service.ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}, clientFromRequest(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password reset successfully"})
}

func (s *HTTPServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken, clientFromRequest(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.startSession(w, session)
}

// handleAuthLogout always clears the cookie, even when the token already expired.
func (s *HTTPServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	session, _ := s.optionalSession(r)
	s.service.Logout(r.Context(), session, body.RefreshToken)
	auth.ClearSessionCookie(w, s.service.SessionCookieName(), s.service.SecureCookies())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state := oauth.NewState(w, s.service.SecureCookies())
	target, err := s.service.GitHubLoginURL(state)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleGitHubCallback finishes the browser flow, so failures redirect to the sign-in page.
func (s *HTTPServer) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	fail := func(err error) {
		_, code, _, _ := mapError(err)
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("github sign-in failed")
		http.Redirect(w, r, s.service.publicURL("/login?error="+url.QueryEscape(code)), http.StatusFound)
	}
	if err := oauth.VerifyState(w, r, s.service.SecureCookies()); err != nil {
		fail(err)
		return
	}
	session, err := s.service.GitHubSignIn(r.Context(), r.URL.Query().Get("code"), clientFromRequest(r))
	if err != nil {
		fail(err)
		return
	}
	auth.SetSessionCookie(w, s.service.SessionCookieName(), session.Token, session.ExpiresAt, s.service.SecureCookies())
	http.Redirect(w, r, s.service.publicURL("/dashboard"), http.StatusFound)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListSessions(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
	case len(parts) == 1 && parts[0] == "revoke-others" && r.Method == http.MethodPost:
		count, err := s.service.RevokeOtherSessions(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RevokeSession(r.Context(), session, parts[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) <= 1:
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 || parts[0] != "me" {
		notFound(w)
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.Me(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 0 && r.Method == http.MethodPatch:
		var body ProfileUpdateRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateProfile(r.Context(), session, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "password" && r.Method == http.MethodPost:
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
	case len(parts) == 1 && parts[0] == "avatar" && r.Method == http.MethodPost:
		data, err := readUpload(w, r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		payload, err := s.service.UploadAvatar(r.Context(), session, data)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "activity" && r.Method == http.MethodGet:
		s.handleMyActivity(w, r, session, nil)
	case len(parts) <= 1:
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 || parts[0] != "users" {
		notFound(w)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		page, limit, err := pageParams(r, 20)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		payload, err := s.service.ListUsers(r.Context(), session, r.URL.Query().Get("search"), page, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 3 && parts[2] == "admin" && r.Method == http.MethodPut:
		var body struct {
			IsAdmin *bool `json:"isAdmin"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if body.IsAdmin == nil {
			writeServiceError(w, r, validationError("isAdmin is required"))
			return
		}
		payload, err := s.service.SetUserAdmin(r.Context(), session, parts[1], *body.IsAdmin)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 || (len(parts) == 3 && parts[2] == "admin"):
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}
