package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"dashboard/api/internal/authpw"
	"dashboard/api/internal/oauth"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

// SignUpResult carries the dev-mode token when no SMTP server is configured.
type SignUpResult struct {
	User              store.User
	VerificationToken string
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest, client Client) (SignUpResult, error) {
	resp, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return SignUpResult{}, err
	}
	s.recordActivity(ctx, Session{UserID: resp.User.ID, Client: client}, nil, "auth.signup", "user", resp.User.ID, nil)

	result := SignUpResult{User: resp.User}
	if !s.emailConfigured() {
		result.VerificationToken = resp.VerificationToken
		return result, nil
	}
	link := s.publicURL("/verify-email?token=" + url.QueryEscape(resp.VerificationToken))
	if err := s.mail.SendVerificationEmail(resp.User.Email, resp.User.DisplayName(), link); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", resp.User.ID).Msg("send verification email")
	}
	return result, nil
}

// SignIn checks credentials and opens a device session. Unverified accounts get 403 and no session.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest, client Client) (Session, store.User, error) {
	resp, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			s.recordActivity(ctx, Session{Client: client}, nil, "auth.signin_failed", "user", "",
				map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
		}
		return Session{}, store.User{}, err
	}
	if resp.RequiresVerify {
		return Session{}, store.User{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}

	session, err := s.issueSession(ctx, resp.User, client)
	if err != nil {
		return Session{}, store.User{}, err
	}
	s.recordActivity(ctx, session, nil, "auth.signin", "session", session.SessionID, nil)
	return session, resp.User, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.passwords.VerifyEmail(ctx, token)
}

// ResendVerification returns the token only in dev mode. Unknown addresses look identical to known ones.
func (s *Service) ResendVerification(ctx context.Context, address string) (string, error) {
	token, err := s.passwords.ResendVerification(ctx, address)
	if err != nil || token == "" {
		return "", err
	}
	if !s.emailConfigured() {
		return token, nil
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		return "", nil
	}
	link := s.publicURL("/verify-email?token=" + url.QueryEscape(token))
	if err := s.mail.SendVerificationEmail(user.Email, user.DisplayName(), link); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", user.ID).Msg("resend verification email")
	}
	return "", nil
}

func (s *Service) RequestPasswordReset(ctx context.Context, address string, client Client) (string, error) {
	token, err := s.passwords.RequestPasswordReset(ctx, address)
	if err != nil || token == "" {
		return "", err
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		return "", nil
	}
	s.recordActivity(ctx, Session{UserID: user.ID, Client: client}, nil, "auth.password_reset_requested", "user", user.ID, nil)
	if !s.emailConfigured() {
		return token, nil
	}
	link := s.publicURL("/reset-password?token=" + url.QueryEscape(token))
	if err := s.mail.SendPasswordResetEmail(user.Email, user.DisplayName(), link); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", user.ID).Msg("send password reset email")
	}
	return "", nil
}

// ResetPassword sets the new password and signs the user out everywhere.
func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest, client Client) error {
	userID, err := s.passwords.ResetPassword(ctx, req)
	if err != nil {
		return err
	}
	if _, err := s.store.RevokeOtherSessions(ctx, userID, ""); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("reset password: revoke sessions")
	}
	s.recordActivity(ctx, Session{UserID: userID, Client: client}, nil, "auth.password_reset", "user", userID, nil)
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	if err := s.passwords.ChangePassword(ctx, session.UserID, current, next); err != nil {
		return err
	}
	s.recordActivity(ctx, session, nil, "user.password_changed", "user", session.UserID, nil)
	return nil
}

func (s *Service) GitHubLoginURL(state string) (string, error) {
	if s.github == nil {
		return "", oauth.ErrNotConfigured
	}
	return s.github.LoginURL(state), nil
}

// GitHubSignIn links the GitHub account to a user, creating a verified user on first sight.
func (s *Service) GitHubSignIn(ctx context.Context, code string, client Client) (Session, error) {
	if s.github == nil {
		return Session{}, oauth.ErrNotConfigured
	}
	profile, err := s.github.Callback(ctx, code)
	if err != nil {
		return Session{}, err
	}

	user, err := s.userForGitHub(ctx, profile)
	if err != nil {
		return Session{}, err
	}

	session, err := s.issueSession(ctx, user, client)
	if err != nil {
		return Session{}, err
	}
	s.recordActivity(ctx, session, nil, "auth.signin", "session", session.SessionID, map[string]any{"provider": oauth.ProviderGitHub})
	return session, nil
}

func (s *Service) userForGitHub(ctx context.Context, profile oauth.Profile) (store.User, error) {
	account, err := s.store.GetOAuthAccount(ctx, oauth.ProviderGitHub, profile.ProviderAccountID)
	if err == nil {
		return s.store.GetUserByID(ctx, account.UserID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		if !user.IsEmailVerified {
			if err := s.store.MarkUserEmailVerified(ctx, user.ID); err != nil {
				return store.User{}, err
			}
			user.IsEmailVerified = true
		}
	case errors.Is(err, sql.ErrNoRows):
		user, err = s.createGitHubUser(ctx, profile)
		if err != nil {
			return store.User{}, err
		}
	default:
		return store.User{}, err
	}

	if err := s.store.CreateOAuthAccount(ctx, store.OAuthAccount{
		ID:                util.NewID(),
		UserID:            user.ID,
		Provider:          oauth.ProviderGitHub,
		ProviderAccountID: profile.ProviderAccountID,
	}); err != nil && !errors.Is(err, store.ErrConflict) {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) createGitHubUser(ctx context.Context, profile oauth.Profile) (store.User, error) {
	first, last, _ := strings.Cut(strings.TrimSpace(profile.Name), " ")
	user := store.User{
		ID:              util.NewID(),
		Email:           profile.Email,
		FirstName:       first,
		LastName:        strings.TrimSpace(last),
		IsEmailVerified: true,
	}
	if username, err := authpw.ValidateUsername(profile.Login); err == nil {
		user.Username = username
	}

	created, err := s.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrConflict) && user.Username != "" {
		// the login is taken by another account; fall back to no username
		user.Username = ""
		created, err = s.store.CreateUser(ctx, user)
	}
	return created, err
}
