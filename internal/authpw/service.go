// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const (
	MinPasswordLength = 8
	verificationTTL   = 24 * time.Hour
	passwordResetTTL  = time.Hour
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email     string
	Password  string
	Username  string
	FirstName string
	LastName  string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	User                store.User
	VerificationToken   string
	RequiresEmailVerify bool
}

func invalid(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, message)
}

// ValidateEmail normalises and checks an address.
func ValidateEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", invalid("email is required")
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", invalid("email is invalid")
	}
	return email, nil
}

// ValidateUsername normalises and checks a username. Empty is allowed.
func ValidateUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return "", nil
	}
	if !usernamePattern.MatchString(username) {
		return "", invalid("username must be 3-32 characters of a-z, 0-9, _ or -")
	}
	return username, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return invalid(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > 72 {
		return invalid("password must be at most 72 characters")
	}
	return nil
}

// SignUp creates a new user account
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email, err := ValidateEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, invalid("password is required")
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	username, err := ValidateUsername(req.Username)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID(),
		Email:        email,
		Username:     username,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	verificationToken := util.NewToken()
	if err := s.store.UpdateUserVerificationToken(ctx, user.ID, verificationToken, time.Now().Add(verificationTTL)); err != nil {
		return nil, fmt.Errorf("set verification token: %w", err)
	}

	return &SignUpResponse{
		User:                user,
		VerificationToken:   verificationToken,
		RequiresEmailVerify: true,
	}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	User           store.User
	RequiresVerify bool
}

// SignIn authenticates a user. Every credential miss returns ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	// accounts created through OAuth have no password
	if user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &SignInResponse{
		User:           user,
		RequiresVerify: !user.IsEmailVerified,
	}, nil
}

// VerifyEmail verifies an email address using a token
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return invalid("verification token required")
	}
	if err := s.store.VerifyUserEmail(ctx, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return fmt.Errorf("verify email: %w", err)
	}
	return nil
}

// ResendVerification issues a fresh verification token for an unverified account.
// Unknown or already verified addresses return an empty token and no error.
func (s *Service) ResendVerification(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil || user.IsEmailVerified {
		return "", nil
	}
	token := util.NewToken()
	if err := s.store.UpdateUserVerificationToken(ctx, user.ID, token, time.Now().Add(verificationTTL)); err != nil {
		return "", fmt.Errorf("set verification token: %w", err)
	}
	return token, nil
}

// RequestPasswordReset creates a password reset token. Unknown addresses return an empty token.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token := util.NewToken()
	if err := s.store.CreatePasswordReset(ctx, user.ID, token, time.Now().Add(passwordResetTTL)); err != nil {
		return "", fmt.Errorf("create password reset: %w", err)
	}
	return token, nil
}

// ResetPasswordRequest contains password reset parameters
type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword sets a new password with a single-use reset token and returns the user id.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (string, error) {
	if req.Token == "" || req.NewPassword == "" {
		return "", invalid("token and new password are required")
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return "", err
	}

	userID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return "", fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, req.Token); err != nil {
		return "", fmt.Errorf("consume reset token: %w", err)
	}
	return userID, nil
}

// ChangePassword replaces the password of a signed-in user after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
			return ErrInvalidCredentials
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, string(hash))
}
