package authpw

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"dashboard/api/internal/store"
)

type resetEntry struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string // email -> userID
	verifications map[string]string // token -> userID
	resets        map[string]resetEntry
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		verifications: make(map[string]string),
		resets:        make(map[string]resetEntry),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[strings.ToLower(email)]; ok {
		return m.users[userID], nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if _, ok := m.emailIndex[user.Email]; ok {
		return store.User{}, store.ErrConflict
	}
	user.IsAdmin = user.IsAdmin || len(m.users) == 0
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return user, nil
}

func (m *mockUserStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	if user, ok := m.users[userID]; ok {
		user.VerificationToken = token
		user.VerificationExpiresAt = &expiresAt
		m.users[userID] = user
		m.verifications[token] = userID
	}
	return nil
}

func (m *mockUserStore) VerifyUserEmail(ctx context.Context, token string) error {
	userID, ok := m.verifications[token]
	if !ok {
		return sql.ErrNoRows
	}
	user := m.users[userID]
	user.IsEmailVerified = true
	m.users[userID] = user
	delete(m.verifications, token)
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return sql.ErrNoRows
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = resetEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if reset, ok := m.resets[token]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", sql.ErrNoRows
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := m.resets[token]; ok {
		reset.used = true
		m.resets[token] = reset
	}
	return nil
}

func newTestService() (*Service, *mockUserStore) {
	mockStore := newMockUserStore()
	svc := NewService(mockStore)
	svc.cost = bcrypt.MinCost
	return svc, mockStore
}

func signUpVerified(t *testing.T, svc *Service, email, password string) store.User {
	t.Helper()
	resp, err := svc.SignUp(context.Background(), SignUpRequest{Email: email, Password: password})
	require.NoError(t, err)
	require.NoError(t, svc.VerifyEmail(context.Background(), resp.VerificationToken))
	return resp.User
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	t.Run("successful sign up", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:     " Test@Example.com ",
			Password:  "password123",
			Username:  "Test_User",
			FirstName: "Test",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.User.ID)
		assert.Equal(t, "test@example.com", resp.User.Email)
		assert.Equal(t, "test_user", resp.User.Username)
		assert.NotEmpty(t, resp.VerificationToken)
		assert.True(t, resp.RequiresEmailVerify)
		assert.True(t, resp.User.IsAdmin, "first account is promoted to admin")
		assert.NotEqual(t, "password123", resp.User.PasswordHash)
	})

	t.Run("second account is not admin", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{Email: "second@example.com", Password: "password123"})
		require.NoError(t, err)
		assert.False(t, resp.User.IsAdmin)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Email: "TEST@example.com", Password: "password123"})
		assert.ErrorIs(t, err, ErrEmailTaken)
	})

	invalidCases := map[string]SignUpRequest{
		"missing fields":   {},
		"bad email":        {Email: "not-an-email", Password: "password123"},
		"no tld":           {Email: "user@localhost", Password: "password123"},
		"short password":   {Email: "test2@example.com", Password: "short"},
		"bad username":     {Email: "test3@example.com", Password: "password123", Username: "a b"},
		"short username":   {Email: "test4@example.com", Password: "password123", Username: "ab"},
		"missing password": {Email: "test5@example.com"},
	}
	for name, req := range invalidCases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	signUpVerified(t, svc, "test@example.com", "password123")

	t.Run("successful sign in", func(t *testing.T) {
		resp, err := svc.SignIn(ctx, SignInRequest{Email: "TEST@example.com", Password: "password123"})
		require.NoError(t, err)
		assert.Equal(t, "test@example.com", resp.User.Email)
		assert.False(t, resp.RequiresVerify)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "wrongpassword"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("non-existent user", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Email: "nonexistent@example.com", Password: "password123"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unverified email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Email: "unverified@example.com", Password: "password123"})
		require.NoError(t, err)

		resp, err := svc.SignIn(ctx, SignInRequest{Email: "unverified@example.com", Password: "password123"})
		require.NoError(t, err)
		assert.True(t, resp.RequiresVerify)
	})

	t.Run("unverified with wrong password does not reveal state", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Email: "unverified@example.com", Password: "nope-nope"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()
	svc, mockStore := newTestService()

	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "test@example.com", Password: "password123"})
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		require.NoError(t, svc.VerifyEmail(ctx, resp.VerificationToken))
		user, _ := mockStore.GetUserByID(ctx, resp.User.ID)
		assert.True(t, user.IsEmailVerified)
	})

	t.Run("token is single use", func(t *testing.T) {
		assert.ErrorIs(t, svc.VerifyEmail(ctx, resp.VerificationToken), ErrInvalidToken)
	})

	t.Run("empty token", func(t *testing.T) {
		assert.ErrorIs(t, svc.VerifyEmail(ctx, ""), ErrInvalidInput)
	})
}

func TestResendVerification(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.SignUp(ctx, SignUpRequest{Email: "pending@example.com", Password: "password123"})
	require.NoError(t, err)
	signUpVerified(t, svc, "done@example.com", "password123")

	token, err := svc.ResendVerification(ctx, "pending@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	require.NoError(t, svc.VerifyEmail(ctx, token))

	token, err = svc.ResendVerification(ctx, "done@example.com")
	require.NoError(t, err)
	assert.Empty(t, token)

	token, err = svc.ResendVerification(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	user := signUpVerified(t, svc, "test@example.com", "password123")

	t.Run("request reset for non-existent user - no error", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "nonexistent@example.com")
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("reset password with valid token", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "test@example.com")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		userID, err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "newpassword123"})
		require.NoError(t, err)
		assert.Equal(t, user.ID, userID)

		_, err = svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "password123"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, err = svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "newpassword123"})
		assert.NoError(t, err)

		_, err = svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "anotherpass123"})
		assert.ErrorIs(t, err, ErrInvalidToken, "reset tokens are single use")
	})

	t.Run("reset with invalid token", func(t *testing.T) {
		_, err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: "invalid-token", NewPassword: "newpassword123"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("reset with short password", func(t *testing.T) {
		_, err := svc.ResetPassword(ctx, ResetPasswordRequest{Token: "some-token", NewPassword: "short"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	user := signUpVerified(t, svc, "test@example.com", "password123")

	assert.ErrorIs(t, svc.ChangePassword(ctx, user.ID, "wrong-password", "newpassword123"), ErrInvalidCredentials)
	assert.ErrorIs(t, svc.ChangePassword(ctx, user.ID, "password123", "short"), ErrInvalidInput)
	require.NoError(t, svc.ChangePassword(ctx, user.ID, "password123", "newpassword123"))

	_, err := svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "newpassword123"})
	assert.NoError(t, err)
}
