package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `
	id, email, COALESCE(username, ''), first_name, last_name, password_hash, phone, avatar_key,
	is_admin, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.FirstName, &user.LastName, &user.PasswordHash,
		&user.Phone, &user.AvatarKey, &user.IsAdmin, &user.IsEmailVerified, &user.VerificationToken,
		&user.VerificationExpiresAt, &user.CreatedAt, &user.UpdatedAt,
	)
	return user, err
}

// CreateUser inserts a user. The very first account is promoted to admin.
func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, username, first_name, last_name, password_hash, phone, is_admin, is_email_verified)
		VALUES ($1, LOWER($2), NULLIF($3, ''), $4, $5, $6, $7, $8 OR NOT EXISTS (SELECT 1 FROM users), $9)
		RETURNING `+userColumns,
		user.ID, user.Email, user.Username, user.FirstName, user.LastName, user.PasswordHash, user.Phone,
		user.IsAdmin, user.IsEmailVerified,
	)
	created, err := scanUser(row)
	if err != nil {
		return User{}, mapPostgresError("insert user", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

// VerifyUserEmail consumes a live verification token. Unknown or expired tokens yield sql.ErrNoRows.
func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return mapPostgresError("insert password reset", err)
	}
	return nil
}

// GetPasswordReset returns the user id behind an unused, unexpired reset token.
func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

type ProfileUpdate struct {
	Username  *string
	FirstName *string
	LastName  *string
	Phone     *string
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET
			username = COALESCE($2, username),
			first_name = COALESCE($3, first_name),
			last_name = COALESCE($4, last_name),
			phone = COALESCE($5, phone),
			updated_at = NOW()
		WHERE id=$1
		RETURNING `+userColumns,
		userID, update.Username, update.FirstName, update.LastName, update.Phone,
	)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, mapPostgresError("update profile", err)
	}
	return user, nil
}

func (s *PostgresStore) SetUserAvatar(ctx context.Context, userID, key string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET avatar_key=$2, updated_at=NOW() WHERE id=$1`, userID, key)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetUserAdmin(ctx context.Context, userID string, isAdmin bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin=$2, updated_at=NOW() WHERE id=$1`, userID, isAdmin)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return requireAffected(result)
}

// ListUsers pages through users matching Search on email, username or name.
func (s *PostgresStore) ListUsers(ctx context.Context, filter UserFilter) ([]User, int, error) {
	where := `WHERE ($1 = '' OR email ILIKE '%' || $1 || '%' OR username ILIKE '%' || $1 || '%'
		OR (first_name || ' ' || last_name) ILIKE '%' || $1 || '%')`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users `+where, filter.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users `+where+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, filter.Search, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

func (s *PostgresStore) GetOAuthAccount(ctx context.Context, provider, providerAccountID string) (OAuthAccount, error) {
	var account OAuthAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_account_id, created_at
		FROM oauth_accounts WHERE provider=$1 AND provider_account_id=$2
	`, provider, providerAccountID).Scan(&account.ID, &account.UserID, &account.Provider, &account.ProviderAccountID, &account.CreatedAt)
	return account, err
}

func (s *PostgresStore) CreateOAuthAccount(ctx context.Context, account OAuthAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_account_id) VALUES ($1, $2, $3, $4)
	`, account.ID, account.UserID, account.Provider, account.ProviderAccountID)
	if err != nil {
		return mapPostgresError("insert oauth account", err)
	}
	return nil
}

func (s *PostgresStore) MarkUserEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_email_verified=TRUE, updated_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, ip_address, user_agent, expires_at) VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.UserID, session.IPAddress, session.UserAgent, session.ExpiresAt)
	if err != nil {
		return mapPostgresError("insert session", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, ip_address, user_agent, created_at, last_used_at, expires_at, revoked_at
		FROM sessions WHERE id=$1
	`, sessionID).Scan(&session.ID, &session.UserID, &session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.LastUsedAt, &session.ExpiresAt, &session.RevokedAt)
	return session, err
}

// TouchSession bumps last_used_at at most once a minute.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_used_at=NOW() WHERE id=$1 AND last_used_at < NOW() - INTERVAL '1 minute'
	`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExtendSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at=$2, last_used_at=NOW() WHERE id=$1 AND revoked_at IS NULL
	`, sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ip_address, user_agent, created_at, last_used_at, expires_at, revoked_at
		FROM sessions
		WHERE user_id=$1 AND revoked_at IS NULL AND expires_at > NOW()
		ORDER BY last_used_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.UserID, &session.IPAddress, &session.UserAgent,
			&session.CreatedAt, &session.LastUsedAt, &session.ExpiresAt, &session.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) RevokeSession(ctx context.Context, userID, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at=NOW() WHERE id=$1 AND user_id=$2 AND revoked_at IS NULL
	`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) RevokeOtherSessions(ctx context.Context, userID, keepSessionID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at=NOW() WHERE user_id=$1 AND id::text<>$2 AND revoked_at IS NULL
	`, userID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, refresh RefreshSession, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, session_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET session_id=EXCLUDED.session_id, user_id=EXCLUDED.user_id,
			expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, refresh.SessionID, refresh.UserID, expiresAt)
	if err != nil {
		return mapPostgresError("save refresh session", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (RefreshSession, error) {
	var refresh RefreshSession
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&refresh.SessionID, &refresh.UserID)
	return refresh, err
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityLog) error {
	metadata, err := encodeJSON(entry.Metadata, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (user_id, workspace_id, action, entity_type, entity_id, metadata, ip_address, user_agent)
		VALUES (NULLIF($1, '')::uuid, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, entry.UserID, entry.WorkspaceID, entry.Action, entry.EntityType, entry.EntityID, metadata, entry.IPAddress, entry.UserAgent)
	if err != nil {
		return mapPostgresError("insert activity", err)
	}
	return nil
}

type ActivityFilter struct {
	UserID      string
	WorkspaceID string
	Limit       int
	Offset      int
}

func (s *PostgresStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id::text, ''), workspace_id, action, entity_type, entity_id, metadata,
			ip_address, user_agent, created_at
		FROM activity_logs
		WHERE ($1 = '' OR user_id::text = $1) AND ($2 = '' OR workspace_id::text = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, filter.UserID, filter.WorkspaceID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityLog
	for rows.Next() {
		var entry ActivityLog
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.WorkspaceID, &entry.Action, &entry.EntityType,
			&entry.EntityID, &metadata, &entry.IPAddress, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry.Metadata = decodeObject(metadata)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DashboardSummary counts the headline numbers shown on the dashboard for one user.
func (s *PostgresStore) DashboardSummary(ctx context.Context, userID string, dueBefore time.Time) (DashboardSummary, error) {
	var summary DashboardSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM workspace_members WHERE user_id=$1),
			(SELECT COUNT(*) FROM tickets WHERE assignee_id=$1 AND status NOT IN ('done', 'canceled')),
			(SELECT COUNT(*) FROM tasks WHERE assignee_id=$1 AND status <> 'done'
				AND due_date IS NOT NULL AND due_date <= $2),
			(SELECT COUNT(*) FROM user_notifications un JOIN notifications n ON n.id = un.notification_id
				WHERE un.user_id=$1 AND NOT un.is_read AND NOT un.is_archived
				AND (n.expires_at IS NULL OR n.expires_at > NOW()))
	`, userID, dueBefore).Scan(&summary.Workspaces, &summary.OpenAssignedTickets, &summary.TasksDueSoon, &summary.UnreadNotifications)
	if err != nil {
		return DashboardSummary{}, fmt.Errorf("dashboard summary: %w", err)
	}
	return summary, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func encodeJSON(value any, empty string) (string, error) {
	if value == nil {
		return empty, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func decodeObject(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func decodeStrings(raw []byte) []string {
	out := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}
