package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const workspaceColumns = `w.id, w.name, w.slug, w.description, w.logo_key, w.created_by, w.created_at, w.updated_at`

func scanWorkspace(row rowScanner, extra ...any) (Workspace, error) {
	var ws Workspace
	dest := append([]any{&ws.ID, &ws.Name, &ws.Slug, &ws.Description, &ws.LogoKey, &ws.CreatedBy, &ws.CreatedAt, &ws.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	return ws, err
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug, excludeWorkspaceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workspaces WHERE slug=$1 AND id::text <> $2)
	`, slug, excludeWorkspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

// CreateWorkspace inserts the workspace and its creator as owner in one transaction.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace) (Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Workspace{}, fmt.Errorf("begin create workspace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanWorkspace(tx.QueryRowContext(ctx, `
		INSERT INTO workspaces AS w (id, name, slug, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+workspaceColumns,
		ws.ID, ws.Name, ws.Slug, ws.Description, ws.CreatedBy,
	))
	if err != nil {
		return Workspace{}, mapPostgresError("insert workspace", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'owner')
	`, created.ID, ws.CreatedBy); err != nil {
		return Workspace{}, mapPostgresError("insert owner", err)
	}

	if err := tx.Commit(); err != nil {
		return Workspace{}, fmt.Errorf("commit create workspace: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces w WHERE w.id=$1 AND w.is_active
	`, workspaceID))
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]WorkspaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workspaceColumns+`, m.role,
			(SELECT COUNT(*) FROM workspace_members c WHERE c.workspace_id = w.id)
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id=$1 AND w.is_active
		ORDER BY w.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var items []WorkspaceSummary
	for rows.Next() {
		var item WorkspaceSummary
		ws, err := scanWorkspace(rows, &item.Role, &item.MemberCount)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		item.Workspace = ws
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListWorkspaceIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workspace_id FROM workspace_members WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspace ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListAllWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces w WHERE w.is_active ORDER BY w.created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all workspaces: %w", err)
	}
	defer rows.Close()

	var items []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, ws)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, ws Workspace) (Workspace, error) {
	updated, err := scanWorkspace(s.db.QueryRowContext(ctx, `
		UPDATE workspaces AS w SET name=$2, slug=$3, description=$4, updated_at=NOW()
		WHERE w.id=$1 AND w.is_active
		RETURNING `+workspaceColumns,
		ws.ID, ws.Name, ws.Slug, ws.Description,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workspace{}, err
		}
		return Workspace{}, mapPostgresError("update workspace", err)
	}
	return updated, nil
}

func (s *PostgresStore) SetWorkspaceLogo(ctx context.Context, workspaceID, key string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces SET logo_key=$2, updated_at=NOW() WHERE id=$1`, workspaceID, key)
	if err != nil {
		return fmt.Errorf("set workspace logo: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return requireAffected(result)
}

// GetMemberRole returns sql.ErrNoRows when the user is not a member.
func (s *PostgresStore) GetMemberRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	return role, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.workspace_id, m.user_id, m.role, m.invited_by, m.joined_at,
			u.email, COALESCE(u.username, ''), u.first_name, u.last_name
		FROM workspace_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id=$1
		ORDER BY CASE m.role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 WHEN 'member' THEN 2 ELSE 3 END, m.joined_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []WorkspaceMember
	for rows.Next() {
		var m WorkspaceMember
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.InvitedBy, &m.JoinedAt,
			&m.Email, &m.Username, &m.FirstName, &m.LastName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, member WorkspaceMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, invited_by) VALUES ($1, $2, $3, $4)
	`, member.WorkspaceID, member.UserID, member.Role, member.InvitedBy)
	if err != nil {
		return mapPostgresError("insert member", err)
	}
	return nil
}

// UpdateMemberRole changes a member's role. Demoting the last owner fails with ErrLastOwner.
func (s *PostgresStore) UpdateMemberRole(ctx context.Context, workspaceID, userID, role string) error {
	return s.changeMember(ctx, workspaceID, userID, role != "owner", func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE workspace_members SET role=$3 WHERE workspace_id=$1 AND user_id=$2
		`, workspaceID, userID, role)
	})
}

// RemoveMember deletes a membership. Removing the last owner fails with ErrLastOwner.
func (s *PostgresStore) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	return s.changeMember(ctx, workspaceID, userID, true, func(tx *sql.Tx) (sql.Result, error) {
		return tx.ExecContext(ctx, `DELETE FROM workspace_members WHERE workspace_id=$1 AND user_id=$2`, workspaceID, userID)
	})
}

// changeMember serialises membership changes on the workspace row so the owner count
// it checks cannot go stale before the write commits.
func (s *PostgresStore) changeMember(ctx context.Context, workspaceID, userID string, dropsOwner bool, write func(*sql.Tx) (sql.Result, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin member change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM workspaces WHERE id=$1 FOR UPDATE`, workspaceID).Scan(&locked); err != nil {
		return err
	}
	if dropsOwner {
		var current string
		var owners int
		err := tx.QueryRowContext(ctx, `
			SELECT
				COALESCE((SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2), ''),
				(SELECT COUNT(*) FROM workspace_members WHERE workspace_id=$1 AND role='owner')
		`, workspaceID, userID).Scan(&current, &owners)
		if err != nil {
			return fmt.Errorf("count owners: %w", err)
		}
		if current == "owner" && owners <= 1 {
			return ErrLastOwner
		}
	}

	result, err := write(tx)
	if err != nil {
		return fmt.Errorf("change member: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit member change: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountOwners(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workspace_members WHERE workspace_id=$1 AND role='owner'
	`, workspaceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite WorkspaceInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_invites (id, workspace_id, email, role, token, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invite.ID, invite.WorkspaceID, invite.Email, invite.Role, invite.Token, invite.InvitedBy, invite.ExpiresAt)
	if err != nil {
		return mapPostgresError("insert invite", err)
	}
	return nil
}

const inviteColumns = `id, workspace_id, email, role, token, invited_by, expires_at, accepted_at, created_at`

func scanInvite(row rowScanner) (WorkspaceInvite, error) {
	var invite WorkspaceInvite
	err := row.Scan(&invite.ID, &invite.WorkspaceID, &invite.Email, &invite.Role, &invite.Token,
		&invite.InvitedBy, &invite.ExpiresAt, &invite.AcceptedAt, &invite.CreatedAt)
	return invite, err
}

func (s *PostgresStore) GetInviteByToken(ctx context.Context, token string) (WorkspaceInvite, error) {
	return scanInvite(s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM workspace_invites WHERE token=$1`, token))
}

func (s *PostgresStore) ListPendingInvites(ctx context.Context, workspaceID string) ([]WorkspaceInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM workspace_invites
		WHERE workspace_id=$1 AND accepted_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var invites []WorkspaceInvite
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

// AcceptInvite marks the invite used and adds the member. An existing membership is left as is.
func (s *PostgresStore) AcceptInvite(ctx context.Context, inviteID string, member WorkspaceMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept invite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE workspace_invites SET accepted_at=NOW() WHERE id=$1 AND accepted_at IS NULL AND expires_at > NOW()
	`, inviteID)
	if err != nil {
		return fmt.Errorf("mark invite accepted: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, invited_by) VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, user_id) DO NOTHING
	`, member.WorkspaceID, member.UserID, member.Role, member.InvitedBy); err != nil {
		return mapPostgresError("insert invited member", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept invite: %w", err)
	}
	return nil
}

type TaskFilter struct {
	WorkspaceID string
	Status      string
	AssigneeID  string
}

const taskColumns = `id, workspace_id, title, description, status, priority, due_date, assignee_id, created_by,
	completed_at, created_at, updated_at`

func scanTask(row rowScanner) (Task, error) {
	var task Task
	err := row.Scan(&task.ID, &task.WorkspaceID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.DueDate, &task.AssigneeID, &task.CreatedBy, &task.CompletedAt, &task.CreatedAt, &task.UpdatedAt)
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id=$1 AND ($2 = '' OR status=$2) AND ($3 = '' OR assignee_id::text=$3)
		ORDER BY CASE status WHEN 'in_progress' THEN 0 WHEN 'todo' THEN 1 ELSE 2 END, due_date NULLS LAST, created_at DESC
	`, filter.WorkspaceID, filter.Status, filter.AssigneeID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, workspaceID, taskID string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workspace_id=$1 AND id=$2`, workspaceID, taskID))
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	created, err := scanTask(s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, workspace_id, title, description, status, priority, due_date, assignee_id, created_by, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+taskColumns,
		task.ID, task.WorkspaceID, task.Title, task.Description, task.Status, task.Priority, task.DueDate,
		task.AssigneeID, task.CreatedBy, task.CompletedAt,
	))
	if err != nil {
		return Task{}, mapPostgresError("insert task", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	updated, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks SET title=$3, description=$4, status=$5, priority=$6, due_date=$7, assignee_id=$8,
			completed_at=$9, updated_at=NOW()
		WHERE workspace_id=$1 AND id=$2
		RETURNING `+taskColumns,
		task.WorkspaceID, task.ID, task.Title, task.Description, task.Status, task.Priority, task.DueDate,
		task.AssigneeID, task.CompletedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, mapPostgresError("update task", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE workspace_id=$1 AND id=$2`, workspaceID, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireAffected(result)
}
