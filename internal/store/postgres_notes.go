package store

import (
	"context"
	"fmt"
)

const noteSelect = `
	SELECT n.id, n.workspace_id, n.title, n.content, n.created_by,
		COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.username, u.email),
		n.created_at, n.updated_at
	FROM notes n
	JOIN users u ON u.id = n.created_by`

func scanNote(row rowScanner) (Note, error) {
	var note Note
	err := row.Scan(&note.ID, &note.WorkspaceID, &note.Title, &note.Content, &note.CreatedBy, &note.CreatorName,
		&note.CreatedAt, &note.UpdatedAt)
	return note, err
}

func noteOrder(sortBy string, desc bool) string {
	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	switch sortBy {
	case "title":
		return "LOWER(n.title) " + direction + ", n.id"
	case "createdAt":
		return "n.created_at " + direction + ", n.id"
	default:
		return "n.updated_at " + direction + ", n.id"
	}
}

func (s *PostgresStore) ListNotes(ctx context.Context, filter NoteFilter) ([]Note, int, error) {
	where := ` WHERE n.workspace_id=$1 AND ($2 = '' OR n.title ILIKE '%' || $2 || '%')`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes n`+where, filter.WorkspaceID, filter.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, noteSelect+where+`
		ORDER BY `+noteOrder(filter.SortBy, filter.SortDesc)+`
		LIMIT $3 OFFSET $4`, filter.WorkspaceID, filter.Search, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, total, rows.Err()
}

func (s *PostgresStore) ListAllNotes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, noteSelect+` ORDER BY n.created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (s *PostgresStore) GetNote(ctx context.Context, workspaceID, noteID string) (Note, error) {
	return scanNote(s.db.QueryRowContext(ctx, noteSelect+` WHERE n.workspace_id=$1 AND n.id=$2`, workspaceID, noteID))
}

// SaveNote inserts or updates a note and replaces its mention set in one transaction.
func (s *PostgresStore) SaveNote(ctx context.Context, note Note, mentions []NoteMention) (Note, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("begin save note: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO notes (id, workspace_id, title, content, created_by) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, content=EXCLUDED.content, updated_at=NOW()
		WHERE notes.workspace_id = EXCLUDED.workspace_id
	`, note.ID, note.WorkspaceID, note.Title, note.Content, note.CreatedBy)
	if err != nil {
		return Note{}, mapPostgresError("save note", err)
	}
	if err := requireAffected(result); err != nil {
		return Note{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_mentions WHERE note_id=$1`, note.ID); err != nil {
		return Note{}, fmt.Errorf("clear note mentions: %w", err)
	}
	for _, mention := range mentions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO note_mentions (note_id, mention_type, mention_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, note.ID, mention.Type, mention.ID); err != nil {
			return Note{}, mapPostgresError("insert note mention", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("commit save note: %w", err)
	}
	return s.GetNote(ctx, note.WorkspaceID, note.ID)
}

func (s *PostgresStore) DeleteNote(ctx context.Context, workspaceID, noteID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE workspace_id=$1 AND id=$2`, workspaceID, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return requireAffected(result)
}

// ListNoteMentions resolves labels for each mention. Mentions whose target is gone are skipped.
func (s *PostgresStore) ListNoteMentions(ctx context.Context, noteID string) ([]NoteMention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.mention_type, m.mention_id,
			COALESCE(
				CASE m.mention_type
					WHEN 'note' THEN (SELECT title FROM notes WHERE id = m.mention_id)
					WHEN 'ticket' THEN (SELECT title FROM tickets WHERE id = m.mention_id)
					WHEN 'user' THEN (SELECT COALESCE(NULLIF(TRIM(first_name || ' ' || last_name), ''), username, email)
						FROM users WHERE id = m.mention_id)
				END, '')
		FROM note_mentions m
		WHERE m.note_id=$1
		ORDER BY m.mention_type, m.mention_id
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list note mentions: %w", err)
	}
	defer rows.Close()

	var mentions []NoteMention
	for rows.Next() {
		var m NoteMention
		if err := rows.Scan(&m.Type, &m.ID, &m.Label); err != nil {
			return nil, fmt.Errorf("scan note mention: %w", err)
		}
		if m.Label == "" {
			continue
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// SearchMentionables finds notes, tickets and members of a workspace whose label matches query.
func (s *PostgresStore) SearchMentionables(ctx context.Context, workspaceID, query string, limit int) ([]NoteMention, error) {
	rows, err := s.db.QueryContext(ctx, `
		(SELECT 'note', id::text, title FROM notes
			WHERE workspace_id=$1 AND title ILIKE '%' || $2 || '%' ORDER BY updated_at DESC LIMIT $3)
		UNION ALL
		(SELECT 'ticket', id::text, title FROM tickets
			WHERE workspace_id=$1 AND title ILIKE '%' || $2 || '%' ORDER BY updated_at DESC LIMIT $3)
		UNION ALL
		(SELECT 'user', u.id::text, COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.username, u.email)
			FROM users u JOIN workspace_members m ON m.user_id = u.id
			WHERE m.workspace_id=$1 AND (u.email ILIKE '%' || $2 || '%' OR u.username ILIKE '%' || $2 || '%'
				OR (u.first_name || ' ' || u.last_name) ILIKE '%' || $2 || '%')
			ORDER BY u.email LIMIT $3)
	`, workspaceID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search mentionables: %w", err)
	}
	defer rows.Close()

	var items []NoteMention
	for rows.Next() {
		var m NoteMention
		if err := rows.Scan(&m.Type, &m.ID, &m.Label); err != nil {
			return nil, fmt.Errorf("scan mentionable: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
