package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const ticketSelect = `
	SELECT t.id, t.workspace_id, t.title, t.description, t.status, t.priority, t.assignee_id,
		COALESCE(NULLIF(TRIM(a.first_name || ' ' || a.last_name), ''), a.username, a.email, ''),
		t.reporter_id,
		COALESCE(NULLIF(TRIM(r.first_name || ' ' || r.last_name), ''), r.username, r.email, ''),
		t.due_date, t.estimated_hours, t.labels, t.created_at, t.updated_at
	FROM tickets t
	LEFT JOIN users a ON a.id = t.assignee_id
	JOIN users r ON r.id = t.reporter_id`

func scanTicket(row rowScanner) (Ticket, error) {
	var ticket Ticket
	var labels []byte
	err := row.Scan(&ticket.ID, &ticket.WorkspaceID, &ticket.Title, &ticket.Description, &ticket.Status,
		&ticket.Priority, &ticket.AssigneeID, &ticket.AssigneeName, &ticket.ReporterID, &ticket.ReporterName,
		&ticket.DueDate, &ticket.EstimatedHours, &labels, &ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		return Ticket{}, err
	}
	ticket.Labels = decodeStrings(labels)
	return ticket, nil
}

// ticketOrder maps an API sort key onto a fixed ORDER BY clause.
func ticketOrder(sortBy string, desc bool) string {
	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	switch sortBy {
	case "updatedAt":
		return "t.updated_at " + direction + ", t.id"
	case "priority":
		return `CASE t.priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END ` +
			direction + ", t.created_at DESC"
	default:
		return "t.created_at " + direction + ", t.id"
	}
}

func (s *PostgresStore) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, int, error) {
	where := `
		WHERE t.workspace_id=$1
			AND (cardinality($2::text[]) = 0 OR t.status = ANY($2::text[]))
			AND (cardinality($3::text[]) = 0 OR t.priority = ANY($3::text[]))
			AND ($4 = '' OR t.assignee_id::text = $4)`
	statuses := nonNilStrings(filter.Statuses)
	priorities := nonNilStrings(filter.Priorities)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets t`+where,
		filter.WorkspaceID, statuses, priorities, filter.AssigneeID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, ticketSelect+where+`
		ORDER BY `+ticketOrder(filter.SortBy, filter.SortDesc)+`
		LIMIT $5 OFFSET $6`,
		filter.WorkspaceID, statuses, priorities, filter.AssigneeID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets, total, rows.Err()
}

func (s *PostgresStore) ListAllTickets(ctx context.Context) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, ticketSelect+` ORDER BY t.created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all tickets: %w", err)
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *PostgresStore) GetTicket(ctx context.Context, workspaceID, ticketID string) (Ticket, error) {
	return scanTicket(s.db.QueryRowContext(ctx, ticketSelect+` WHERE t.workspace_id=$1 AND t.id=$2`, workspaceID, ticketID))
}

func (s *PostgresStore) CreateTicket(ctx context.Context, ticket Ticket) (Ticket, error) {
	labels, err := encodeJSON(nonNilStrings(ticket.Labels), "[]")
	if err != nil {
		return Ticket{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, workspace_id, title, description, status, priority, assignee_id, reporter_id,
			due_date, estimated_hours, labels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
	`, ticket.ID, ticket.WorkspaceID, ticket.Title, ticket.Description, ticket.Status, ticket.Priority,
		ticket.AssigneeID, ticket.ReporterID, ticket.DueDate, ticket.EstimatedHours, labels)
	if err != nil {
		return Ticket{}, mapPostgresError("insert ticket", err)
	}
	return s.GetTicket(ctx, ticket.WorkspaceID, ticket.ID)
}

// UpdateTicket writes the new ticket state and its history rows atomically.
func (s *PostgresStore) UpdateTicket(ctx context.Context, ticket Ticket, history []TicketHistory) (Ticket, error) {
	labels, err := encodeJSON(nonNilStrings(ticket.Labels), "[]")
	if err != nil {
		return Ticket{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Ticket{}, fmt.Errorf("begin update ticket: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE tickets SET title=$3, description=$4, status=$5, priority=$6, assignee_id=$7, due_date=$8,
			estimated_hours=$9, labels=$10::jsonb, updated_at=NOW()
		WHERE workspace_id=$1 AND id=$2
	`, ticket.WorkspaceID, ticket.ID, ticket.Title, ticket.Description, ticket.Status, ticket.Priority,
		ticket.AssigneeID, ticket.DueDate, ticket.EstimatedHours, labels)
	if err != nil {
		return Ticket{}, mapPostgresError("update ticket", err)
	}
	if err := requireAffected(result); err != nil {
		return Ticket{}, err
	}

	for _, entry := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_history (ticket_id, user_id, field, old_value, new_value) VALUES ($1, $2, $3, $4, $5)
		`, ticket.ID, entry.UserID, entry.Field, entry.OldValue, entry.NewValue); err != nil {
			return Ticket{}, mapPostgresError("insert ticket history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Ticket{}, fmt.Errorf("commit update ticket: %w", err)
	}
	return s.GetTicket(ctx, ticket.WorkspaceID, ticket.ID)
}

func (s *PostgresStore) DeleteTicket(ctx context.Context, workspaceID, ticketID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE workspace_id=$1 AND id=$2`, workspaceID, ticketID)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) AddTicketComment(ctx context.Context, comment TicketComment) (TicketComment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ticket_comments (id, ticket_id, user_id, content) VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, comment.ID, comment.TicketID, comment.UserID, comment.Content).Scan(&comment.CreatedAt)
	if err != nil {
		return TicketComment{}, mapPostgresError("insert ticket comment", err)
	}
	return comment, nil
}

func (s *PostgresStore) ListTicketComments(ctx context.Context, ticketID string) ([]TicketComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.ticket_id, c.user_id,
			COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.username, u.email),
			c.content, c.created_at
		FROM ticket_comments c
		JOIN users u ON u.id = c.user_id
		WHERE c.ticket_id=$1
		ORDER BY c.created_at
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket comments: %w", err)
	}
	defer rows.Close()

	var comments []TicketComment
	for rows.Next() {
		var c TicketComment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.UserID, &c.UserName, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *PostgresStore) ListTicketHistory(ctx context.Context, ticketID string) ([]TicketHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.ticket_id, h.user_id,
			COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.username, u.email),
			h.field, h.old_value, h.new_value, h.created_at
		FROM ticket_history h
		JOIN users u ON u.id = h.user_id
		WHERE h.ticket_id=$1
		ORDER BY h.created_at, h.id
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket history: %w", err)
	}
	defer rows.Close()

	var entries []TicketHistory
	for rows.Next() {
		var h TicketHistory
		if err := rows.Scan(&h.ID, &h.TicketID, &h.UserID, &h.UserName, &h.Field, &h.OldValue, &h.NewValue, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListTicketRelationships(ctx context.Context, ticketID string) ([]TicketRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.source_ticket_id, r.target_ticket_id, r.type, t.title, t.status, t.priority, r.created_by, r.created_at
		FROM ticket_relationships r
		JOIN tickets t ON t.id = r.target_ticket_id
		WHERE r.source_ticket_id=$1
		ORDER BY r.created_at
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list ticket relationships: %w", err)
	}
	defer rows.Close()

	var rels []TicketRelationship
	for rows.Next() {
		var r TicketRelationship
		if err := rows.Scan(&r.ID, &r.SourceTicketID, &r.TargetTicketID, &r.Type, &r.TargetTitle,
			&r.TargetStatus, &r.TargetPriority, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// AddTicketRelationship stores rel and its inverse edge together.
func (s *PostgresStore) AddTicketRelationship(ctx context.Context, rel TicketRelationship, inverseID, inverseType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add relationship: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO ticket_relationships (id, source_ticket_id, target_ticket_id, type, created_by)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, insert, rel.ID, rel.SourceTicketID, rel.TargetTicketID, rel.Type, rel.CreatedBy); err != nil {
		return mapPostgresError("insert relationship", err)
	}
	if _, err := tx.ExecContext(ctx, insert+` ON CONFLICT (source_ticket_id, target_ticket_id, type) DO NOTHING`,
		inverseID, rel.TargetTicketID, rel.SourceTicketID, inverseType, rel.CreatedBy); err != nil {
		return mapPostgresError("insert inverse relationship", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add relationship: %w", err)
	}
	return nil
}

// RemoveTicketRelationship deletes the edge owned by ticketID and its inverse.
func (s *PostgresStore) RemoveTicketRelationship(ctx context.Context, ticketID, relationshipID, inverseType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove relationship: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var target string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM ticket_relationships WHERE id=$1 AND source_ticket_id=$2 RETURNING target_ticket_id
	`, relationshipID, ticketID).Scan(&target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("delete relationship: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ticket_relationships WHERE source_ticket_id=$1 AND target_ticket_id=$2 AND type=$3
	`, target, ticketID, inverseType); err != nil {
		return fmt.Errorf("delete inverse relationship: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTicketRelationship(ctx context.Context, ticketID, relationshipID string) (TicketRelationship, error) {
	var r TicketRelationship
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.source_ticket_id, r.target_ticket_id, r.type, t.title, t.status, t.priority, r.created_by, r.created_at
		FROM ticket_relationships r
		JOIN tickets t ON t.id = r.target_ticket_id
		WHERE r.id=$1 AND r.source_ticket_id=$2
	`, relationshipID, ticketID).Scan(&r.ID, &r.SourceTicketID, &r.TargetTicketID, &r.Type, &r.TargetTitle,
		&r.TargetStatus, &r.TargetPriority, &r.CreatedBy, &r.CreatedAt)
	return r, err
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
