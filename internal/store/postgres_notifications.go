package store

import (
	"context"
	"fmt"
)

// CreateNotification stores n and fans it out to its recipients: every user when global,
// every member when scoped to a workspace, plus any explicit userIDs.
func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification, userIDs []string) (Notification, int, error) {
	metadata, err := encodeJSON(n.Metadata, "{}")
	if err != nil {
		return Notification{}, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Notification{}, 0, fmt.Errorf("begin create notification: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO notifications (id, title, content, type, created_by, workspace_id, link, is_global, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		RETURNING created_at
	`, n.ID, n.Title, n.Content, n.Type, n.CreatedBy, n.WorkspaceID, n.Link, n.IsGlobal, metadata, n.ExpiresAt).Scan(&n.CreatedAt)
	if err != nil {
		return Notification{}, 0, mapPostgresError("insert notification", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO user_notifications (notification_id, user_id)
		SELECT $1, recipient FROM (
			SELECT id AS recipient FROM users WHERE $2
			UNION
			SELECT user_id FROM workspace_members WHERE workspace_id = $3
			UNION
			SELECT unnest($4::uuid[])
		) r
		ON CONFLICT DO NOTHING
	`, n.ID, n.IsGlobal, n.WorkspaceID, nonNilStrings(userIDs))
	if err != nil {
		return Notification{}, 0, mapPostgresError("fan out notification", err)
	}
	recipients, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return Notification{}, 0, fmt.Errorf("commit create notification: %w", err)
	}
	return n, int(recipients), nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, int, error) {
	where := `
		WHERE un.user_id=$1
			AND un.is_archived=$2
			AND (NOT $3 OR NOT un.is_read)
			AND ($4 = '' OR n.type=$4)
			AND (n.expires_at IS NULL OR n.expires_at > NOW())`

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_notifications un JOIN notifications n ON n.id = un.notification_id`+where,
		filter.UserID, filter.Archived, filter.UnreadOnly, filter.Type).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.type, n.created_by, n.workspace_id, n.link, n.is_global, n.metadata,
			n.expires_at, n.created_at, un.is_read, un.read_at, un.is_archived
		FROM user_notifications un
		JOIN notifications n ON n.id = un.notification_id`+where+`
		ORDER BY n.created_at DESC
		LIMIT $5 OFFSET $6
	`, filter.UserID, filter.Archived, filter.UnreadOnly, filter.Type, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var n Notification
		var metadata []byte
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Type, &n.CreatedBy, &n.WorkspaceID, &n.Link, &n.IsGlobal,
			&metadata, &n.ExpiresAt, &n.CreatedAt, &n.IsRead, &n.ReadAt, &n.IsArchived); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		n.Metadata = decodeObject(metadata)
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_notifications SET is_read=TRUE, read_at=NOW()
		WHERE user_id=$1 AND notification_id = ANY($2::uuid[]) AND NOT is_read
	`, userID, nonNilStrings(ids))
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_notifications SET is_read=TRUE, read_at=NOW() WHERE user_id=$1 AND NOT is_read AND NOT is_archived
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) ArchiveNotification(ctx context.Context, userID, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_notifications SET is_archived=TRUE, is_read=TRUE, read_at=COALESCE(read_at, NOW())
		WHERE user_id=$1 AND notification_id=$2
	`, userID, notificationID)
	if err != nil {
		return fmt.Errorf("archive notification: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) NotificationStats(ctx context.Context, userID string) (NotificationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.type, COUNT(*), COUNT(*) FILTER (WHERE NOT un.is_read)
		FROM user_notifications un
		JOIN notifications n ON n.id = un.notification_id
		WHERE un.user_id=$1 AND NOT un.is_archived AND (n.expires_at IS NULL OR n.expires_at > NOW())
		GROUP BY n.type
	`, userID)
	if err != nil {
		return NotificationStats{}, fmt.Errorf("notification stats: %w", err)
	}
	defer rows.Close()

	stats := NotificationStats{ByType: map[string]int{}}
	for rows.Next() {
		var kind string
		var total, unread int
		if err := rows.Scan(&kind, &total, &unread); err != nil {
			return NotificationStats{}, fmt.Errorf("scan notification stats: %w", err)
		}
		stats.ByType[kind] = total
		stats.Total += total
		stats.Unread += unread
	}
	return stats, rows.Err()
}
