package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ToggleChangelogVote adds a vote for (entry, ip) or removes the existing one. It reports the new state.
func (s *PostgresStore) ToggleChangelogVote(ctx context.Context, entryID, ipAddress, userAgent string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM changelog_votes WHERE entry_id=$1 AND ip_address=$2`, entryID, ipAddress)
	if err != nil {
		return false, fmt.Errorf("remove changelog vote: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO changelog_votes (entry_id, ip_address, user_agent) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, entryID, ipAddress, userAgent)
	if err != nil {
		return false, fmt.Errorf("add changelog vote: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ChangelogVoteCounts(ctx context.Context) (map[string]int, error) {
	items, err := s.countBy(ctx, `SELECT entry_id, COUNT(*) FROM changelog_votes GROUP BY entry_id`)
	if err != nil {
		return nil, fmt.Errorf("changelog vote counts: %w", err)
	}
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[item.Value] = item.Count
	}
	return counts, nil
}

func (s *PostgresStore) ChangelogVotesByIP(ctx context.Context, ipAddress string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id FROM changelog_votes WHERE ip_address=$1`, ipAddress)
	if err != nil {
		return nil, fmt.Errorf("changelog votes by ip: %w", err)
	}
	defer rows.Close()

	voted := map[string]bool{}
	for rows.Next() {
		var entryID string
		if err := rows.Scan(&entryID); err != nil {
			return nil, fmt.Errorf("scan changelog vote: %w", err)
		}
		voted[entryID] = true
	}
	return voted, rows.Err()
}

func (s *PostgresStore) TopChangelogEntries(ctx context.Context, limit int) ([]CountByValue, error) {
	items, err := s.countBy(ctx, `
		SELECT entry_id, COUNT(*) AS total FROM changelog_votes GROUP BY entry_id ORDER BY total DESC, entry_id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top changelog entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListChangelogVoters(ctx context.Context, entryID string) ([]ChangelogVoter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, ip_address, user_agent, created_at FROM changelog_votes WHERE entry_id=$1 ORDER BY created_at DESC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list changelog voters: %w", err)
	}
	defer rows.Close()

	var voters []ChangelogVoter
	for rows.Next() {
		var v ChangelogVoter
		if err := rows.Scan(&v.EntryID, &v.IPAddress, &v.UserAgent, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan changelog voter: %w", err)
		}
		voters = append(voters, v)
	}
	return voters, rows.Err()
}

const roadmapSelect = `
	SELECT r.id, r.title, r.description, r.status, r.priority, r.category, r.tags, r.due_date,
		(SELECT COUNT(*) FROM roadmap_votes v WHERE v.item_id = r.id),
		EXISTS(SELECT 1 FROM roadmap_votes v WHERE v.item_id = r.id AND v.user_id::text = $1),
		r.created_by, r.created_at, r.updated_at
	FROM roadmap_items r`

func scanRoadmapItem(row rowScanner) (RoadmapItem, error) {
	var item RoadmapItem
	var tags []byte
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Status, &item.Priority, &item.Category, &tags,
		&item.DueDate, &item.Votes, &item.Voted, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return RoadmapItem{}, err
	}
	item.Tags = decodeStrings(tags)
	return item, nil
}

// ListRoadmapItems returns all items, most voted first. viewerID may be empty for anonymous callers.
func (s *PostgresStore) ListRoadmapItems(ctx context.Context, viewerID string) ([]RoadmapItem, error) {
	rows, err := s.db.QueryContext(ctx, roadmapSelect+` ORDER BY 9 DESC, r.created_at DESC`, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list roadmap items: %w", err)
	}
	defer rows.Close()

	var items []RoadmapItem
	for rows.Next() {
		item, err := scanRoadmapItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan roadmap item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetRoadmapItem(ctx context.Context, itemID, viewerID string) (RoadmapItem, error) {
	return scanRoadmapItem(s.db.QueryRowContext(ctx, roadmapSelect+` WHERE r.id=$2`, viewerID, itemID))
}

func (s *PostgresStore) SaveRoadmapItem(ctx context.Context, item RoadmapItem) (RoadmapItem, error) {
	tags, err := encodeJSON(nonNilStrings(item.Tags), "[]")
	if err != nil {
		return RoadmapItem{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roadmap_items (id, title, description, status, priority, category, tags, due_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, description=EXCLUDED.description, status=EXCLUDED.status,
			priority=EXCLUDED.priority, category=EXCLUDED.category, tags=EXCLUDED.tags, due_date=EXCLUDED.due_date,
			updated_at=NOW()
	`, item.ID, item.Title, item.Description, item.Status, item.Priority, item.Category, tags, item.DueDate, item.CreatedBy)
	if err != nil {
		return RoadmapItem{}, mapPostgresError("save roadmap item", err)
	}
	viewer := ""
	if item.CreatedBy != nil {
		viewer = *item.CreatedBy
	}
	return s.GetRoadmapItem(ctx, item.ID, viewer)
}

func (s *PostgresStore) DeleteRoadmapItem(ctx context.Context, itemID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM roadmap_items WHERE id=$1`, itemID)
	if err != nil {
		return fmt.Errorf("delete roadmap item: %w", err)
	}
	return requireAffected(result)
}

// ToggleRoadmapVote adds or removes the user's vote and reports whether a vote now exists.
func (s *PostgresStore) ToggleRoadmapVote(ctx context.Context, itemID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM roadmap_votes WHERE item_id=$1 AND user_id=$2`, itemID, userID)
	if err != nil {
		return false, fmt.Errorf("remove roadmap vote: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roadmap_votes (item_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, itemID, userID)
	if err != nil {
		err = mapPostgresError("add roadmap vote", err)
		if errors.Is(err, ErrReferenceMissing) {
			return false, sql.ErrNoRows
		}
		return false, err
	}
	return true, nil
}
