package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const analyticsProjectColumns = `id, name, domain, public_key, is_active, created_by, created_at, updated_at`

func scanAnalyticsProject(row rowScanner) (AnalyticsProject, error) {
	var p AnalyticsProject
	err := row.Scan(&p.ID, &p.Name, &p.Domain, &p.PublicKey, &p.IsActive, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) CreateAnalyticsProject(ctx context.Context, p AnalyticsProject) (AnalyticsProject, error) {
	created, err := scanAnalyticsProject(s.db.QueryRowContext(ctx, `
		INSERT INTO analytics_projects (id, name, domain, public_key, is_active, created_by)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING `+analyticsProjectColumns,
		p.ID, p.Name, p.Domain, p.PublicKey, p.CreatedBy,
	))
	if err != nil {
		return AnalyticsProject{}, mapPostgresError("insert analytics project", err)
	}
	return created, nil
}

func (s *PostgresStore) ListAnalyticsProjects(ctx context.Context) ([]AnalyticsProject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+analyticsProjectColumns+` FROM analytics_projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list analytics projects: %w", err)
	}
	defer rows.Close()

	var projects []AnalyticsProject
	for rows.Next() {
		p, err := scanAnalyticsProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analytics project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetAnalyticsProject(ctx context.Context, projectID string) (AnalyticsProject, error) {
	return scanAnalyticsProject(s.db.QueryRowContext(ctx, `SELECT `+analyticsProjectColumns+` FROM analytics_projects WHERE id=$1`, projectID))
}

func (s *PostgresStore) GetAnalyticsProjectByKey(ctx context.Context, publicKey string) (AnalyticsProject, error) {
	return scanAnalyticsProject(s.db.QueryRowContext(ctx, `SELECT `+analyticsProjectColumns+` FROM analytics_projects WHERE public_key=$1`, publicKey))
}

func (s *PostgresStore) UpdateAnalyticsProject(ctx context.Context, p AnalyticsProject) (AnalyticsProject, error) {
	updated, err := scanAnalyticsProject(s.db.QueryRowContext(ctx, `
		UPDATE analytics_projects SET name=$2, domain=$3, is_active=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING `+analyticsProjectColumns,
		p.ID, p.Name, p.Domain, p.IsActive,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalyticsProject{}, err
		}
		return AnalyticsProject{}, mapPostgresError("update analytics project", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteAnalyticsProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analytics_projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete analytics project: %w", err)
	}
	return requireAffected(result)
}

// InsertAnalyticsEvent records the event and folds it into its session row.
// A session bounces when it holds exactly one pageview.
func (s *PostgresStore) InsertAnalyticsEvent(ctx context.Context, e AnalyticsEvent) error {
	properties, err := encodeJSON(e.Properties, "{}")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert analytics event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO analytics_events (project_id, session_id, visitor_id, event_type, event_name, url, pathname, referrer,
			title, utm_source, utm_medium, utm_campaign, utm_term, utm_content, country, region, city, device, browser, os,
			screen_width, screen_height, duration_ms, properties, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24::jsonb, $25)
	`, e.ProjectID, e.SessionID, e.VisitorID, e.EventType, e.EventName, e.URL, e.Pathname, e.Referrer,
		e.Title, e.UTMSource, e.UTMMedium, e.UTMCampaign, e.UTMTerm, e.UTMContent, e.Country, e.Region, e.City,
		e.Device, e.Browser, e.OS, e.ScreenWidth, e.ScreenHeight, e.DurationMS, properties, e.CreatedAt); err != nil {
		return mapPostgresError("insert analytics event", err)
	}

	pageviews, events := 0, 1
	if e.EventType == "pageview" {
		pageviews, events = 1, 0
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO analytics_sessions AS s (id, project_id, visitor_id, started_at, ended_at, pageviews, events,
			entry_page, exit_page, country, device, browser, os, bounced)
		VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $7, $8, $9, $10, $11, $5 = 1)
		ON CONFLICT (project_id, id) DO UPDATE SET
			ended_at = GREATEST(s.ended_at, EXCLUDED.ended_at),
			pageviews = s.pageviews + EXCLUDED.pageviews,
			events = s.events + EXCLUDED.events,
			exit_page = CASE WHEN EXCLUDED.pageviews > 0 THEN EXCLUDED.exit_page ELSE s.exit_page END,
			bounced = (s.pageviews + EXCLUDED.pageviews) = 1
	`, e.SessionID, e.ProjectID, e.VisitorID, e.CreatedAt, pageviews, events, e.Pathname,
		e.Country, e.Device, e.Browser, e.OS); err != nil {
		return mapPostgresError("upsert analytics session", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analytics event: %w", err)
	}
	return nil
}

const filteredEvents = `
	WITH filtered AS (
		SELECT * FROM analytics_events
		WHERE project_id=$1 AND created_at >= $2 AND created_at < $3
			AND ($4 = '' OR country=$4) AND ($5 = '' OR device=$5) AND ($6 = '' OR pathname=$6)
	)`

// AnalyticsMetrics aggregates one project's traffic over filter's range. Realtime counts
// distinct visitors seen in the five minutes before now, ignoring the range.
func (s *PostgresStore) AnalyticsMetrics(ctx context.Context, filter AnalyticsFilter, now time.Time) (AnalyticsMetrics, error) {
	args := []any{filter.ProjectID, filter.From, filter.To, filter.Country, filter.Device, filter.Pathname}
	var m AnalyticsMetrics

	err := s.db.QueryRowContext(ctx, filteredEvents+`
		SELECT
			COUNT(*) FILTER (WHERE event_type='pageview'),
			COUNT(DISTINCT session_id),
			COUNT(DISTINCT visitor_id),
			COALESCE(AVG(duration_ms) FILTER (WHERE event_type='pageview' AND duration_ms > 0), 0) / 1000.0
		FROM filtered
	`, args...).Scan(&m.Pageviews, &m.Sessions, &m.UniqueVisitors, &m.AvgPageSeconds)
	if err != nil {
		return AnalyticsMetrics{}, fmt.Errorf("analytics totals: %w", err)
	}

	err = s.db.QueryRowContext(ctx, filteredEvents+`
		SELECT
			COALESCE(AVG(CASE WHEN s.bounced THEN 100.0 ELSE 0 END), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (s.ended_at - s.started_at))), 0)
		FROM analytics_sessions s
		WHERE s.project_id=$1 AND s.id IN (SELECT DISTINCT session_id FROM filtered)
	`, args...).Scan(&m.BounceRate, &m.AvgSessionSeconds)
	if err != nil {
		return AnalyticsMetrics{}, fmt.Errorf("analytics sessions: %w", err)
	}

	breakdowns := []struct {
		column string
		expr   string
		where  string
		target *[]CountByValue
	}{
		{"pathname", "COUNT(*)", "event_type='pageview'", &m.TopPages},
		{"country", "COUNT(DISTINCT visitor_id)", "country <> ''", &m.Countries},
		{"device", "COUNT(DISTINCT visitor_id)", "device <> ''", &m.Devices},
		{"browser", "COUNT(DISTINCT visitor_id)", "browser <> ''", &m.Browsers},
	}
	for _, b := range breakdowns {
		items, err := s.countBy(ctx, filteredEvents+`
			SELECT `+b.column+`, `+b.expr+` AS total FROM filtered WHERE `+b.where+`
			GROUP BY `+b.column+` ORDER BY total DESC, `+b.column+` LIMIT 10`, args...)
		if err != nil {
			return AnalyticsMetrics{}, fmt.Errorf("analytics %s breakdown: %w", b.column, err)
		}
		*b.target = items
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT visitor_id) FROM analytics_events WHERE project_id=$1 AND created_at > $2
	`, filter.ProjectID, now.Add(-5*time.Minute)).Scan(&m.RealtimeVisitors)
	if err != nil {
		return AnalyticsMetrics{}, fmt.Errorf("analytics realtime: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) countBy(ctx context.Context, query string, args ...any) ([]CountByValue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []CountByValue{}
	for rows.Next() {
		var item CountByValue
		if err := rows.Scan(&item.Value, &item.Count); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
