package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches with PostgreSQL full-text search. It is the fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// buildQuery returns the count and page queries for q. Workspace ids are bound as a text array
// so every sub-query is restricted to the caller's workspaces.
func buildQuery(q Query, limit, offset int) (string, string, []any) {
	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.WorkspaceIDs}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTicket {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'ticket'::text AS type, t.id::text AS id, t.title,
				ts_headline('english', t.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.workspace_id::text AS workspace_id, t.status,
				ts_rank(t.search_vector, %[1]s) AS rank
			FROM tickets t
			WHERE t.search_vector @@ %[1]s AND t.workspace_id::text = ANY($2)`, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultNote {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'note'::text AS type, n.id::text AS id, n.title,
				ts_headline('english', n.content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.workspace_id::text AS workspace_id, ''::text AS status,
				ts_rank(n.search_vector, %[1]s) AS rank
			FROM notes n
			WHERE n.search_vector @@ %[1]s AND n.workspace_id::text = ANY($2)`, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultWorkspace {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'workspace'::text AS type, w.id::text AS id, w.name AS title,
				ts_headline('english', w.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				w.id::text AS workspace_id, ''::text AS status,
				ts_rank(w.search_vector, %[1]s) AS rank
			FROM workspaces w
			WHERE w.search_vector @@ %[1]s AND w.id::text = ANY($2)`, tsQuery))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, workspace_id, status
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.WorkspaceIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countSQL, dataSQL, args := buildQuery(q, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.WorkspaceID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) (Records, error) {
	var records Records

	ticketRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, title, description, status, priority, workspace_id::text FROM tickets
	`)
	if err != nil {
		return Records{}, fmt.Errorf("load tickets: %w", err)
	}
	defer ticketRows.Close()
	for ticketRows.Next() {
		var t TicketRecord
		if err := ticketRows.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.WorkspaceID); err != nil {
			return Records{}, fmt.Errorf("scan ticket: %w", err)
		}
		records.Tickets = append(records.Tickets, t)
	}
	if err := ticketRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate tickets: %w", err)
	}

	noteRows, err := p.db.QueryContext(ctx, `SELECT id::text, title, content, workspace_id::text FROM notes`)
	if err != nil {
		return Records{}, fmt.Errorf("load notes: %w", err)
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var n NoteRecord
		if err := noteRows.Scan(&n.ID, &n.Title, &n.Content, &n.WorkspaceID); err != nil {
			return Records{}, fmt.Errorf("scan note: %w", err)
		}
		records.Notes = append(records.Notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate notes: %w", err)
	}

	workspaceRows, err := p.db.QueryContext(ctx, `SELECT id::text, name, slug, description FROM workspaces`)
	if err != nil {
		return Records{}, fmt.Errorf("load workspaces: %w", err)
	}
	defer workspaceRows.Close()
	for workspaceRows.Next() {
		var w WorkspaceRecord
		if err := workspaceRows.Scan(&w.ID, &w.Name, &w.Slug, &w.Description); err != nil {
			return Records{}, fmt.Errorf("scan workspace: %w", err)
		}
		w.WorkspaceID = w.ID
		records.Workspaces = append(records.Workspaces, w)
	}
	if err := workspaceRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate workspaces: %w", err)
	}

	return records, nil
}
