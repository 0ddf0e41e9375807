package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const (
	idxTickets    = "dashboard_tickets"
	idxNotes      = "dashboard_notes"
	idxWorkspaces = "dashboard_workspaces"
)

// Meili searches and indexes through Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// An unreachable server is not fatal; the health loop keeps probing it.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

// indexSpec describes one Meilisearch index and which document fields feed a Result.
type indexSpec struct {
	uid        string
	rtyp       ResultType
	filterable []string
	searchable []string
	title      string
	snippet    string
}

var indexSpecs = []indexSpec{
	{idxTickets, ResultTicket, []string{"workspaceId", "status", "priority"}, []string{"title", "description"}, "title", "description"},
	{idxNotes, ResultNote, []string{"workspaceId"}, []string{"title", "content"}, "title", "content"},
	{idxWorkspaces, ResultWorkspace, []string{"workspaceId"}, []string{"name", "slug", "description"}, "name", "description"},
}

func specFor(rtyp ResultType) (indexSpec, bool) {
	for _, spec := range indexSpecs {
		if spec.rtyp == rtyp {
			return spec, true
		}
	}
	return indexSpec{}, false
}

func (m *Meili) configureIndexes() {
	for _, spec := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			log.Debug().Err(err).Str("index", spec.uid).Msg("search: create index (may already exist)")
		}
		index := m.client.Index(spec.uid)
		filterable := make([]interface{}, 0, len(spec.filterable))
		for _, attr := range spec.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Err(err).Str("index", spec.uid).Msg("search: update filterable attributes")
		}
		searchable := spec.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			log.Warn().Err(err).Str("index", spec.uid).Msg("search: update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the matching indexes in one multi-search and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.WorkspaceIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                workspaceFilter(q.WorkspaceIDs),
		})
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func workspaceFilter(workspaceIDs []string) string {
	quoted := make([]string, len(workspaceIDs))
	for i, id := range workspaceIDs {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("workspaceId IN [%s]", strings.Join(quoted, ", "))
}

func indexToResultType(uid string) ResultType {
	for _, spec := range indexSpecs {
		if spec.uid == uid {
			return spec.rtyp
		}
	}
	return ""
}

// hitToResult prefers the highlighted _formatted value of each field over the raw one.
func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:        rtyp,
		ID:          decodeString(hit, "id"),
		WorkspaceID: decodeString(hit, "workspaceId"),
	}
	if rtyp == ResultTicket {
		r.Status = decodeString(hit, "status")
	}
	if spec, ok := specFor(rtyp); ok {
		r.Title = firstNonBlank(decodeFormattedString(hit, spec.title), decodeString(hit, spec.title))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, spec.snippet), decodeString(hit, spec.snippet))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexTicket(t TicketRecord) error {
	_, err := m.client.Index(idxTickets).AddDocuments([]TicketRecord{t}, nil)
	return err
}

func (m *Meili) IndexNote(n NoteRecord) error {
	_, err := m.client.Index(idxNotes).AddDocuments([]NoteRecord{n}, nil)
	return err
}

func (m *Meili) IndexWorkspace(w WorkspaceRecord) error {
	w.WorkspaceID = w.ID
	_, err := m.client.Index(idxWorkspaces).AddDocuments([]WorkspaceRecord{w}, nil)
	return err
}

func (m *Meili) delete(rtyp ResultType, id string) error {
	spec, ok := specFor(rtyp)
	if !ok {
		return fmt.Errorf("unknown search type %q", rtyp)
	}
	_, err := m.client.Index(spec.uid).DeleteDocument(id, nil)
	return err
}

// IndexAll bulk-indexes a full snapshot.
func (m *Meili) IndexAll(records Records) error {
	if len(records.Tickets) > 0 {
		if _, err := m.client.Index(idxTickets).AddDocuments(records.Tickets, nil); err != nil {
			return fmt.Errorf("index tickets: %w", err)
		}
	}
	if len(records.Notes) > 0 {
		if _, err := m.client.Index(idxNotes).AddDocuments(records.Notes, nil); err != nil {
			return fmt.Errorf("index notes: %w", err)
		}
	}
	if len(records.Workspaces) > 0 {
		for i := range records.Workspaces {
			records.Workspaces[i].WorkspaceID = records.Workspaces[i].ID
		}
		if _, err := m.client.Index(idxWorkspaces).AddDocuments(records.Workspaces, nil); err != nil {
			return fmt.Errorf("index workspaces: %w", err)
		}
	}
	return nil
}
