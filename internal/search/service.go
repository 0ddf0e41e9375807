package search

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

const (
	EngineMeili    = "meilisearch"
	EnginePostgres = "postgres"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Query: q.Text, Engine: EnginePostgres}
	if len(q.WorkspaceIDs) == 0 {
		return empty
	}

	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EngineMeili}
		}
		log.Ctx(ctx).Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return empty
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("search: pgfts error")
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: EnginePostgres}
}

// IndexTicket indexes a ticket (fire-and-forget to Meilisearch).
func (s *Service) IndexTicket(t TicketRecord) {
	s.async("index ticket", t.ID, func() error { return s.meili.IndexTicket(t) })
}

// IndexNote indexes a note (fire-and-forget to Meilisearch).
func (s *Service) IndexNote(n NoteRecord) {
	s.async("index note", n.ID, func() error { return s.meili.IndexNote(n) })
}

// IndexWorkspace indexes a workspace (fire-and-forget to Meilisearch).
func (s *Service) IndexWorkspace(w WorkspaceRecord) {
	s.async("index workspace", w.ID, func() error { return s.meili.IndexWorkspace(w) })
}

// Delete removes an entity from the search index (fire-and-forget).
func (s *Service) Delete(rtyp ResultType, id string) {
	s.async("delete "+string(rtyp), id, func() error { return s.meili.delete(rtyp, id) })
}

func (s *Service) async(op, id string, fn func() error) {
	if s == nil || !s.meiliReady() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			log.Warn().Err(err).Str("id", id).Msgf("search: %s", op)
		}
	}()
}

var ErrMeiliUnavailable = errors.New("meilisearch is not configured or unhealthy")

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) (Records, error) {
	if !s.meiliReady() || s.pgfts == nil {
		return Records{}, ErrMeiliUnavailable
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return Records{}, err
	}
	if err := s.meili.IndexAll(records); err != nil {
		return Records{}, err
	}
	log.Ctx(ctx).Info().
		Int("tickets", len(records.Tickets)).
		Int("notes", len(records.Notes)).
		Int("workspaces", len(records.Workspaces)).
		Msg("search: reindexed from postgres")
	return records, nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
