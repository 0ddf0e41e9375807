package app

import (
	"context"
	"database/sql"
	"strings"

	"dashboard/api/internal/changelog"
	"dashboard/api/internal/search"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var (
	roadmapStatuses   = []string{"planned", "in_progress", "completed", "cancelled"}
	roadmapPriorities = []string{"low", "medium", "high"}
)

type RoadmapRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *string          `json:"status"`
	Priority    *string          `json:"priority"`
	Category    *string          `json:"category"`
	Tags        *[]string        `json:"tags"`
	DueDate     Optional[string] `json:"dueDate"`
}

func (s *Service) requireChangelog() (changelogSource, error) {
	if s.changelog == nil {
		return nil, unavailable("CHANGELOG_UNAVAILABLE", "Changelog repository is not configured")
	}
	return s.changelog, nil
}

// Changelog lists commits newest first with vote counts and whether this client voted.
func (s *Service) Changelog(ctx context.Context, client Client, limit int) (map[string]any, error) {
	source, err := s.requireChangelog()
	if err != nil {
		return nil, err
	}
	entries, err := source.Entries(limit)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.ChangelogVoteCounts(ctx)
	if err != nil {
		return nil, err
	}
	voted, err := s.store.ChangelogVotesByIP(ctx, client.IP)
	if err != nil {
		return nil, err
	}

	items := make([]changelogItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, changelogPayload(entry, counts[entry.Hash], voted[entry.Hash]))
	}
	return map[string]any{"entries": items, "total": len(items)}, nil
}

func (s *Service) ChangelogEntry(ctx context.Context, client Client, hash string) (changelogItem, error) {
	source, err := s.requireChangelog()
	if err != nil {
		return changelogItem{}, err
	}
	entry, ok, err := source.Entry(strings.TrimSpace(hash))
	if err != nil {
		return changelogItem{}, err
	}
	if !ok {
		return changelogItem{}, sql.ErrNoRows
	}
	counts, err := s.store.ChangelogVoteCounts(ctx)
	if err != nil {
		return changelogItem{}, err
	}
	voted, err := s.store.ChangelogVotesByIP(ctx, client.IP)
	if err != nil {
		return changelogItem{}, err
	}
	return changelogPayload(entry, counts[entry.Hash], voted[entry.Hash]), nil
}

func (s *Service) ChangelogStats(limit int) (changelog.Stats, error) {
	source, err := s.requireChangelog()
	if err != nil {
		return changelog.Stats{}, err
	}
	entries, err := source.Entries(limit)
	if err != nil {
		return changelog.Stats{}, err
	}
	return changelog.Summarize(entries), nil
}

// ToggleChangelogVote flips this client's vote on a commit. Votes are keyed by IP address.
func (s *Service) ToggleChangelogVote(ctx context.Context, client Client, hash string) (map[string]any, error) {
	source, err := s.requireChangelog()
	if err != nil {
		return nil, err
	}
	entry, ok, err := source.Entry(strings.TrimSpace(hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	if client.IP == "" {
		return nil, validationError("Cannot determine client address")
	}
	voted, err := s.store.ToggleChangelogVote(ctx, entry.Hash, client.IP, truncate(client.UserAgent, 512))
	if err != nil {
		return nil, err
	}
	counts, err := s.store.ChangelogVoteCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entryId": entry.Hash, "voted": voted, "votes": counts[entry.Hash]}, nil
}

// TopChangelogEntries returns the most voted commits that are still in the history window.
func (s *Service) TopChangelogEntries(ctx context.Context, limit int) ([]changelogItem, error) {
	source, err := s.requireChangelog()
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopChangelogEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]changelogItem, 0, len(top))
	for _, row := range top {
		entry, ok, err := source.Entry(row.Value)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		items = append(items, changelogPayload(entry, row.Count, false))
	}
	return items, nil
}

func (s *Service) ChangelogVoters(ctx context.Context, session Session, hash string) ([]map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	voters, err := s.store.ListChangelogVoters(ctx, strings.TrimSpace(hash))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(voters))
	for _, v := range voters {
		out = append(out, map[string]any{
			"entryId":   v.EntryID,
			"ipAddress": v.IPAddress,
			"userAgent": v.UserAgent,
			"createdAt": v.CreatedAt,
		})
	}
	return out, nil
}

// Roadmap groups items into status lanes. viewerID is empty for anonymous callers.
func (s *Service) Roadmap(ctx context.Context, viewerID string) (map[string]any, error) {
	items, err := s.store.ListRoadmapItems(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	lanes := make(map[string][]map[string]any, len(roadmapStatuses))
	for _, status := range roadmapStatuses {
		lanes[status] = []map[string]any{}
	}
	for _, item := range items {
		lanes[item.Status] = append(lanes[item.Status], roadmapPayload(item))
	}
	return map[string]any{"lanes": lanes, "total": len(items)}, nil
}

func (s *Service) RoadmapItem(ctx context.Context, viewerID, itemID string) (map[string]any, error) {
	if !util.IsID(itemID) {
		return nil, sql.ErrNoRows
	}
	item, err := s.store.GetRoadmapItem(ctx, itemID, viewerID)
	if err != nil {
		return nil, err
	}
	return roadmapPayload(item), nil
}

func (s *Service) CreateRoadmapItem(ctx context.Context, session Session, req RoadmapRequest) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	if req.Title == nil {
		return nil, validationError("Title is required")
	}
	item := store.RoadmapItem{ID: util.NewID(), Status: "planned", Priority: "medium", CreatedBy: &session.UserID}
	return s.saveRoadmapItem(ctx, session, item, req, "roadmap.created")
}

func (s *Service) UpdateRoadmapItem(ctx context.Context, session Session, itemID string, req RoadmapRequest) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	if !util.IsID(itemID) {
		return nil, sql.ErrNoRows
	}
	item, err := s.store.GetRoadmapItem(ctx, itemID, session.UserID)
	if err != nil {
		return nil, err
	}
	return s.saveRoadmapItem(ctx, session, item, req, "roadmap.updated")
}

func (s *Service) saveRoadmapItem(ctx context.Context, session Session, item store.RoadmapItem, req RoadmapRequest, action string) (map[string]any, error) {
	var err error
	if req.Title != nil {
		if item.Title, err = validateTitle(*req.Title); err != nil {
			return nil, err
		}
	}
	if req.Description != nil {
		item.Description = strings.TrimSpace(*req.Description)
	}
	if req.Status != nil {
		if !oneOf(*req.Status, roadmapStatuses...) {
			return nil, validationError("Status must be planned, in_progress, completed or cancelled")
		}
		item.Status = *req.Status
	}
	if req.Priority != nil {
		if !oneOf(*req.Priority, roadmapPriorities...) {
			return nil, validationError("Priority must be low, medium or high")
		}
		item.Priority = *req.Priority
	}
	if req.Category != nil {
		item.Category = strings.TrimSpace(*req.Category)
	}
	if req.Tags != nil {
		if item.Tags, err = cleanLabels(*req.Tags); err != nil {
			return nil, err
		}
	}
	if req.DueDate.Set {
		if item.DueDate, err = parseDate(req.DueDate.Value, "dueDate"); err != nil {
			return nil, err
		}
	}

	saved, err := s.store.SaveRoadmapItem(ctx, item)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, nil, action, "roadmap_item", saved.ID, map[string]any{"status": saved.Status})
	return roadmapPayload(saved), nil
}

func (s *Service) DeleteRoadmapItem(ctx context.Context, session Session, itemID string) error {
	if err := s.requireAdmin(session); err != nil {
		return err
	}
	if !util.IsID(itemID) {
		return sql.ErrNoRows
	}
	if err := s.store.DeleteRoadmapItem(ctx, itemID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, nil, "roadmap.deleted", "roadmap_item", itemID, nil)
	return nil
}

func (s *Service) ToggleRoadmapVote(ctx context.Context, session Session, itemID string) (map[string]any, error) {
	if !util.IsID(itemID) {
		return nil, sql.ErrNoRows
	}
	voted, err := s.store.ToggleRoadmapVote(ctx, itemID, session.UserID)
	if err != nil {
		return nil, err
	}
	item, err := s.store.GetRoadmapItem(ctx, itemID, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"itemId": item.ID, "voted": voted, "votes": item.Votes}, nil
}

// Search looks across the caller's workspaces, or one of them when workspaceID is set.
func (s *Service) Search(ctx context.Context, session Session, text, rawType, workspaceID string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}, Engine: search.EnginePostgres}, nil
	}
	resultType, ok := search.ParseResultType(rawType)
	if !ok {
		return search.Response{}, validationError("type must be ticket, note or workspace")
	}
	ids, err := s.store.ListWorkspaceIDsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	if workspaceID != "" {
		if !oneOf(workspaceID, ids...) {
			return search.Response{}, sql.ErrNoRows
		}
		ids = []string{workspaceID}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text, Engine: search.EnginePostgres}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:         text,
		FilterType:   resultType,
		WorkspaceIDs: ids,
		Limit:        limit,
		Offset:       offset,
	}), nil
}
