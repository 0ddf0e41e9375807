package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"dashboard/api/internal/export"
	"dashboard/api/internal/rbac"
	"dashboard/api/internal/search"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var (
	noteSorts    = []string{"title", "createdAt", "updatedAt"}
	mentionTypes = []string{"note", "ticket", "user"}
)

const maxNoteContent = 1 << 20

type NoteQuery struct {
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

type MentionRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type NoteRequest struct {
	Title    *string      `json:"title"`
	Content  *string      `json:"content"`
	Mentions []MentionRef `json:"mentions"`
}

func (s *Service) ListNotes(ctx context.Context, session Session, workspaceID string, q NoteQuery) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > maxPageSize {
		return nil, validationError("limit must be between 1 and 100")
	}
	if q.SortBy == "" {
		q.SortBy = "updatedAt"
	}
	if !oneOf(q.SortBy, noteSorts...) {
		return nil, validationError("sortBy must be title, createdAt or updatedAt")
	}

	notes, total, err := s.store.ListNotes(ctx, store.NoteFilter{
		WorkspaceID: workspaceID,
		Search:      strings.TrimSpace(q.Search),
		SortBy:      q.SortBy,
		SortDesc:    q.SortOrder != "asc",
		Limit:       q.Limit,
		Offset:      (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, notePayload(note))
	}
	return map[string]any{
		"notes":      items,
		"pagination": paginationPayload(q.Page, q.Limit, total),
	}, nil
}

// GetNote returns the note with its mentions resolved to labels.
func (s *Service) GetNote(ctx context.Context, session Session, workspaceID, noteID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	note, mentions, err := s.loadNote(ctx, workspaceID, noteID)
	if err != nil {
		return nil, err
	}
	return notePayloadWithMentions(note, mentions), nil
}

func (s *Service) loadNote(ctx context.Context, workspaceID, noteID string) (store.Note, []store.NoteMention, error) {
	if !util.IsID(noteID) {
		return store.Note{}, nil, sql.ErrNoRows
	}
	note, err := s.store.GetNote(ctx, workspaceID, noteID)
	if err != nil {
		return store.Note{}, nil, err
	}
	mentions, err := s.store.ListNoteMentions(ctx, note.ID)
	if err != nil {
		return store.Note{}, nil, err
	}
	return note, mentions, nil
}

func notePayloadWithMentions(note store.Note, mentions []store.NoteMention) map[string]any {
	payload := notePayload(note)
	items := make([]map[string]any, 0, len(mentions))
	for _, m := range mentions {
		items = append(items, mentionPayload(m))
	}
	payload["mentions"] = items
	return payload
}

func (s *Service) CreateNote(ctx context.Context, session Session, workspaceID string, req NoteRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	note := store.Note{ID: util.NewID(), WorkspaceID: workspaceID, CreatedBy: session.UserID}
	if req.Title == nil {
		return nil, validationError("Title is required")
	}
	return s.saveNote(ctx, session, note, req, "note.created")
}

// UpdateNote replaces the fields that are present. Mentions are always recomputed.
func (s *Service) UpdateNote(ctx context.Context, session Session, workspaceID, noteID string, req NoteRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if !util.IsID(noteID) {
		return nil, sql.ErrNoRows
	}
	note, err := s.store.GetNote(ctx, workspaceID, noteID)
	if err != nil {
		return nil, err
	}
	return s.saveNote(ctx, session, note, req, "note.updated")
}

func (s *Service) saveNote(ctx context.Context, session Session, note store.Note, req NoteRequest, action string) (map[string]any, error) {
	if req.Title != nil {
		title, err := validateTitle(*req.Title)
		if err != nil {
			return nil, err
		}
		note.Title = title
	}
	if req.Content != nil {
		if len(*req.Content) > maxNoteContent {
			return nil, validationError("Note content is too large")
		}
		note.Content = *req.Content
	}
	mentions, err := noteMentions(note.ID, note.Content, req.Mentions)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.SaveNote(ctx, note, mentions)
	if err != nil {
		return nil, err
	}
	resolved, err := s.store.ListNoteMentions(ctx, saved.ID)
	if err != nil {
		return nil, err
	}

	s.indexNote(saved)
	s.recordActivity(ctx, session, &saved.WorkspaceID, action, "note", saved.ID, map[string]any{"mentions": len(mentions)})
	return notePayloadWithMentions(saved, resolved), nil
}

// noteMentions merges explicit mentions with mention nodes found in editor JSON content.
// A note never mentions itself.
func noteMentions(noteID, content string, explicit []MentionRef) ([]store.NoteMention, error) {
	seen := map[string]bool{}
	var out []store.NoteMention
	add := func(ref MentionRef) {
		key := ref.Type + ":" + ref.ID
		if seen[key] || (ref.Type == "note" && ref.ID == noteID) {
			return
		}
		seen[key] = true
		out = append(out, store.NoteMention{Type: ref.Type, ID: ref.ID})
	}

	for _, ref := range explicit {
		if !oneOf(ref.Type, mentionTypes...) || !util.IsID(ref.ID) {
			return nil, validationError("Mentions must reference a note, ticket or user by id")
		}
		add(ref)
	}
	for _, ref := range contentMentions(content) {
		if oneOf(ref.Type, mentionTypes...) && util.IsID(ref.ID) {
			add(ref)
		}
	}
	return out, nil
}

func contentMentions(content string) []MentionRef {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil
	}
	var refs []MentionRef
	var walk func(node map[string]any)
	walk = func(node map[string]any) {
		if node["type"] == "mention" {
			if attrs, ok := node["attrs"].(map[string]any); ok {
				id, _ := attrs["id"].(string)
				kind, _ := attrs["type"].(string)
				if kind == "" {
					kind = "user"
				}
				refs = append(refs, MentionRef{Type: kind, ID: id})
			}
		}
		children, _ := node["content"].([]any)
		for _, child := range children {
			if childNode, ok := child.(map[string]any); ok {
				walk(childNode)
			}
		}
	}
	walk(doc)
	return refs
}

func (s *Service) DeleteNote(ctx context.Context, session Session, workspaceID, noteID string) error {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return err
	}
	if !util.IsID(noteID) {
		return sql.ErrNoRows
	}
	if err := s.store.DeleteNote(ctx, workspaceID, noteID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.Delete(search.ResultNote, noteID)
	}
	s.recordActivity(ctx, session, &workspaceID, "note.deleted", "note", noteID, nil)
	return nil
}

// Mentionables finds notes, tickets and members matching q for the editor's @ picker.
func (s *Service) Mentionables(ctx context.Context, session Session, workspaceID, q string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.SearchMentionables(ctx, workspaceID, strings.TrimSpace(q), 20)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, mentionPayload(item))
	}
	return out, nil
}

func (s *Service) ExportFormats() []export.Format {
	if s.exporter == nil {
		return []export.Format{}
	}
	return s.exporter.Available()
}

// ExportNote renders the note as a downloadable file.
func (s *Service) ExportNote(ctx context.Context, session Session, workspaceID, noteID, rawFormat string) (*export.Result, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, validationError("format must be html, pdf or docx")
	}
	if s.exporter == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export is not available")
	}
	note, mentions, err := s.loadNote(ctx, workspaceID, noteID)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	doc := export.Note{
		ID:            note.ID,
		Title:         note.Title,
		Content:       note.Content,
		Author:        note.CreatorName,
		WorkspaceName: ws.Name,
		UpdatedAt:     note.UpdatedAt,
	}
	for _, m := range mentions {
		doc.Mentions = append(doc.Mentions, export.Mention{Type: m.Type, Label: m.Label})
	}

	result, err := s.exporter.Export(ctx, doc, format)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrDependencyMissing):
			return nil, unavailable("EXPORT_UNAVAILABLE", "The "+string(format)+" renderer is not installed")
		case errors.Is(err, export.ErrUnsupportedFormat):
			return nil, validationError("format must be html, pdf or docx")
		}
		return nil, err
	}
	s.recordActivity(ctx, session, &workspaceID, "note.exported", "note", note.ID, map[string]any{"format": format})
	return result, nil
}

func (s *Service) indexNote(n store.Note) {
	if s.search == nil {
		return
	}
	s.search.IndexNote(search.NoteRecord{
		ID:          n.ID,
		Title:       n.Title,
		Content:     export.PlainText(n.Content),
		WorkspaceID: n.WorkspaceID,
	})
}
