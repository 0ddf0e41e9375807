package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dashboard/api/internal/rbac"
	"dashboard/api/internal/search"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

const maxPageSize = 100

var (
	ticketStatuses   = []string{"backlog", "todo", "in_progress", "in_review", "done", "canceled"}
	ticketPriorities = []string{"low", "medium", "high", "urgent"}
	ticketSorts      = []string{"createdAt", "updatedAt", "priority"}
)

// inverseRelationship maps each relationship type onto the edge stored on the other ticket.
var inverseRelationship = map[string]string{
	"blocks":           "is_blocked_by",
	"is_blocked_by":    "blocks",
	"relates_to":       "relates_to",
	"duplicates":       "is_duplicated_by",
	"is_duplicated_by": "duplicates",
	"parent_of":        "child_of",
	"child_of":         "parent_of",
}

type TicketQuery struct {
	Statuses   []string
	Priorities []string
	AssigneeID string
	SortBy     string
	SortOrder  string
	Page       int
	Limit      int
}

type TicketRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	AssigneeID     *string  `json:"assigneeId"`
	DueDate        *string  `json:"dueDate"`
	EstimatedHours *int     `json:"estimatedHours"`
	Labels         []string `json:"labels"`
}

type TicketUpdateRequest struct {
	Title          *string          `json:"title"`
	Description    *string          `json:"description"`
	Status         *string          `json:"status"`
	Priority       *string          `json:"priority"`
	AssigneeID     Optional[string] `json:"assigneeId"`
	DueDate        Optional[string] `json:"dueDate"`
	EstimatedHours Optional[int]    `json:"estimatedHours"`
	Labels         *[]string        `json:"labels"`
}

type RelationshipRequest struct {
	TargetTicketID string `json:"targetTicketId"`
	Type           string `json:"type"`
}

func (s *Service) ListTickets(ctx context.Context, session Session, workspaceID string, q TicketQuery) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > maxPageSize {
		return nil, validationError("limit must be between 1 and 100")
	}
	for _, status := range q.Statuses {
		if !oneOf(status, ticketStatuses...) {
			return nil, validationError("Unknown ticket status: " + status)
		}
	}
	for _, priority := range q.Priorities {
		if !oneOf(priority, ticketPriorities...) {
			return nil, validationError("Unknown ticket priority: " + priority)
		}
	}
	if q.SortBy == "" {
		q.SortBy = "createdAt"
	}
	if !oneOf(q.SortBy, ticketSorts...) {
		return nil, validationError("sortBy must be createdAt, updatedAt or priority")
	}
	if q.AssigneeID != "" && !util.IsID(q.AssigneeID) {
		return nil, validationError("assigneeId must be a valid id")
	}

	tickets, total, err := s.store.ListTickets(ctx, store.TicketFilter{
		WorkspaceID: workspaceID,
		Statuses:    q.Statuses,
		Priorities:  q.Priorities,
		AssigneeID:  q.AssigneeID,
		SortBy:      q.SortBy,
		SortDesc:    q.SortOrder != "asc",
		Limit:       q.Limit,
		Offset:      (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tickets))
	for _, ticket := range tickets {
		items = append(items, ticketPayload(ticket))
	}
	return map[string]any{
		"tickets":    items,
		"pagination": paginationPayload(q.Page, q.Limit, total),
	}, nil
}

// GetTicket returns the ticket with its comments, history and relationships.
func (s *Service) GetTicket(ctx context.Context, session Session, workspaceID, ticketID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	ticket, err := s.loadTicket(ctx, workspaceID, ticketID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListTicketComments(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListTicketHistory(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	relationships, err := s.store.ListTicketRelationships(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}

	payload := ticketPayload(ticket)
	commentItems := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		commentItems = append(commentItems, commentPayload(c))
	}
	historyItems := make([]map[string]any, 0, len(history))
	for _, h := range history {
		historyItems = append(historyItems, historyPayload(h))
	}
	relationshipItems := make([]map[string]any, 0, len(relationships))
	for _, r := range relationships {
		relationshipItems = append(relationshipItems, relationshipPayload(r))
	}
	payload["comments"] = commentItems
	payload["history"] = historyItems
	payload["relationships"] = relationshipItems
	return payload, nil
}

func (s *Service) loadTicket(ctx context.Context, workspaceID, ticketID string) (store.Ticket, error) {
	if !util.IsID(ticketID) {
		return store.Ticket{}, sql.ErrNoRows
	}
	return s.store.GetTicket(ctx, workspaceID, ticketID)
}

func cleanLabels(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	seen := map[string]bool{}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" || seen[label] {
			continue
		}
		if len(label) > 50 {
			return nil, validationError("Labels must be at most 50 characters")
		}
		seen[label] = true
		out = append(out, label)
	}
	if len(out) > 20 {
		return nil, validationError("A ticket can carry at most 20 labels")
	}
	return out, nil
}

func validateEstimate(hours *int) error {
	if hours != nil && (*hours < 0 || *hours > 10000) {
		return validationError("estimatedHours must be between 0 and 10000")
	}
	return nil
}

func (s *Service) CreateTicket(ctx context.Context, session Session, workspaceID string, req TicketRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title, err := validateTitle(req.Title)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = "backlog"
	}
	if req.Priority == "" {
		req.Priority = "medium"
	}
	if !oneOf(req.Status, ticketStatuses...) {
		return nil, validationError("Unknown ticket status")
	}
	if !oneOf(req.Priority, ticketPriorities...) {
		return nil, validationError("Unknown ticket priority")
	}
	dueDate, err := parseDate(req.DueDate, "dueDate")
	if err != nil {
		return nil, err
	}
	if err := validateEstimate(req.EstimatedHours); err != nil {
		return nil, err
	}
	labels, err := cleanLabels(req.Labels)
	if err != nil {
		return nil, err
	}
	assignee := trimmedPtr(req.AssigneeID)
	if err := s.requireMember(ctx, workspaceID, assignee); err != nil {
		return nil, err
	}

	created, err := s.store.CreateTicket(ctx, store.Ticket{
		ID:             util.NewID(),
		WorkspaceID:    workspaceID,
		Title:          title,
		Description:    strings.TrimSpace(req.Description),
		Status:         req.Status,
		Priority:       req.Priority,
		AssigneeID:     assignee,
		ReporterID:     session.UserID,
		DueDate:        dueDate,
		EstimatedHours: req.EstimatedHours,
		Labels:         labels,
	})
	if err != nil {
		return nil, err
	}

	s.indexTicket(created)
	s.recordActivity(ctx, session, &workspaceID, "ticket.created", "ticket", created.ID, map[string]any{"title": created.Title})
	if created.AssigneeID != nil && *created.AssigneeID != session.UserID {
		s.notifyAssignee(ctx, session, created)
	}
	return ticketPayload(created), nil
}

// UpdateTicket applies the changes and records one history row per tracked field that changed.
func (s *Service) UpdateTicket(ctx context.Context, session Session, workspaceID, ticketID string, req TicketUpdateRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	current, err := s.loadTicket(ctx, workspaceID, ticketID)
	if err != nil {
		return nil, err
	}
	next := current

	if req.Title != nil {
		if next.Title, err = validateTitle(*req.Title); err != nil {
			return nil, err
		}
	}
	if req.Description != nil {
		next.Description = strings.TrimSpace(*req.Description)
	}
	if req.Status != nil {
		if !oneOf(*req.Status, ticketStatuses...) {
			return nil, validationError("Unknown ticket status")
		}
		next.Status = *req.Status
	}
	if req.Priority != nil {
		if !oneOf(*req.Priority, ticketPriorities...) {
			return nil, validationError("Unknown ticket priority")
		}
		next.Priority = *req.Priority
	}
	if req.AssigneeID.Set {
		assignee := trimmedPtr(req.AssigneeID.Value)
		if err := s.requireMember(ctx, workspaceID, assignee); err != nil {
			return nil, err
		}
		next.AssigneeID = assignee
	}
	if req.DueDate.Set {
		if next.DueDate, err = parseDate(req.DueDate.Value, "dueDate"); err != nil {
			return nil, err
		}
	}
	if req.EstimatedHours.Set {
		if err := validateEstimate(req.EstimatedHours.Value); err != nil {
			return nil, err
		}
		next.EstimatedHours = req.EstimatedHours.Value
	}
	if req.Labels != nil {
		if next.Labels, err = cleanLabels(*req.Labels); err != nil {
			return nil, err
		}
	}

	history := ticketChanges(current, next, session.UserID)
	updated, err := s.store.UpdateTicket(ctx, next, history)
	if err != nil {
		return nil, err
	}

	s.indexTicket(updated)
	fields := make([]string, 0, len(history))
	for _, h := range history {
		fields = append(fields, h.Field)
	}
	s.recordActivity(ctx, session, &workspaceID, "ticket.updated", "ticket", updated.ID, map[string]any{"fields": fields})
	if !sameString(current.AssigneeID, updated.AssigneeID) && updated.AssigneeID != nil && *updated.AssigneeID != session.UserID {
		s.notifyAssignee(ctx, session, updated)
	}
	return ticketPayload(updated), nil
}

// ticketChanges diffs the tracked fields: title, status, priority, assignee and due date.
func ticketChanges(before, after store.Ticket, userID string) []store.TicketHistory {
	var changes []store.TicketHistory
	add := func(field string, oldValue, newValue *string) {
		changes = append(changes, store.TicketHistory{
			TicketID: before.ID,
			UserID:   userID,
			Field:    field,
			OldValue: oldValue,
			NewValue: newValue,
		})
	}
	if before.Title != after.Title {
		add("title", &before.Title, &after.Title)
	}
	if before.Status != after.Status {
		add("status", &before.Status, &after.Status)
	}
	if before.Priority != after.Priority {
		add("priority", &before.Priority, &after.Priority)
	}
	if !sameString(before.AssigneeID, after.AssigneeID) {
		add("assignee", before.AssigneeID, after.AssigneeID)
	}
	if !sameTime(before.DueDate, after.DueDate) {
		add("dueDate", formatDate(before.DueDate), formatDate(after.DueDate))
	}
	if !sameInt(before.EstimatedHours, after.EstimatedHours) {
		add("estimatedHours", formatInt(before.EstimatedHours), formatInt(after.EstimatedHours))
	}
	return changes
}

func formatDate(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339)
	return &formatted
}

func formatInt(value *int) *string {
	if value == nil {
		return nil
	}
	formatted := strconv.Itoa(*value)
	return &formatted
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Service) DeleteTicket(ctx context.Context, session Session, workspaceID, ticketID string) error {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return err
	}
	if !util.IsID(ticketID) {
		return sql.ErrNoRows
	}
	if err := s.store.DeleteTicket(ctx, workspaceID, ticketID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.Delete(search.ResultTicket, ticketID)
	}
	s.recordActivity(ctx, session, &workspaceID, "ticket.deleted", "ticket", ticketID, nil)
	return nil
}

func (s *Service) AddTicketComment(ctx context.Context, session Session, workspaceID, ticketID, content string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" || len(content) > 10000 {
		return nil, validationError("Comment must be 1-10000 characters")
	}
	ticket, err := s.loadTicket(ctx, workspaceID, ticketID)
	if err != nil {
		return nil, err
	}
	comment, err := s.store.AddTicketComment(ctx, store.TicketComment{
		ID:       util.NewID(),
		TicketID: ticket.ID,
		UserID:   session.UserID,
		UserName: session.UserName,
		Content:  content,
	})
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, &workspaceID, "ticket.commented", "ticket", ticket.ID, map[string]any{"commentId": comment.ID})
	return commentPayload(comment), nil
}

// AddTicketRelationship links two tickets of the same workspace and stores the inverse edge too.
func (s *Service) AddTicketRelationship(ctx context.Context, session Session, workspaceID, ticketID string, req RelationshipRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	inverse, ok := inverseRelationship[req.Type]
	if !ok {
		return nil, validationError("Unknown relationship type")
	}
	if req.TargetTicketID == ticketID {
		return nil, validationError("A ticket cannot be related to itself")
	}
	source, err := s.loadTicket(ctx, workspaceID, ticketID)
	if err != nil {
		return nil, err
	}
	target, err := s.loadTicket(ctx, workspaceID, req.TargetTicketID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("Target ticket must exist in this workspace")
		}
		return nil, err
	}

	rel := store.TicketRelationship{
		ID:             util.NewID(),
		SourceTicketID: source.ID,
		TargetTicketID: target.ID,
		Type:           req.Type,
		TargetTitle:    target.Title,
		TargetStatus:   target.Status,
		TargetPriority: target.Priority,
		CreatedBy:      session.UserID,
		CreatedAt:      s.now(),
	}
	if err := s.store.AddTicketRelationship(ctx, rel, util.NewID(), inverse); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "RELATIONSHIP_EXISTS", "These tickets are already linked this way", nil)
		}
		return nil, err
	}
	s.recordActivity(ctx, session, &workspaceID, "ticket.linked", "ticket", source.ID,
		map[string]any{"type": req.Type, "targetTicketId": target.ID})
	return relationshipPayload(rel), nil
}

func (s *Service) RemoveTicketRelationship(ctx context.Context, session Session, workspaceID, ticketID, relationshipID string) error {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return err
	}
	source, err := s.loadTicket(ctx, workspaceID, ticketID)
	if err != nil {
		return err
	}
	if !util.IsID(relationshipID) {
		return sql.ErrNoRows
	}
	rel, err := s.store.GetTicketRelationship(ctx, source.ID, relationshipID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveTicketRelationship(ctx, source.ID, rel.ID, inverseRelationship[rel.Type]); err != nil {
		return err
	}
	s.recordActivity(ctx, session, &workspaceID, "ticket.unlinked", "ticket", source.ID,
		map[string]any{"type": rel.Type, "targetTicketId": rel.TargetTicketID})
	return nil
}

func (s *Service) notifyAssignee(ctx context.Context, session Session, ticket store.Ticket) {
	s.notifyUsers(ctx, session, []string{*ticket.AssigneeID}, systemNotice{
		Title:   "Ticket assigned: " + truncate(ticket.Title, 120),
		Content: session.UserName + " assigned you a ticket.",
		Link:    "/workspaces/" + ticket.WorkspaceID + "/tickets/" + ticket.ID,
		Meta:    map[string]any{"workspaceId": ticket.WorkspaceID, "ticketId": ticket.ID},
	})
}

func (s *Service) indexTicket(t store.Ticket) {
	if s.search == nil {
		return
	}
	s.search.IndexTicket(search.TicketRecord{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		WorkspaceID: t.WorkspaceID,
	})
}
