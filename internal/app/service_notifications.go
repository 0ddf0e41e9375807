package app

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dashboard/api/internal/rbac"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var notificationTypes = map[string]bool{"info": true, "success": true, "warning": true, "error": true, "system": true}

// NotificationRequest is an admin broadcast. Exactly one audience applies: global, a workspace or user ids.
type NotificationRequest struct {
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Type        string         `json:"type"`
	Link        string         `json:"link"`
	IsGlobal    bool           `json:"isGlobal"`
	WorkspaceID *string        `json:"workspaceId"`
	UserIDs     []string       `json:"userIds"`
	Metadata    map[string]any `json:"metadata"`
	ExpiresAt   *time.Time     `json:"expiresAt"`
}

type NotificationQuery struct {
	UnreadOnly bool
	Archived   bool
	Type       string
	Page       int
	Limit      int
}

// systemNotice is a notification raised by the server itself, such as an invite or an assignment.
type systemNotice struct {
	Title   string
	Content string
	Link    string
	Meta    map[string]any
}

func (s *Service) CreateNotification(ctx context.Context, session Session, req NotificationRequest) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > 200 {
		return nil, validationError("Title must be 1-200 characters")
	}
	if req.Type == "" {
		req.Type = "info"
	}
	if !notificationTypes[req.Type] {
		return nil, validationError("Type must be info, success, warning, error or system")
	}
	for _, id := range req.UserIDs {
		if !util.IsID(id) {
			return nil, validationError("userIds must be valid ids")
		}
	}
	if req.WorkspaceID != nil && !util.IsID(*req.WorkspaceID) {
		return nil, validationError("workspaceId must be a valid id")
	}
	if !req.IsGlobal && req.WorkspaceID == nil && len(req.UserIDs) == 0 {
		return nil, validationError("Choose a global, workspace or user audience")
	}

	n := store.Notification{
		ID:          util.NewID(),
		Title:       title,
		Content:     strings.TrimSpace(req.Content),
		Type:        req.Type,
		CreatedBy:   &session.UserID,
		WorkspaceID: req.WorkspaceID,
		Link:        strings.TrimSpace(req.Link),
		IsGlobal:    req.IsGlobal,
		Metadata:    req.Metadata,
		ExpiresAt:   req.ExpiresAt,
	}
	created, recipients, err := s.store.CreateNotification(ctx, n, req.UserIDs)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, req.WorkspaceID, "notification.created", "notification", created.ID,
		map[string]any{"recipients": recipients})

	payload := notificationPayload(created)
	payload["recipients"] = recipients
	return payload, nil
}

// notifyUsers sends a system notice to specific users. Failures are logged only.
func (s *Service) notifyUsers(ctx context.Context, session Session, userIDs []string, notice systemNotice) {
	if len(userIDs) == 0 {
		return
	}
	_, _, err := s.store.CreateNotification(ctx, store.Notification{
		ID:        util.NewID(),
		Title:     notice.Title,
		Content:   notice.Content,
		Type:      "system",
		CreatedBy: &session.UserID,
		Link:      notice.Link,
		Metadata:  notice.Meta,
	}, userIDs)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("title", notice.Title).Msg("send system notification")
	}
}

func (s *Service) ListNotifications(ctx context.Context, session Session, q NotificationQuery) (map[string]any, error) {
	if q.Type != "" && !notificationTypes[q.Type] {
		return nil, validationError("Unknown notification type")
	}
	items, total, err := s.store.ListNotifications(ctx, store.NotificationFilter{
		UserID:     session.UserID,
		UnreadOnly: q.UnreadOnly,
		Archived:   q.Archived,
		Type:       q.Type,
		Limit:      q.Limit,
		Offset:     (q.Page - 1) * q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, n := range items {
		out = append(out, notificationPayload(n))
	}
	return map[string]any{
		"notifications": out,
		"pagination":    paginationPayload(q.Page, q.Limit, total),
	}, nil
}

func (s *Service) MarkNotificationsRead(ctx context.Context, session Session, ids []string, all bool) (int, error) {
	if all {
		return s.store.MarkAllNotificationsRead(ctx, session.UserID)
	}
	if len(ids) == 0 {
		return 0, validationError("Provide notification ids or all=true")
	}
	for _, id := range ids {
		if !util.IsID(id) {
			return 0, validationError("Notification ids must be valid ids")
		}
	}
	return s.store.MarkNotificationsRead(ctx, session.UserID, ids)
}

func (s *Service) ArchiveNotification(ctx context.Context, session Session, notificationID string) error {
	if !util.IsID(notificationID) {
		return sql.ErrNoRows
	}
	return s.store.ArchiveNotification(ctx, session.UserID, notificationID)
}

func (s *Service) NotificationStats(ctx context.Context, session Session) (map[string]any, error) {
	stats, err := s.store.NotificationStats(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"total": stats.Total, "unread": stats.Unread, "byType": stats.ByType}, nil
}

func (s *Service) ListMyActivity(ctx context.Context, session Session, page, limit int) ([]map[string]any, error) {
	return s.listActivity(ctx, store.ActivityFilter{UserID: session.UserID, Limit: limit, Offset: (page - 1) * limit})
}

func (s *Service) ListWorkspaceActivity(ctx context.Context, session Session, workspaceID string, page, limit int) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.listActivity(ctx, store.ActivityFilter{WorkspaceID: workspaceID, Limit: limit, Offset: (page - 1) * limit})
}

func (s *Service) listActivity(ctx context.Context, filter store.ActivityFilter) ([]map[string]any, error) {
	entries, err := s.store.ListActivity(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, activityPayload(entry))
	}
	return out, nil
}

// Dashboard returns the headline counters and the ten latest activity entries for the caller.
func (s *Service) Dashboard(ctx context.Context, session Session) (map[string]any, error) {
	summary, err := s.store.DashboardSummary(ctx, session.UserID, s.now().Add(7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	recent, err := s.listActivity(ctx, store.ActivityFilter{UserID: session.UserID, Limit: 10})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stats": map[string]any{
			"workspaces":          summary.Workspaces,
			"openAssignedTickets": summary.OpenAssignedTickets,
			"tasksDueSoon":        summary.TasksDueSoon,
			"unreadNotifications": summary.UnreadNotifications,
		},
		"recentActivity": recent,
	}, nil
}
