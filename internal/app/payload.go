package app

import (
	"dashboard/api/internal/changelog"
	"dashboard/api/internal/store"
)

func userPayload(user store.User) map[string]any {
	payload := map[string]any{
		"id":              user.ID,
		"email":           user.Email,
		"username":        nullable(user.Username),
		"firstName":       user.FirstName,
		"lastName":        user.LastName,
		"displayName":     user.DisplayName(),
		"phone":           user.Phone,
		"isAdmin":         user.IsAdmin,
		"isEmailVerified": user.IsEmailVerified,
		"avatarUrl":       nil,
		"createdAt":       user.CreatedAt,
		"updatedAt":       user.UpdatedAt,
	}
	if user.AvatarKey != "" {
		payload["avatarUrl"] = "/api/users/" + user.ID + "/avatar"
	}
	return payload
}

func sessionPayload(row store.Session, current bool) map[string]any {
	return map[string]any{
		"id":         row.ID,
		"ipAddress":  row.IPAddress,
		"userAgent":  row.UserAgent,
		"createdAt":  row.CreatedAt,
		"lastUsedAt": row.LastUsedAt,
		"expiresAt":  row.ExpiresAt,
		"current":    current,
	}
}

func workspacePayload(ws store.Workspace) map[string]any {
	payload := map[string]any{
		"id":          ws.ID,
		"name":        ws.Name,
		"slug":        ws.Slug,
		"description": ws.Description,
		"logoUrl":     nil,
		"createdBy":   ws.CreatedBy,
		"createdAt":   ws.CreatedAt,
		"updatedAt":   ws.UpdatedAt,
	}
	if ws.LogoKey != "" {
		payload["logoUrl"] = "/api/workspaces/" + ws.ID + "/logo"
	}
	return payload
}

func workspaceSummaryPayload(item store.WorkspaceSummary) map[string]any {
	payload := workspacePayload(item.Workspace)
	payload["role"] = item.Role
	payload["memberCount"] = item.MemberCount
	return payload
}

func memberPayload(m store.WorkspaceMember) map[string]any {
	user := store.User{Email: m.Email, Username: m.Username, FirstName: m.FirstName, LastName: m.LastName}
	return map[string]any{
		"userId":      m.UserID,
		"role":        m.Role,
		"email":       m.Email,
		"displayName": user.DisplayName(),
		"invitedBy":   m.InvitedBy,
		"joinedAt":    m.JoinedAt,
	}
}

func invitePayload(invite store.WorkspaceInvite) map[string]any {
	return map[string]any{
		"id":        invite.ID,
		"email":     invite.Email,
		"role":      invite.Role,
		"invitedBy": invite.InvitedBy,
		"expiresAt": invite.ExpiresAt,
		"createdAt": invite.CreatedAt,
	}
}

func taskPayload(task store.Task) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"workspaceId": task.WorkspaceID,
		"title":       task.Title,
		"description": task.Description,
		"status":      task.Status,
		"priority":    task.Priority,
		"dueDate":     task.DueDate,
		"assigneeId":  task.AssigneeID,
		"createdBy":   task.CreatedBy,
		"completedAt": task.CompletedAt,
		"createdAt":   task.CreatedAt,
		"updatedAt":   task.UpdatedAt,
	}
}

func ticketPayload(t store.Ticket) map[string]any {
	var assignee any
	if t.AssigneeID != nil {
		assignee = map[string]any{"id": *t.AssigneeID, "name": t.AssigneeName}
	}
	return map[string]any{
		"id":             t.ID,
		"workspaceId":    t.WorkspaceID,
		"title":          t.Title,
		"description":    t.Description,
		"status":         t.Status,
		"priority":       t.Priority,
		"assignee":       assignee,
		"reporter":       map[string]any{"id": t.ReporterID, "name": t.ReporterName},
		"dueDate":        t.DueDate,
		"estimatedHours": t.EstimatedHours,
		"labels":         nonNilStrings(t.Labels),
		"createdAt":      t.CreatedAt,
		"updatedAt":      t.UpdatedAt,
	}
}

func commentPayload(c store.TicketComment) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"userId":    c.UserID,
		"userName":  c.UserName,
		"content":   c.Content,
		"createdAt": c.CreatedAt,
	}
}

func historyPayload(h store.TicketHistory) map[string]any {
	return map[string]any{
		"id":        h.ID,
		"userId":    h.UserID,
		"userName":  h.UserName,
		"field":     h.Field,
		"oldValue":  h.OldValue,
		"newValue":  h.NewValue,
		"createdAt": h.CreatedAt,
	}
}

func relationshipPayload(r store.TicketRelationship) map[string]any {
	return map[string]any{
		"id":   r.ID,
		"type": r.Type,
		"target": map[string]any{
			"id":       r.TargetTicketID,
			"title":    r.TargetTitle,
			"status":   r.TargetStatus,
			"priority": r.TargetPriority,
		},
		"createdBy": r.CreatedBy,
		"createdAt": r.CreatedAt,
	}
}

func notePayload(n store.Note) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"workspaceId": n.WorkspaceID,
		"title":       n.Title,
		"content":     n.Content,
		"createdBy":   map[string]any{"id": n.CreatedBy, "name": n.CreatorName},
		"createdAt":   n.CreatedAt,
		"updatedAt":   n.UpdatedAt,
	}
}

func mentionPayload(m store.NoteMention) map[string]any {
	return map[string]any{"type": m.Type, "id": m.ID, "label": m.Label}
}

func notificationPayload(n store.Notification) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"title":       n.Title,
		"content":     n.Content,
		"type":        n.Type,
		"link":        nullable(n.Link),
		"workspaceId": n.WorkspaceID,
		"isGlobal":    n.IsGlobal,
		"metadata":    n.Metadata,
		"expiresAt":   n.ExpiresAt,
		"createdAt":   n.CreatedAt,
		"isRead":      n.IsRead,
		"readAt":      n.ReadAt,
		"isArchived":  n.IsArchived,
	}
}

func activityPayload(a store.ActivityLog) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"userId":      nullable(a.UserID),
		"workspaceId": a.WorkspaceID,
		"action":      a.Action,
		"entityType":  a.EntityType,
		"entityId":    a.EntityID,
		"metadata":    a.Metadata,
		"ipAddress":   a.IPAddress,
		"userAgent":   a.UserAgent,
		"createdAt":   a.CreatedAt,
	}
}

func projectPayload(p store.AnalyticsProject) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"domain":    p.Domain,
		"publicKey": p.PublicKey,
		"isActive":  p.IsActive,
		"createdAt": p.CreatedAt,
		"updatedAt": p.UpdatedAt,
	}
}

func countsPayload(items []store.CountByValue) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{"value": item.Value, "count": item.Count})
	}
	return out
}

func metricsPayload(m store.AnalyticsMetrics) map[string]any {
	return map[string]any{
		"totals": map[string]any{
			"pageviews":          m.Pageviews,
			"sessions":           m.Sessions,
			"uniqueVisitors":     m.UniqueVisitors,
			"bounceRate":         m.BounceRate,
			"avgSessionDuration": m.AvgSessionSeconds,
			"avgPageDuration":    m.AvgPageSeconds,
		},
		"topPages":         countsPayload(m.TopPages),
		"countries":        countsPayload(m.Countries),
		"devices":          countsPayload(m.Devices),
		"browsers":         countsPayload(m.Browsers),
		"realtimeVisitors": m.RealtimeVisitors,
	}
}

func roadmapPayload(item store.RoadmapItem) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"title":       item.Title,
		"description": item.Description,
		"status":      item.Status,
		"priority":    item.Priority,
		"category":    item.Category,
		"tags":        nonNilStrings(item.Tags),
		"dueDate":     item.DueDate,
		"votes":       item.Votes,
		"voted":       item.Voted,
		"createdAt":   item.CreatedAt,
		"updatedAt":   item.UpdatedAt,
	}
}

type changelogItem struct {
	changelog.Entry
	ID    string `json:"id"`
	Votes int    `json:"votes"`
	Voted bool   `json:"voted"`
}

func changelogPayload(entry changelog.Entry, votes int, voted bool) changelogItem {
	if entry.Files == nil {
		entry.Files = []changelog.FileChange{}
	}
	return changelogItem{Entry: entry, ID: entry.Hash, Votes: votes, Voted: voted}
}

func paginationPayload(page, limit, total int) map[string]any {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return map[string]any{
		"page":       page,
		"limit":      limit,
		"totalCount": total,
		"totalPages": totalPages,
		"hasMore":    page < totalPages,
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
