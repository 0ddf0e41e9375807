package app

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

// withTickets serves GetTicket from the given rows, scoped to their workspace.
func (fx ticketFixture) withTickets(tickets ...store.Ticket) {
	byID := map[string]store.Ticket{}
	for _, ticket := range tickets {
		byID[ticket.ID] = ticket
	}
	fx.fs.getTicketFn = func(_ context.Context, workspaceID, ticketID string) (store.Ticket, error) {
		ticket, ok := byID[ticketID]
		if !ok || ticket.WorkspaceID != workspaceID {
			return store.Ticket{}, sql.ErrNoRows
		}
		return ticket, nil
	}
}

func TestAddTicketRelationshipStoresInverseEdge(t *testing.T) {
	fx := newTicketFixture(t)
	source := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID, Title: "Login broken"}
	target := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID, Title: "Session store", Status: "in_progress", Priority: "high"}
	fx.withTickets(source, target)

	var (
		saved       store.TicketRelationship
		inverseID   string
		inverseType string
	)
	fx.fs.addRelationshipFn = func(_ context.Context, rel store.TicketRelationship, invID, invType string) error {
		saved, inverseID, inverseType = rel, invID, invType
		return nil
	}

	payload, err := fx.svc.AddTicketRelationship(t.Context(), fx.session, fx.ws.ID, source.ID,
		RelationshipRequest{TargetTicketID: target.ID, Type: "blocks"})

	require.NoError(t, err)
	assert.Equal(t, source.ID, saved.SourceTicketID)
	assert.Equal(t, target.ID, saved.TargetTicketID)
	assert.Equal(t, "is_blocked_by", inverseType)
	assert.True(t, util.IsID(inverseID))
	assert.NotEqual(t, saved.ID, inverseID)
	assert.Equal(t, "blocks", payload["type"])
	assert.Equal(t, "Session store", payload["target"].(map[string]any)["title"])
	assert.Contains(t, fx.fs.actions(), "ticket.linked")
}

func TestAddTicketRelationshipRejectsBadLinks(t *testing.T) {
	fx := newTicketFixture(t)
	source := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID, Title: "Login broken"}
	other := store.Ticket{ID: util.NewID(), WorkspaceID: util.NewID(), Title: "Elsewhere"}
	fx.withTickets(source, other)
	stored := 0
	fx.fs.addRelationshipFn = func(context.Context, store.TicketRelationship, string, string) error {
		stored++
		return nil
	}

	tests := []struct {
		name string
		req  RelationshipRequest
	}{
		{name: "self link", req: RelationshipRequest{TargetTicketID: source.ID, Type: "relates_to"}},
		{name: "unknown type", req: RelationshipRequest{TargetTicketID: other.ID, Type: "supersedes"}},
		{name: "target in another workspace", req: RelationshipRequest{TargetTicketID: other.ID, Type: "relates_to"}},
		{name: "missing target", req: RelationshipRequest{TargetTicketID: util.NewID(), Type: "child_of"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.AddTicketRelationship(t.Context(), fx.session, fx.ws.ID, source.ID, tt.req)
			requireDomainCode(t, err, "VALIDATION_ERROR")
		})
	}
	assert.Zero(t, stored)
}

func TestAddTicketRelationshipDuplicateIsConflict(t *testing.T) {
	fx := newTicketFixture(t)
	source := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID}
	target := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID}
	fx.withTickets(source, target)
	fx.fs.addRelationshipFn = func(context.Context, store.TicketRelationship, string, string) error {
		return store.ErrConflict
	}

	_, err := fx.svc.AddTicketRelationship(t.Context(), fx.session, fx.ws.ID, source.ID,
		RelationshipRequest{TargetTicketID: target.ID, Type: "duplicates"})

	requireDomainCode(t, err, "RELATIONSHIP_EXISTS")
}

func TestRemoveTicketRelationshipDropsInverse(t *testing.T) {
	fx := newTicketFixture(t)
	source := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID}
	fx.withTickets(source)
	rel := store.TicketRelationship{ID: util.NewID(), SourceTicketID: source.ID, TargetTicketID: util.NewID(), Type: "parent_of"}
	fx.fs.getRelationshipFn = func(_ context.Context, ticketID, relID string) (store.TicketRelationship, error) {
		if ticketID != source.ID || relID != rel.ID {
			return store.TicketRelationship{}, sql.ErrNoRows
		}
		return rel, nil
	}
	var removedInverse string
	fx.fs.removeRelationshipFn = func(_ context.Context, ticketID, relID, inverseType string) error {
		assert.Equal(t, source.ID, ticketID)
		assert.Equal(t, rel.ID, relID)
		removedInverse = inverseType
		return nil
	}

	require.NoError(t, fx.svc.RemoveTicketRelationship(t.Context(), fx.session, fx.ws.ID, source.ID, rel.ID))
	assert.Equal(t, "child_of", removedInverse)
	assert.Contains(t, fx.fs.actions(), "ticket.unlinked")

	err := fx.svc.RemoveTicketRelationship(t.Context(), fx.session, fx.ws.ID, source.ID, "not-an-id")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInviteExistingUserAddsMemberDirectly(t *testing.T) {
	fx := newTicketFixture(t)
	guest := fx.fs.addUser(t, "guest@example.com", "password123", true)
	var notified []string
	fx.fs.notificationFn = func(_ context.Context, n store.Notification, userIDs []string) (store.Notification, int, error) {
		notified = userIDs
		return n, len(userIDs), nil
	}

	result, err := fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "Guest@Example.com", Role: "viewer"})

	require.NoError(t, err)
	assert.True(t, result.Added)
	assert.Nil(t, result.Invite)
	require.NotNil(t, result.Member)
	assert.Equal(t, "viewer", result.Member.Role)
	assert.Equal(t, "viewer", fx.fs.roles[fx.ws.ID+":"+guest.ID])
	assert.Equal(t, []string{guest.ID}, notified)
	assert.Empty(t, fx.fs.invites)
	assert.Contains(t, fx.fs.actions(), "workspace.member_added")

	_, err = fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "guest@example.com"})
	requireDomainCode(t, err, "ALREADY_MEMBER")
}

func TestInviteUnknownEmailCreatesPendingInvite(t *testing.T) {
	fx := newTicketFixture(t)

	result, err := fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "new@example.com"})

	require.NoError(t, err)
	assert.False(t, result.Added)
	require.NotNil(t, result.Invite)
	assert.Equal(t, "member", result.Invite.Role)
	assert.Equal(t, result.Invite.Token, result.DevToken)
	assert.WithinDuration(t, time.Now().Add(inviteTTL), result.Invite.ExpiresAt, time.Minute)
	assert.Contains(t, fx.fs.invites, result.Invite.Token)
	assert.Contains(t, fx.fs.actions(), "workspace.invite_sent")

	_, err = fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "new@example.com"})
	requireDomainCode(t, err, "INVITE_PENDING")
}

func TestInviteRejectsOwnerRoleAndNonManagers(t *testing.T) {
	fx := newTicketFixture(t)

	_, err := fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "x@example.com", Role: "owner"})
	requireDomainCode(t, err, "VALIDATION_ERROR")

	_, err = fx.svc.InviteMember(t.Context(), signIn(t, fx.svc, fx.member), fx.ws.ID, InviteRequest{Email: "x@example.com"})
	requireDomainCode(t, err, "FORBIDDEN")
}

func TestAcceptInvite(t *testing.T) {
	fx := newTicketFixture(t)
	result, err := fx.svc.InviteMember(t.Context(), fx.session, fx.ws.ID, InviteRequest{Email: "new@example.com", Role: "admin"})
	require.NoError(t, err)
	require.NotNil(t, result.Invite)
	invitee := fx.fs.addUser(t, "new@example.com", "password123", true)

	payload, err := fx.svc.AcceptInvite(t.Context(), signIn(t, fx.svc, invitee), result.Invite.Token)

	require.NoError(t, err)
	assert.Equal(t, fx.ws.ID, payload["id"])
	assert.EqualValues(t, "admin", payload["role"])
	assert.Equal(t, "admin", fx.fs.roles[fx.ws.ID+":"+invitee.ID])
	assert.Contains(t, fx.fs.actions(), "workspace.invite_accepted")
}

func TestAcceptInviteRejections(t *testing.T) {
	fx := newTicketFixture(t)
	invitee := fx.fs.addUser(t, "new@example.com", "password123", true)
	stranger := fx.fs.addUser(t, "stranger@example.com", "password123", true)
	accepted := time.Now().Add(-time.Hour)
	fx.fs.invites = map[string]store.WorkspaceInvite{
		"live":    {ID: util.NewID(), WorkspaceID: fx.ws.ID, Email: "new@example.com", Role: "member", Token: "live", ExpiresAt: time.Now().Add(time.Hour)},
		"expired": {ID: util.NewID(), WorkspaceID: fx.ws.ID, Email: "new@example.com", Role: "member", Token: "expired", ExpiresAt: time.Now().Add(-time.Minute)},
		"used":    {ID: util.NewID(), WorkspaceID: fx.ws.ID, Email: "new@example.com", Role: "member", Token: "used", ExpiresAt: time.Now().Add(time.Hour), AcceptedAt: &accepted},
	}

	tests := []struct {
		name   string
		user   store.User
		token  string
		status int
		code   string
	}{
		{name: "unknown token", user: invitee, token: "missing", status: http.StatusNotFound, code: "INVITE_NOT_FOUND"},
		{name: "other email", user: stranger, token: "live", status: http.StatusForbidden, code: "INVITE_EMAIL_MISMATCH"},
		{name: "expired", user: invitee, token: "expired", status: http.StatusGone, code: "INVITE_EXPIRED"},
		{name: "already used", user: invitee, token: "used", status: http.StatusGone, code: "INVITE_EXPIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.AcceptInvite(t.Context(), signIn(t, fx.svc, tt.user), tt.token)
			status, code, _, _ := mapError(err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
	assert.NotContains(t, fx.fs.roles, fx.ws.ID+":"+stranger.ID)
	assert.NotContains(t, fx.fs.roles, fx.ws.ID+":"+invitee.ID)
}

func TestCreateNotificationIsAdminOnly(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(t, "ada@example.com", "password123", true)
	session := signIn(t, svc, user)
	req := NotificationRequest{Title: "Maintenance", UserIDs: []string{user.ID}}

	_, err := svc.CreateNotification(t.Context(), session, req)
	requireDomainCode(t, err, "FORBIDDEN")

	session.IsAdmin = true
	_, err = svc.CreateNotification(t.Context(), session, NotificationRequest{Title: "Maintenance"})
	requireDomainCode(t, err, "VALIDATION_ERROR")

	var saved store.Notification
	fs.notificationFn = func(_ context.Context, n store.Notification, userIDs []string) (store.Notification, int, error) {
		saved = n
		return n, len(userIDs), nil
	}
	payload, err := svc.CreateNotification(t.Context(), session, req)

	require.NoError(t, err)
	assert.Equal(t, "info", saved.Type)
	assert.Equal(t, 1, payload["recipients"])
	assert.Equal(t, "Maintenance", payload["title"])
	assert.Contains(t, fs.actions(), "notification.created")
}

func TestListNotificationsPaginates(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(t, "ada@example.com", "password123", true)
	var filter store.NotificationFilter
	fs.listNotificationsFn = func(_ context.Context, f store.NotificationFilter) ([]store.Notification, int, error) {
		filter = f
		return []store.Notification{{ID: util.NewID(), Title: "Hello", Type: "info"}}, 21, nil
	}

	payload, err := svc.ListNotifications(t.Context(), signIn(t, svc, user), NotificationQuery{UnreadOnly: true, Page: 3, Limit: 10})

	require.NoError(t, err)
	assert.Equal(t, store.NotificationFilter{UserID: user.ID, UnreadOnly: true, Limit: 10, Offset: 20}, filter)
	assert.Len(t, payload["notifications"], 1)
	pagination := payload["pagination"].(map[string]any)
	assert.Equal(t, 21, pagination["totalCount"])
	assert.Equal(t, 3, pagination["totalPages"])
	assert.Equal(t, false, pagination["hasMore"])

	_, err = svc.ListNotifications(t.Context(), signIn(t, svc, user), NotificationQuery{Type: "urgent", Page: 1, Limit: 10})
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestMarkNotificationsRead(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(t, "ada@example.com", "password123", true)
	session := signIn(t, svc, user)
	fs.markAllReadFn = func(_ context.Context, userID string) (int, error) {
		assert.Equal(t, user.ID, userID)
		return 7, nil
	}
	var marked []string
	fs.markReadFn = func(_ context.Context, userID string, ids []string) (int, error) {
		marked = ids
		return len(ids), nil
	}

	count, err := svc.MarkNotificationsRead(t.Context(), session, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	id := util.NewID()
	count, err = svc.MarkNotificationsRead(t.Context(), session, []string{id}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{id}, marked)

	_, err = svc.MarkNotificationsRead(t.Context(), session, nil, false)
	requireDomainCode(t, err, "VALIDATION_ERROR")
	_, err = svc.MarkNotificationsRead(t.Context(), session, []string{"nope"}, false)
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestArchiveNotificationAndStats(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	user := fs.addUser(t, "ada@example.com", "password123", true)
	session := signIn(t, svc, user)
	var archived string
	fs.archiveFn = func(_ context.Context, userID, id string) error {
		assert.Equal(t, user.ID, userID)
		archived = id
		return nil
	}
	fs.statsFn = func(context.Context, string) (store.NotificationStats, error) {
		return store.NotificationStats{Total: 4, Unread: 1, ByType: map[string]int{"info": 3, "system": 1}}, nil
	}

	id := util.NewID()
	require.NoError(t, svc.ArchiveNotification(t.Context(), session, id))
	assert.Equal(t, id, archived)
	assert.ErrorIs(t, svc.ArchiveNotification(t.Context(), session, "bad"), sql.ErrNoRows)

	stats, err := svc.NotificationStats(t.Context(), session)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 4, "unread": 1, "byType": map[string]int{"info": 3, "system": 1}}, stats)
}
