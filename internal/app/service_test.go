package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

type ticketFixture struct {
	fs      *fakeStore
	svc     *Service
	owner   store.User
	member  store.User
	session Session
	ws      store.Workspace
}

func newTicketFixture(t *testing.T) ticketFixture {
	t.Helper()
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := fs.addUser(t, "owner@example.com", "password123", true)
	member := fs.addUser(t, "member@example.com", "password123", true)
	ws := fs.addWorkspace("Docs", map[string]string{owner.ID: "owner", member.ID: "member"})
	return ticketFixture{fs: fs, svc: svc, owner: owner, member: member, session: signIn(t, svc, owner), ws: ws}
}

func requireDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, code, domainErr.Code)
}

func TestCreateTicketDefaults(t *testing.T) {
	fx := newTicketFixture(t)
	var saved store.Ticket
	fx.fs.createTicketFn = func(_ context.Context, ticket store.Ticket) (store.Ticket, error) {
		saved = ticket
		return ticket, nil
	}

	payload, err := fx.svc.CreateTicket(t.Context(), fx.session, fx.ws.ID, TicketRequest{
		Title:  "  Broken login  ",
		Labels: []string{"bug", " bug ", "", "auth"},
	})

	require.NoError(t, err)
	assert.Equal(t, "Broken login", saved.Title)
	assert.Equal(t, "backlog", saved.Status)
	assert.Equal(t, "medium", saved.Priority)
	assert.Equal(t, fx.owner.ID, saved.ReporterID)
	assert.Equal(t, []string{"bug", "auth"}, saved.Labels)
	assert.Nil(t, payload["assignee"])
	assert.Contains(t, fx.fs.actions(), "ticket.created")
}

func TestCreateTicketValidation(t *testing.T) {
	outsider := util.NewID()
	badDate := "next tuesday"
	negative := -1
	tests := []struct {
		name string
		req  TicketRequest
	}{
		{name: "missing title", req: TicketRequest{Title: " "}},
		{name: "unknown status", req: TicketRequest{Title: "x", Status: "parked"}},
		{name: "unknown priority", req: TicketRequest{Title: "x", Priority: "critical"}},
		{name: "assignee outside workspace", req: TicketRequest{Title: "x", AssigneeID: &outsider}},
		{name: "bad due date", req: TicketRequest{Title: "x", DueDate: &badDate}},
		{name: "negative estimate", req: TicketRequest{Title: "x", EstimatedHours: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newTicketFixture(t)
			fx.fs.createTicketFn = func(context.Context, store.Ticket) (store.Ticket, error) {
				t.Fatal("ticket should not be stored")
				return store.Ticket{}, nil
			}
			_, err := fx.svc.CreateTicket(t.Context(), fx.session, fx.ws.ID, tt.req)
			requireDomainCode(t, err, "VALIDATION_ERROR")
		})
	}
}

func TestCreateTicketNotifiesAssignee(t *testing.T) {
	fx := newTicketFixture(t)
	fx.fs.createTicketFn = func(_ context.Context, ticket store.Ticket) (store.Ticket, error) { return ticket, nil }
	var notified []string
	fx.fs.notificationFn = func(_ context.Context, n store.Notification, userIDs []string) (store.Notification, int, error) {
		notified = userIDs
		assert.Equal(t, "system", n.Type)
		return n, len(userIDs), nil
	}

	_, err := fx.svc.CreateTicket(t.Context(), fx.session, fx.ws.ID, TicketRequest{Title: "Review", AssigneeID: &fx.member.ID})

	require.NoError(t, err)
	assert.Equal(t, []string{fx.member.ID}, notified)
}

func TestListTicketsValidatesQuery(t *testing.T) {
	fx := newTicketFixture(t)
	var filter store.TicketFilter
	fx.fs.listTicketsFn = func(_ context.Context, f store.TicketFilter) ([]store.Ticket, int, error) {
		filter = f
		return nil, 0, nil
	}

	_, err := fx.svc.ListTickets(t.Context(), fx.session, fx.ws.ID, TicketQuery{Page: 1, Limit: 101})
	requireDomainCode(t, err, "VALIDATION_ERROR")

	_, err = fx.svc.ListTickets(t.Context(), fx.session, fx.ws.ID, TicketQuery{Page: 1, Limit: 20, Statuses: []string{"todo", "nope"}})
	requireDomainCode(t, err, "VALIDATION_ERROR")

	payload, err := fx.svc.ListTickets(t.Context(), fx.session, fx.ws.ID, TicketQuery{
		Page:       3,
		Limit:      10,
		Statuses:   []string{"todo", "done"},
		Priorities: []string{"high"},
		SortOrder:  "asc",
	})
	require.NoError(t, err)
	assert.Equal(t, 20, filter.Offset)
	assert.Equal(t, "createdAt", filter.SortBy)
	assert.False(t, filter.SortDesc)
	assert.Equal(t, []string{"todo", "done"}, filter.Statuses)
	assert.Contains(t, payload, "pagination")
}

func TestUpdateTicketRecordsHistory(t *testing.T) {
	fx := newTicketFixture(t)
	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	current := store.Ticket{
		ID:          util.NewID(),
		WorkspaceID: fx.ws.ID,
		Title:       "Old title",
		Status:      "todo",
		Priority:    "low",
		ReporterID:  fx.owner.ID,
		DueDate:     &due,
	}
	fx.fs.getTicketFn = func(context.Context, string, string) (store.Ticket, error) { return current, nil }
	var history []store.TicketHistory
	var saved store.Ticket
	fx.fs.updateTicketFn = func(_ context.Context, ticket store.Ticket, rows []store.TicketHistory) (store.Ticket, error) {
		saved, history = ticket, rows
		return ticket, nil
	}

	var req TicketUpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"title": "New title",
		"status": "in_progress",
		"priority": "low",
		"dueDate": null,
		"assigneeId": "`+fx.member.ID+`"
	}`), &req))

	_, err := fx.svc.UpdateTicket(t.Context(), fx.session, fx.ws.ID, current.ID, req)
	require.NoError(t, err)

	fields := make([]string, 0, len(history))
	for _, row := range history {
		fields = append(fields, row.Field)
		assert.Equal(t, current.ID, row.TicketID)
		assert.Equal(t, fx.owner.ID, row.UserID)
	}
	assert.ElementsMatch(t, []string{"title", "status", "assignee", "dueDate"}, fields)
	assert.Nil(t, saved.DueDate)
	require.NotNil(t, saved.AssigneeID)
	assert.Equal(t, fx.member.ID, *saved.AssigneeID)

	for _, row := range history {
		if row.Field == "status" {
			assert.Equal(t, "todo", *row.OldValue)
			assert.Equal(t, "in_progress", *row.NewValue)
		}
		if row.Field == "dueDate" {
			assert.Equal(t, "2026-05-01T00:00:00Z", *row.OldValue)
			assert.Nil(t, row.NewValue)
		}
	}
}

func TestUpdateTicketWithoutChangesWritesNoHistory(t *testing.T) {
	fx := newTicketFixture(t)
	current := store.Ticket{ID: util.NewID(), WorkspaceID: fx.ws.ID, Title: "Same", Status: "todo", Priority: "low"}
	fx.fs.getTicketFn = func(context.Context, string, string) (store.Ticket, error) { return current, nil }
	var history []store.TicketHistory
	fx.fs.updateTicketFn = func(_ context.Context, ticket store.Ticket, rows []store.TicketHistory) (store.Ticket, error) {
		history = rows
		return ticket, nil
	}
	title := "Same"

	_, err := fx.svc.UpdateTicket(t.Context(), fx.session, fx.ws.ID, current.ID, TicketUpdateRequest{Title: &title})

	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestViewerCannotCreateTicket(t *testing.T) {
	fx := newTicketFixture(t)
	viewer := fx.fs.addUser(t, "viewer@example.com", "password123", true)
	fx.fs.roles[fx.ws.ID+":"+viewer.ID] = "viewer"

	_, err := fx.svc.CreateTicket(t.Context(), signIn(t, fx.svc, viewer), fx.ws.ID, TicketRequest{Title: "x"})

	assert.ErrorIs(t, err, errForbidden)
}

func TestUpdateTaskCompletedAt(t *testing.T) {
	fx := newTicketFixture(t)
	stored := store.Task{ID: util.NewID(), WorkspaceID: fx.ws.ID, Title: "Ship", Status: "todo", Priority: "medium"}
	fx.fs.getTaskFn = func(context.Context, string, string) (store.Task, error) { return stored, nil }
	fx.fs.updateTaskFn = func(_ context.Context, task store.Task) (store.Task, error) {
		stored = task
		return task, nil
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fx.svc.now = func() time.Time { return now }
	status := func(value string) TaskUpdateRequest { return TaskUpdateRequest{Status: &value} }

	_, err := fx.svc.UpdateTask(t.Context(), fx.session, fx.ws.ID, stored.ID, status("done"))
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, now, *stored.CompletedAt)

	// staying done keeps the original completion time
	fx.svc.now = func() time.Time { return now.Add(time.Hour) }
	_, err = fx.svc.UpdateTask(t.Context(), fx.session, fx.ws.ID, stored.ID, status("done"))
	require.NoError(t, err)
	assert.Equal(t, now, *stored.CompletedAt)

	_, err = fx.svc.UpdateTask(t.Context(), fx.session, fx.ws.ID, stored.ID, status("in_progress"))
	require.NoError(t, err)
	assert.Nil(t, stored.CompletedAt)

	_, err = fx.svc.UpdateTask(t.Context(), fx.session, fx.ws.ID, stored.ID, status("blocked"))
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateTaskDoneSetsCompletedAt(t *testing.T) {
	fx := newTicketFixture(t)
	var saved store.Task
	fx.fs.createTaskFn = func(_ context.Context, task store.Task) (store.Task, error) {
		saved = task
		return task, nil
	}

	_, err := fx.svc.CreateTask(t.Context(), fx.session, fx.ws.ID, TaskRequest{Title: "Already done", Status: "done"})

	require.NoError(t, err)
	assert.NotNil(t, saved.CompletedAt)
	assert.Equal(t, "medium", saved.Priority)
}

func TestContentMentions(t *testing.T) {
	userID := util.NewID()
	ticketID := util.NewID()
	doc := `{"type":"doc","content":[
		{"type":"paragraph","content":[
			{"type":"text","text":"ping "},
			{"type":"mention","attrs":{"id":"` + userID + `"}},
			{"type":"mention","attrs":{"id":"` + ticketID + `","type":"ticket"}}
		]}
	]}`

	refs := contentMentions(doc)

	assert.Equal(t, []MentionRef{{Type: "user", ID: userID}, {Type: "ticket", ID: ticketID}}, refs)
	assert.Empty(t, contentMentions("plain text with @someone"))
	assert.Empty(t, contentMentions("{not json"))
}

func TestNoteMentionsMergeAndDeduplicate(t *testing.T) {
	noteID := util.NewID()
	userID := util.NewID()
	doc := `{"type":"doc","content":[
		{"type":"mention","attrs":{"id":"` + userID + `"}},
		{"type":"mention","attrs":{"id":"` + noteID + `","type":"note"}},
		{"type":"mention","attrs":{"id":"not-an-id"}}
	]}`

	mentions, err := noteMentions(noteID, doc, []MentionRef{{Type: "user", ID: userID}})
	require.NoError(t, err)
	assert.Equal(t, []store.NoteMention{{Type: "user", ID: userID}}, mentions)

	_, err = noteMentions(noteID, "", []MentionRef{{Type: "project", ID: userID}})
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateNoteStoresMentions(t *testing.T) {
	fx := newTicketFixture(t)
	var stored []store.NoteMention
	fx.fs.saveNoteFn = func(_ context.Context, note store.Note, mentions []store.NoteMention) (store.Note, error) {
		stored = mentions
		return note, nil
	}
	title := "Plan"
	content := `{"type":"doc","content":[{"type":"mention","attrs":{"id":"` + fx.member.ID + `"}}]}`

	payload, err := fx.svc.CreateNote(t.Context(), fx.session, fx.ws.ID, NoteRequest{Title: &title, Content: &content})

	require.NoError(t, err)
	assert.Equal(t, []store.NoteMention{{Type: "user", ID: fx.member.ID}}, stored)
	assert.Equal(t, "Plan", payload["title"])

	_, err = fx.svc.CreateNote(t.Context(), fx.session, fx.ws.ID, NoteRequest{Content: &content})
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestOptionalDistinguishesNullFromAbsent(t *testing.T) {
	var req TicketUpdateRequest
	require.NoError(t, json.Unmarshal([]byte(`{"assigneeId":null,"estimatedHours":4}`), &req))

	assert.True(t, req.AssigneeID.Set)
	assert.Nil(t, req.AssigneeID.Value)
	assert.True(t, req.EstimatedHours.Set)
	require.NotNil(t, req.EstimatedHours.Value)
	assert.Equal(t, 4, *req.EstimatedHours.Value)
	assert.False(t, req.DueDate.Set)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		input   *string
		want    *time.Time
		wantErr bool
	}{
		{name: "absent", input: nil},
		{name: "blank", input: ptr("  ")},
		{name: "plain date", input: ptr("2026-04-30"), want: ptr(time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))},
		{name: "timestamp with offset", input: ptr("2026-04-30T12:00:00+02:00"), want: ptr(time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC))},
		{name: "garbage", input: ptr("30/04/2026"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDate(tt.input, "dueDate")
			if tt.wantErr {
				requireDomainCode(t, err, "VALIDATION_ERROR")
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "got %s", got)
		})
	}
}

func ptr[T any](value T) *T { return &value }

func TestTruncateKeepsValidUTF8(t *testing.T) {
	tests := []struct {
		name  string
		value string
		max   int
		want  string
	}{
		{name: "short", value: "Firefox", max: 512, want: "Firefox"},
		{name: "ascii cut", value: "abcdef", max: 3, want: "abc"},
		{name: "cut inside rune", value: strings.Repeat("a", 511) + "é", max: 512, want: strings.Repeat("a", 511)},
		{name: "cut after rune", value: "é" + "xyz", max: 2, want: "é"},
		{name: "invalid bytes dropped", value: "Mozilla\xff\xfe/5.0", max: 512, want: "Mozilla/5.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.value, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}
