package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"dashboard/api/internal/auth"
	"dashboard/api/internal/authpw"
	"dashboard/api/internal/config"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

// fakeStore keeps users, sessions, refresh tokens and memberships in memory.
// Methods it does not implement fall through to the nil dataStore and panic,
// so a test that reaches an unexpected query fails loudly.
type fakeStore struct {
	dataStore

	mu         sync.Mutex
	users      map[string]store.User
	sessions   map[string]store.Session
	refresh    map[string]store.RefreshSession
	roles      map[string]string
	workspaces map[string]store.Workspace
	activity   []store.ActivityLog
	invites    map[string]store.WorkspaceInvite
	projects   map[string]store.AnalyticsProject
	events     []store.AnalyticsEvent
	votes      map[string]bool
	pingErr    error

	createTicketFn func(context.Context, store.Ticket) (store.Ticket, error)
	getTicketFn    func(context.Context, string, string) (store.Ticket, error)
	listTicketsFn  func(context.Context, store.TicketFilter) ([]store.Ticket, int, error)
	updateTicketFn func(context.Context, store.Ticket, []store.TicketHistory) (store.Ticket, error)
	createTaskFn   func(context.Context, store.Task) (store.Task, error)
	getTaskFn      func(context.Context, string, string) (store.Task, error)
	updateTaskFn   func(context.Context, store.Task) (store.Task, error)
	saveNoteFn     func(context.Context, store.Note, []store.NoteMention) (store.Note, error)
	notificationFn func(context.Context, store.Notification, []string) (store.Notification, int, error)
	countOwnersFn  func(context.Context, string) (int, error)

	addRelationshipFn    func(context.Context, store.TicketRelationship, string, string) error
	getRelationshipFn    func(context.Context, string, string) (store.TicketRelationship, error)
	removeRelationshipFn func(context.Context, string, string, string) error

	listNotificationsFn func(context.Context, store.NotificationFilter) ([]store.Notification, int, error)
	markReadFn          func(context.Context, string, []string) (int, error)
	markAllReadFn       func(context.Context, string) (int, error)
	archiveFn           func(context.Context, string, string) error
	statsFn             func(context.Context, string) (store.NotificationStats, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		sessions:   map[string]store.Session{},
		refresh:    map[string]store.RefreshSession{},
		roles:      map[string]string{},
		workspaces: map[string]store.Workspace{},
		invites:    map[string]store.WorkspaceInvite{},
		projects:   map[string]store.AnalyticsProject{},
		votes:      map[string]bool{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) addUser(t *testing.T, email, password string, verified bool) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := store.User{
		ID:              util.NewID(),
		Email:           email,
		Username:        strings.Split(email, "@")[0],
		PasswordHash:    string(hash),
		IsEmailVerified: verified,
	}
	f.mu.Lock()
	f.users[user.ID] = user
	f.mu.Unlock()
	return user
}

func (f *fakeStore) addWorkspace(name string, members map[string]string) store.Workspace {
	ws := store.Workspace{ID: util.NewID(), Name: name, Slug: util.Slugify(name)}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaces[ws.ID] = ws
	for userID, role := range members {
		f.roles[ws.ID+":"+userID] = role
	}
	return ws
}

func (f *fakeStore) makeAdmin(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.IsAdmin = true
	f.users[userID] = user
}

func (f *fakeStore) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.activity))
	for _, entry := range f.activity {
		out = append(out, entry.Action)
	}
	return out
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.User{}, store.ErrConflict
		}
	}
	user.IsAdmin = len(f.users) == 0
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if token != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) CreateSession(_ context.Context, row store.Session) error {
	if !utf8.ValidString(row.UserAgent) || !utf8.ValidString(row.IPAddress) {
		return errors.New(`pq: invalid byte sequence for encoding "UTF8"`)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row.CreatedAt = time.Now()
	row.LastUsedAt = row.CreatedAt
	f.sessions[row.ID] = row
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.sessions[id]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	return row, nil
}

func (f *fakeStore) TouchSession(context.Context, string) error { return nil }

func (f *fakeStore) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.sessions[id]
	row.ExpiresAt = expiresAt
	f.sessions[id] = row
	return nil
}

func (f *fakeStore) ListSessions(_ context.Context, userID string) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, row := range f.sessions {
		if row.UserID == userID && row.RevokedAt == nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeSession(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.sessions[id]
	if !ok || row.UserID != userID || row.RevokedAt != nil {
		return sql.ErrNoRows
	}
	now := time.Now()
	row.RevokedAt = &now
	f.sessions[id] = row
	return nil
}

func (f *fakeStore) RevokeOtherSessions(_ context.Context, userID, keep string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	now := time.Now()
	for id, row := range f.sessions {
		if row.UserID == userID && id != keep && row.RevokedAt == nil {
			row.RevokedAt = &now
			f.sessions[id] = row
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, refresh store.RefreshSession, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = refresh
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.RefreshSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refresh, ok := f.refresh[hash]
	if !ok {
		return store.RefreshSession{}, sql.ErrNoRows
	}
	return refresh, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) InsertActivity(_ context.Context, entry store.ActivityLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeStore) GetMemberRole(_ context.Context, workspaceID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[workspaceID+":"+userID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return role, nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (f *fakeStore) SlugExists(_ context.Context, slug, excludeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.workspaces {
		if ws.Slug == slug && ws.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateWorkspace(_ context.Context, ws store.Workspace) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws.CreatedAt = time.Now()
	ws.UpdatedAt = ws.CreatedAt
	f.workspaces[ws.ID] = ws
	f.roles[ws.ID+":"+ws.CreatedBy] = "owner"
	return ws, nil
}

func (f *fakeStore) RemoveMember(_ context.Context, workspaceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + ":" + userID
	if _, ok := f.roles[key]; !ok {
		return sql.ErrNoRows
	}
	if f.soleOwnerLocked(workspaceID, userID) {
		return store.ErrLastOwner
	}
	delete(f.roles, key)
	return nil
}

func (f *fakeStore) UpdateMemberRole(_ context.Context, workspaceID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role != "owner" && f.soleOwnerLocked(workspaceID, userID) {
		return store.ErrLastOwner
	}
	f.roles[workspaceID+":"+userID] = role
	return nil
}

// soleOwnerLocked reports whether userID is the workspace's only owner. f.mu must be held.
func (f *fakeStore) soleOwnerLocked(workspaceID, userID string) bool {
	if f.roles[workspaceID+":"+userID] != "owner" {
		return false
	}
	owners := 0
	for key, role := range f.roles {
		if strings.HasPrefix(key, workspaceID+":") && role == "owner" {
			owners++
		}
	}
	return owners <= 1
}

func (f *fakeStore) CountOwners(ctx context.Context, workspaceID string) (int, error) {
	if f.countOwnersFn != nil {
		return f.countOwnersFn(ctx, workspaceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for key, role := range f.roles {
		if strings.HasPrefix(key, workspaceID+":") && role == "owner" {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CreateTicket(ctx context.Context, ticket store.Ticket) (store.Ticket, error) {
	return f.createTicketFn(ctx, ticket)
}

func (f *fakeStore) GetTicket(ctx context.Context, workspaceID, ticketID string) (store.Ticket, error) {
	return f.getTicketFn(ctx, workspaceID, ticketID)
}

func (f *fakeStore) ListTickets(ctx context.Context, filter store.TicketFilter) ([]store.Ticket, int, error) {
	return f.listTicketsFn(ctx, filter)
}

func (f *fakeStore) UpdateTicket(ctx context.Context, ticket store.Ticket, history []store.TicketHistory) (store.Ticket, error) {
	return f.updateTicketFn(ctx, ticket, history)
}

func (f *fakeStore) CreateTask(ctx context.Context, task store.Task) (store.Task, error) {
	return f.createTaskFn(ctx, task)
}

func (f *fakeStore) GetTask(ctx context.Context, workspaceID, taskID string) (store.Task, error) {
	return f.getTaskFn(ctx, workspaceID, taskID)
}

func (f *fakeStore) UpdateTask(ctx context.Context, task store.Task) (store.Task, error) {
	return f.updateTaskFn(ctx, task)
}

func (f *fakeStore) SaveNote(ctx context.Context, note store.Note, mentions []store.NoteMention) (store.Note, error) {
	return f.saveNoteFn(ctx, note, mentions)
}

func (f *fakeStore) ListNoteMentions(context.Context, string) ([]store.NoteMention, error) {
	return nil, nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n store.Notification, userIDs []string) (store.Notification, int, error) {
	if f.notificationFn != nil {
		return f.notificationFn(ctx, n, userIDs)
	}
	return n, len(userIDs), nil
}

func (f *fakeStore) ListWorkspaceIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for key := range f.roles {
		if wsID, member, ok := strings.Cut(key, ":"); ok && member == userID {
			ids = append(ids, wsID)
		}
	}
	return ids, nil
}

func (f *fakeStore) AddMember(_ context.Context, member store.WorkspaceMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := member.WorkspaceID + ":" + member.UserID
	if _, ok := f.roles[key]; ok {
		return store.ErrConflict
	}
	f.roles[key] = member.Role
	return nil
}

func (f *fakeStore) CreateInvite(_ context.Context, invite store.WorkspaceInvite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.invites {
		if existing.WorkspaceID == invite.WorkspaceID && strings.EqualFold(existing.Email, invite.Email) && existing.AcceptedAt == nil {
			return store.ErrConflict
		}
	}
	f.invites[invite.Token] = invite
	return nil
}

func (f *fakeStore) GetInviteByToken(_ context.Context, token string) (store.WorkspaceInvite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[token]
	if !ok {
		return store.WorkspaceInvite{}, sql.ErrNoRows
	}
	return invite, nil
}

func (f *fakeStore) AcceptInvite(_ context.Context, inviteID string, member store.WorkspaceMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, invite := range f.invites {
		if invite.ID != inviteID || invite.AcceptedAt != nil {
			continue
		}
		now := time.Now()
		invite.AcceptedAt = &now
		f.invites[token] = invite
		f.roles[member.WorkspaceID+":"+member.UserID] = member.Role
		return nil
	}
	return sql.ErrNoRows
}

func (f *fakeStore) AddTicketRelationship(ctx context.Context, rel store.TicketRelationship, inverseID, inverseType string) error {
	return f.addRelationshipFn(ctx, rel, inverseID, inverseType)
}

func (f *fakeStore) GetTicketRelationship(ctx context.Context, ticketID, relationshipID string) (store.TicketRelationship, error) {
	return f.getRelationshipFn(ctx, ticketID, relationshipID)
}

func (f *fakeStore) RemoveTicketRelationship(ctx context.Context, ticketID, relationshipID, inverseType string) error {
	return f.removeRelationshipFn(ctx, ticketID, relationshipID, inverseType)
}

func (f *fakeStore) ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]store.Notification, int, error) {
	return f.listNotificationsFn(ctx, filter)
}

func (f *fakeStore) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int, error) {
	return f.markReadFn(ctx, userID, ids)
}

func (f *fakeStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	return f.markAllReadFn(ctx, userID)
}

func (f *fakeStore) ArchiveNotification(ctx context.Context, userID, notificationID string) error {
	return f.archiveFn(ctx, userID, notificationID)
}

func (f *fakeStore) NotificationStats(ctx context.Context, userID string) (store.NotificationStats, error) {
	return f.statsFn(ctx, userID)
}

func (f *fakeStore) addProject(name, key string, active bool) store.AnalyticsProject {
	project := store.AnalyticsProject{ID: util.NewID(), Name: name, Domain: name + ".example.com", PublicKey: key, IsActive: active}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[key] = project
	return project
}

func (f *fakeStore) GetAnalyticsProjectByKey(_ context.Context, key string) (store.AnalyticsProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	project, ok := f.projects[key]
	if !ok {
		return store.AnalyticsProject{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListAnalyticsProjects(context.Context) ([]store.AnalyticsProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.AnalyticsProject, 0, len(f.projects))
	for _, project := range f.projects {
		out = append(out, project)
	}
	return out, nil
}

func (f *fakeStore) InsertAnalyticsEvent(_ context.Context, event store.AnalyticsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// toggleVoteLocked flips a vote and reports whether it is now cast. f.mu must be held.
func (f *fakeStore) toggleVoteLocked(key string) bool {
	if f.votes[key] {
		delete(f.votes, key)
		return false
	}
	f.votes[key] = true
	return true
}

// countVotesLocked counts cast votes whose key starts with prefix. f.mu must be held.
func (f *fakeStore) countVotesLocked(prefix string) int {
	count := 0
	for key := range f.votes {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

func (f *fakeStore) ToggleChangelogVote(_ context.Context, hash, ip, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggleVoteLocked("changelog:" + hash + ":" + ip), nil
}

func (f *fakeStore) ChangelogVoteCounts(context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for key := range f.votes {
		parts := strings.Split(key, ":")
		if parts[0] == "changelog" {
			counts[parts[1]]++
		}
	}
	return counts, nil
}

func (f *fakeStore) ToggleRoadmapVote(_ context.Context, itemID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggleVoteLocked("roadmap:" + itemID + ":" + userID), nil
}

func (f *fakeStore) GetRoadmapItem(_ context.Context, itemID, viewerID string) (store.RoadmapItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.RoadmapItem{
		ID:     itemID,
		Title:  "Dark mode",
		Status: "planned",
		Votes:  f.countVotesLocked("roadmap:" + itemID + ":"),
		Voted:  f.votes["roadmap:"+itemID+":"+viewerID],
	}, nil
}

// newTestService builds a Service over fs with short token lifetimes and no optional collaborators.
func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		Env:           "test",
		JWTSecret:     "test-secret",
		JWTIssuer:     "dashboard-api",
		JWTAudience:   "dashboard-web",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		SessionCookie: "session",
		PublicURL:     "http://localhost:3000",
	}
	return &Service{
		cfg:       cfg,
		store:     fs,
		refresh:   fs,
		signer:    auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		passwords: authpw.NewService(fs),
		now:       time.Now,
	}
}

// signIn opens a session for user directly through the service.
func signIn(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user, Client{IP: "203.0.113.7", UserAgent: "test"})
	require.NoError(t, err)
	return session
}
