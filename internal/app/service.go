package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"dashboard/api/internal/auth"
	"dashboard/api/internal/authpw"
	"dashboard/api/internal/changelog"
	"dashboard/api/internal/config"
	"dashboard/api/internal/email"
	"dashboard/api/internal/export"
	"dashboard/api/internal/oauth"
	"dashboard/api/internal/rbac"
	"dashboard/api/internal/search"
	"dashboard/api/internal/session"
	"dashboard/api/internal/storage"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

// Client identifies the device a request came from.
type Client struct {
	IP        string
	UserAgent string
}

// Session is the authenticated caller. SessionID is the device session row and the JWT jti.
type Session struct {
	Token        string
	RefreshToken string
	SessionID    string
	UserID       string
	Email        string
	UserName     string
	IsAdmin      bool
	ExpiresAt    time.Time
	Client       Client
}

type userStore interface {
	authpw.UserStore
	UpdateUserProfile(context.Context, string, store.ProfileUpdate) (store.User, error)
	SetUserAvatar(context.Context, string, string) error
	SetUserAdmin(context.Context, string, bool) error
	ListUsers(context.Context, store.UserFilter) ([]store.User, int, error)
	GetOAuthAccount(context.Context, string, string) (store.OAuthAccount, error)
	CreateOAuthAccount(context.Context, store.OAuthAccount) error
	MarkUserEmailVerified(context.Context, string) error
}

type sessionStore interface {
	CreateSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	TouchSession(context.Context, string) error
	ExtendSession(context.Context, string, time.Time) error
	ListSessions(context.Context, string) ([]store.Session, error)
	RevokeSession(context.Context, string, string) error
	RevokeOtherSessions(context.Context, string, string) (int, error)
}

type activityStore interface {
	InsertActivity(context.Context, store.ActivityLog) error
	ListActivity(context.Context, store.ActivityFilter) ([]store.ActivityLog, error)
	DashboardSummary(context.Context, string, time.Time) (store.DashboardSummary, error)
}

type workspaceStore interface {
	SlugExists(context.Context, string, string) (bool, error)
	CreateWorkspace(context.Context, store.Workspace) (store.Workspace, error)
	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListWorkspacesForUser(context.Context, string) ([]store.WorkspaceSummary, error)
	ListWorkspaceIDsForUser(context.Context, string) ([]string, error)
	UpdateWorkspace(context.Context, store.Workspace) (store.Workspace, error)
	SetWorkspaceLogo(context.Context, string, string) error
	DeleteWorkspace(context.Context, string) error
	GetMemberRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.WorkspaceMember, error)
	AddMember(context.Context, store.WorkspaceMember) error
	UpdateMemberRole(context.Context, string, string, string) error
	RemoveMember(context.Context, string, string) error
	CountOwners(context.Context, string) (int, error)
	CreateInvite(context.Context, store.WorkspaceInvite) error
	GetInviteByToken(context.Context, string) (store.WorkspaceInvite, error)
	ListPendingInvites(context.Context, string) ([]store.WorkspaceInvite, error)
	AcceptInvite(context.Context, string, store.WorkspaceMember) error
	ListTasks(context.Context, store.TaskFilter) ([]store.Task, error)
	GetTask(context.Context, string, string) (store.Task, error)
	CreateTask(context.Context, store.Task) (store.Task, error)
	UpdateTask(context.Context, store.Task) (store.Task, error)
	DeleteTask(context.Context, string, string) error
}

type ticketStore interface {
	ListTickets(context.Context, store.TicketFilter) ([]store.Ticket, int, error)
	GetTicket(context.Context, string, string) (store.Ticket, error)
	CreateTicket(context.Context, store.Ticket) (store.Ticket, error)
	UpdateTicket(context.Context, store.Ticket, []store.TicketHistory) (store.Ticket, error)
	DeleteTicket(context.Context, string, string) error
	AddTicketComment(context.Context, store.TicketComment) (store.TicketComment, error)
	ListTicketComments(context.Context, string) ([]store.TicketComment, error)
	ListTicketHistory(context.Context, string) ([]store.TicketHistory, error)
	ListTicketRelationships(context.Context, string) ([]store.TicketRelationship, error)
	AddTicketRelationship(context.Context, store.TicketRelationship, string, string) error
	RemoveTicketRelationship(context.Context, string, string, string) error
	GetTicketRelationship(context.Context, string, string) (store.TicketRelationship, error)
}

type noteStore interface {
	ListNotes(context.Context, store.NoteFilter) ([]store.Note, int, error)
	GetNote(context.Context, string, string) (store.Note, error)
	SaveNote(context.Context, store.Note, []store.NoteMention) (store.Note, error)
	DeleteNote(context.Context, string, string) error
	ListNoteMentions(context.Context, string) ([]store.NoteMention, error)
	SearchMentionables(context.Context, string, string, int) ([]store.NoteMention, error)
}

type notificationStore interface {
	CreateNotification(context.Context, store.Notification, []string) (store.Notification, int, error)
	ListNotifications(context.Context, store.NotificationFilter) ([]store.Notification, int, error)
	MarkNotificationsRead(context.Context, string, []string) (int, error)
	MarkAllNotificationsRead(context.Context, string) (int, error)
	ArchiveNotification(context.Context, string, string) error
	NotificationStats(context.Context, string) (store.NotificationStats, error)
}

type analyticsStore interface {
	CreateAnalyticsProject(context.Context, store.AnalyticsProject) (store.AnalyticsProject, error)
	ListAnalyticsProjects(context.Context) ([]store.AnalyticsProject, error)
	GetAnalyticsProject(context.Context, string) (store.AnalyticsProject, error)
	GetAnalyticsProjectByKey(context.Context, string) (store.AnalyticsProject, error)
	UpdateAnalyticsProject(context.Context, store.AnalyticsProject) (store.AnalyticsProject, error)
	DeleteAnalyticsProject(context.Context, string) error
	InsertAnalyticsEvent(context.Context, store.AnalyticsEvent) error
	AnalyticsMetrics(context.Context, store.AnalyticsFilter, time.Time) (store.AnalyticsMetrics, error)
}

type publicStore interface {
	ToggleChangelogVote(context.Context, string, string, string) (bool, error)
	ChangelogVoteCounts(context.Context) (map[string]int, error)
	ChangelogVotesByIP(context.Context, string) (map[string]bool, error)
	TopChangelogEntries(context.Context, int) ([]store.CountByValue, error)
	ListChangelogVoters(context.Context, string) ([]store.ChangelogVoter, error)
	ListRoadmapItems(context.Context, string) ([]store.RoadmapItem, error)
	GetRoadmapItem(context.Context, string, string) (store.RoadmapItem, error)
	SaveRoadmapItem(context.Context, store.RoadmapItem) (store.RoadmapItem, error)
	DeleteRoadmapItem(context.Context, string) error
	ToggleRoadmapVote(context.Context, string, string) (bool, error)
}

type dataStore interface {
	userStore
	sessionStore
	activityStore
	workspaceStore
	ticketStore
	noteStore
	notificationStore
	analyticsStore
	publicStore
	Ping(context.Context) error
}

// RefreshStore keeps hashed refresh tokens. Both Postgres and Redis implement it.
type RefreshStore interface {
	SaveRefreshSession(context.Context, string, store.RefreshSession, time.Time) error
	LookupRefreshSession(context.Context, string) (store.RefreshSession, error)
	RevokeRefreshSession(context.Context, string) error
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendWorkspaceInviteEmail(to, inviterName, workspaceName, role, acceptURL string) error
}

type objectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, storage.Object, error)
	Delete(ctx context.Context, key string) error
}

type githubProvider interface {
	LoginURL(state string) string
	Callback(ctx context.Context, code string) (oauth.Profile, error)
}

type changelogSource interface {
	Entries(limit int) ([]changelog.Entry, error)
	Entry(hash string) (changelog.Entry, bool, error)
}

type noteExporter interface {
	Available() []export.Format
	Export(ctx context.Context, note export.Note, format export.Format) (*export.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the optional collaborators wired by cmd/api. Nil fields disable their feature.
type Dependencies struct {
	Refresh   RefreshStore
	Redis     *session.RedisStore
	Mailer    *email.Service
	Objects   *storage.MinioStore
	GitHub    *oauth.Github
	Search    *search.Service
	Changelog *changelog.Service
	Exporter  *export.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	refresh   RefreshStore
	redis     pinger
	signer    *auth.Signer
	passwords *authpw.Service
	mail      mailer
	objects   objectStore
	github    githubProvider
	search    *search.Service
	changelog changelogSource
	exporter  noteExporter
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Dependencies) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		refresh:   deps.Refresh,
		signer:    auth.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		passwords: authpw.NewService(dataStore),
		search:    deps.Search,
		now:       time.Now,
	}
	if s.refresh == nil {
		s.refresh = dataStore
	}
	// typed nil pointers must not become non-nil interfaces
	if deps.Redis != nil {
		s.redis = deps.Redis
	}
	if deps.Mailer != nil {
		s.mail = deps.Mailer
	}
	if deps.Objects != nil {
		s.objects = deps.Objects
	}
	if deps.GitHub != nil {
		s.github = deps.GitHub
	}
	if deps.Changelog != nil {
		s.changelog = deps.Changelog
	}
	if deps.Exporter != nil {
		s.exporter = deps.Exporter
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis is nil when Redis is not configured.
func (s *Service) PingRedis(ctx context.Context) (bool, error) {
	if s.redis == nil {
		return false, nil
	}
	return true, s.redis.Ping(ctx)
}

func (s *Service) SecureCookies() bool {
	return s.cfg.Production()
}

func (s *Service) SessionCookieName() string {
	return s.cfg.SessionCookie
}

func (s *Service) emailConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// issueSession creates a device session row, a refresh token and the access JWT.
func (s *Service) issueSession(ctx context.Context, user store.User, client Client) (Session, error) {
	now := s.now()
	sessionID := util.NewID()
	refreshExpires := now.Add(s.cfg.RefreshTTL)

	if err := s.store.CreateSession(ctx, store.Session{
		ID:        sessionID,
		UserID:    user.ID,
		IPAddress: client.IP,
		UserAgent: truncate(client.UserAgent, 512),
		ExpiresAt: refreshExpires,
	}); err != nil {
		return Session{}, err
	}
	return s.signSession(ctx, user, sessionID, client)
}

func (s *Service) signSession(ctx context.Context, user store.User, sessionID string, client Client) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := s.signer.IssueToken(auth.Claims{
		RegisteredClaims: auth.Registered(user.ID, sessionID, now, expiresAt),
		Email:            user.Email,
		Name:             user.DisplayName(),
		Role:             roleClaim(user),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), store.RefreshSession{
		SessionID: sessionID,
		UserID:    user.ID,
	}, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		SessionID:    sessionID,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName(),
		IsAdmin:      user.IsAdmin,
		ExpiresAt:    expiresAt,
		Client:       client,
	}, nil
}

// SessionFromToken validates the JWT and the device session it names.
func (s *Service) SessionFromToken(ctx context.Context, token string, client Client) (Session, error) {
	claims, err := s.signer.ParseToken(token)
	if err != nil {
		return Session{}, err
	}

	row, err := s.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if row.UserID != claims.Subject || row.RevokedAt != nil || !row.ExpiresAt.After(s.now()) {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	if err := s.store.TouchSession(ctx, row.ID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("session_id", row.ID).Msg("touch session")
	}

	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		SessionID: row.ID,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName(),
		IsAdmin:   user.IsAdmin,
		ExpiresAt: expiresAt,
		Client:    client,
	}, nil
}

// Refresh rotates a refresh token. The old token stops working even if signing fails afterwards.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	refresh, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	row, err := s.store.GetSession(ctx, refresh.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if row.RevokedAt != nil || row.UserID != refresh.UserID {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, refresh.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.store.ExtendSession(ctx, row.ID, s.now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}
	return s.signSession(ctx, user, row.ID, client)
}

// Logout revokes the device session and the refresh token. Both are best effort.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.SessionID != "" {
		if err := s.store.RevokeSession(ctx, session.UserID, session.SessionID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Ctx(ctx).Warn().Err(err).Msg("logout: revoke session")
		}
		s.recordActivity(ctx, session, nil, "auth.logout", "session", session.SessionID, nil)
	}
	if refreshToken != "" {
		if err := s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("logout: revoke refresh token")
		}
	}
}

func (s *Service) ListSessions(ctx context.Context, session Session) ([]map[string]any, error) {
	rows, err := s.store.ListSessions(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, sessionPayload(row, row.ID == session.SessionID))
	}
	return items, nil
}

func (s *Service) RevokeSession(ctx context.Context, session Session, sessionID string) error {
	if sessionID == session.SessionID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Use logout to end the current session", nil)
	}
	if err := s.store.RevokeSession(ctx, session.UserID, sessionID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, nil, "session.revoke", "session", sessionID, nil)
	return nil
}

func (s *Service) RevokeOtherSessions(ctx context.Context, session Session) (int, error) {
	count, err := s.store.RevokeOtherSessions(ctx, session.UserID, session.SessionID)
	if err != nil {
		return 0, err
	}
	s.recordActivity(ctx, session, nil, "session.revoke_others", "session", session.SessionID, map[string]any{"revoked": count})
	return count, nil
}

// recordActivity appends to the activity log. Failures are logged and never fail the request.
func (s *Service) recordActivity(ctx context.Context, session Session, workspaceID *string, action, entityType, entityID string, metadata map[string]any) {
	err := s.store.InsertActivity(ctx, store.ActivityLog{
		UserID:      session.UserID,
		WorkspaceID: workspaceID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Metadata:    metadata,
		IPAddress:   session.Client.IP,
		UserAgent:   truncate(session.Client.UserAgent, 512),
	})
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("action", action).Msg("record activity")
	}
}

// memberRole returns the caller's role in the workspace. Non-members get 404, which hides whether the workspace exists.
func (s *Service) memberRole(ctx context.Context, session Session, workspaceID string) (rbac.Role, error) {
	if !util.IsID(workspaceID) {
		return "", sql.ErrNoRows
	}
	role, err := s.store.GetMemberRole(ctx, workspaceID, session.UserID)
	if err != nil {
		return "", err
	}
	return rbac.Normalize(role), nil
}

// authorize checks that the caller may perform action inside the workspace.
func (s *Service) authorize(ctx context.Context, session Session, workspaceID string, action rbac.Action) (rbac.Role, error) {
	role, err := s.memberRole(ctx, session, workspaceID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(role, action) {
		return "", errForbidden
	}
	return role, nil
}

func (s *Service) requireAdmin(session Session) error {
	if !session.IsAdmin {
		return errForbidden
	}
	return nil
}

func (s *Service) publicURL(path string) string {
	return fmt.Sprintf("%s%s", s.cfg.PublicURL, path)
}

func roleClaim(user store.User) string {
	if user.IsAdmin {
		return "admin"
	}
	return "user"
}

// truncate drops invalid UTF-8 and cuts value to at most max bytes on a rune boundary.
func truncate(value string, max int) string {
	value = strings.ToValidUTF8(value, "")
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
