package store

import (
	"strings"
	"time"
)

type User struct {
	ID                    string
	Email                 string
	Username              string
	FirstName             string
	LastName              string
	PasswordHash          string
	Phone                 string
	AvatarKey             string
	IsAdmin               bool
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DisplayName prefers the full name, then the username, then the email local part.
func (u User) DisplayName() string {
	if full := strings.TrimSpace(u.FirstName + " " + u.LastName); full != "" {
		return full
	}
	if u.Username != "" {
		return u.Username
	}
	local, _, _ := strings.Cut(u.Email, "@")
	return local
}

type UserFilter struct {
	Search string
	Limit  int
	Offset int
}

type Session struct {
	ID         string
	UserID     string
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

type OAuthAccount struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

type Workspace struct {
	ID          string
	Name        string
	Slug        string
	Description string
	LogoKey     string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkspaceSummary is a workspace as seen by one member.
type WorkspaceSummary struct {
	Workspace
	Role        string
	MemberCount int
}

type WorkspaceMember struct {
	WorkspaceID string
	UserID      string
	Role        string
	InvitedBy   *string
	JoinedAt    time.Time
	Email       string
	Username    string
	FirstName   string
	LastName    string
}

type WorkspaceInvite struct {
	ID          string
	WorkspaceID string
	Email       string
	Role        string
	Token       string
	InvitedBy   string
	ExpiresAt   time.Time
	AcceptedAt  *time.Time
	CreatedAt   time.Time
}

type Task struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	AssigneeID  *string
	CreatedBy   string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Ticket struct {
	ID             string
	WorkspaceID    string
	Title          string
	Description    string
	Status         string
	Priority       string
	AssigneeID     *string
	AssigneeName   string
	ReporterID     string
	ReporterName   string
	DueDate        *time.Time
	EstimatedHours *int
	Labels         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TicketFilter struct {
	WorkspaceID string
	Statuses    []string
	Priorities  []string
	AssigneeID  string
	SortBy      string
	SortDesc    bool
	Limit       int
	Offset      int
}

type TicketComment struct {
	ID        string
	TicketID  string
	UserID    string
	UserName  string
	Content   string
	CreatedAt time.Time
}

type TicketHistory struct {
	ID        int64
	TicketID  string
	UserID    string
	UserName  string
	Field     string
	OldValue  *string
	NewValue  *string
	CreatedAt time.Time
}

type TicketRelationship struct {
	ID             string
	SourceTicketID string
	TargetTicketID string
	Type           string
	TargetTitle    string
	TargetStatus   string
	TargetPriority string
	CreatedBy      string
	CreatedAt      time.Time
}

type Note struct {
	ID          string
	WorkspaceID string
	Title       string
	Content     string
	CreatedBy   string
	CreatorName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type NoteFilter struct {
	WorkspaceID string
	Search      string
	SortBy      string
	SortDesc    bool
	Limit       int
	Offset      int
}

type NoteMention struct {
	Type  string
	ID    string
	Label string
}

type Notification struct {
	ID          string
	Title       string
	Content     string
	Type        string
	CreatedBy   *string
	WorkspaceID *string
	Link        string
	IsGlobal    bool
	Metadata    map[string]any
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	IsRead      bool
	ReadAt      *time.Time
	IsArchived  bool
}

type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Archived   bool
	Type       string
	Limit      int
	Offset     int
}

type NotificationStats struct {
	Total  int
	Unread int
	ByType map[string]int
}

type ActivityLog struct {
	ID          int64
	UserID      string
	WorkspaceID *string
	Action      string
	EntityType  string
	EntityID    string
	Metadata    map[string]any
	IPAddress   string
	UserAgent   string
	CreatedAt   time.Time
}

type AnalyticsProject struct {
	ID        string
	Name      string
	Domain    string
	PublicKey string
	IsActive  bool
	CreatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AnalyticsEvent struct {
	ProjectID    string
	SessionID    string
	VisitorID    string
	EventType    string
	EventName    string
	URL          string
	Pathname     string
	Referrer     string
	Title        string
	UTMSource    string
	UTMMedium    string
	UTMCampaign  string
	UTMTerm      string
	UTMContent   string
	Country      string
	Region       string
	City         string
	Device       string
	Browser      string
	OS           string
	ScreenWidth  int
	ScreenHeight int
	DurationMS   int
	Properties   map[string]any
	CreatedAt    time.Time
}

type AnalyticsFilter struct {
	ProjectID string
	From      time.Time
	To        time.Time
	Country   string
	Device    string
	Pathname  string
}

type CountByValue struct {
	Value string
	Count int
}

type AnalyticsMetrics struct {
	Pageviews         int
	Sessions          int
	UniqueVisitors    int
	BounceRate        float64
	AvgSessionSeconds float64
	AvgPageSeconds    float64
	TopPages          []CountByValue
	Countries         []CountByValue
	Devices           []CountByValue
	Browsers          []CountByValue
	RealtimeVisitors  int
}

type ChangelogVoter struct {
	EntryID   string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

type RoadmapItem struct {
	ID          string
	Title       string
	Description string
	Status      string
	Priority    string
	Category    string
	Tags        []string
	DueDate     *time.Time
	Votes       int
	Voted       bool
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DashboardSummary struct {
	Workspaces          int
	OpenAssignedTickets int
	TasksDueSoon        int
	UnreadNotifications int
}

// RefreshSession is what a refresh token resolves to.
type RefreshSession struct {
	SessionID string
	UserID    string
}
