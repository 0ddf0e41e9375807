package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTicket    ResultType = "ticket"
	ResultNote      ResultType = "note"
	ResultWorkspace ResultType = "workspace"
)

// ParseResultType accepts "", "ticket", "note" and "workspace".
func ParseResultType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "", ResultTicket, ResultNote, ResultWorkspace:
		return ResultType(value), true
	default:
		return "", false
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	WorkspaceID string     `json:"workspaceId"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request. Only entities inside WorkspaceIDs are returned.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	WorkspaceIDs []string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// TicketRecord is the data we index for a ticket.
type TicketRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	WorkspaceID string `json:"workspaceId"`
}

// NoteRecord is the data we index for a note.
type NoteRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	WorkspaceID string `json:"workspaceId"`
}

// WorkspaceRecord is the data we index for a workspace.
type WorkspaceRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	WorkspaceID string `json:"workspaceId"`
}

// Records is a full snapshot used for reindexing.
type Records struct {
	Tickets    []TicketRecord
	Notes      []NoteRecord
	Workspaces []WorkspaceRecord
}
