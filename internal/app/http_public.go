package app

import (
	"net/http"

	"dashboard/api/internal/analytics"
)

const defaultChangelogLimit = 50

// handlePublic serves the routes that are open to anonymous callers.
func (s *HTTPServer) handlePublic(w http.ResponseWriter, r *http.Request) bool {
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		return false
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == trackPath:
		var body analytics.TrackRequest
		if !readBody(w, r, &body) {
			return true
		}
		if err := s.service.Track(r.Context(), body, analyticsClient(r)); err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "users" && parts[3] == "avatar":
		body, object, err := s.service.Avatar(r.Context(), parts[2])
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeObject(w, body, object)
	case r.Method == http.MethodGet && r.URL.Path == "/api/export/formats":
		writeJSON(w, http.StatusOK, map[string]any{"formats": s.service.ExportFormats()})
	case parts[1] == "changelog":
		return s.handleChangelog(w, r, parts[2:])
	case parts[1] == "roadmap" && r.Method == http.MethodGet && len(parts) <= 3:
		viewerID := ""
		if session, ok := s.optionalSession(r); ok {
			viewerID = session.UserID
		}
		var (
			payload map[string]any
			err     error
		)
		if len(parts) == 2 {
			payload, err = s.service.Roadmap(r.Context(), viewerID)
		} else {
			payload, err = s.service.RoadmapItem(r.Context(), viewerID, parts[2])
		}
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		return false
	}
	return true
}

// handleChangelog serves the anonymous changelog routes. Voter details fall through to the admin handler.
func (s *HTTPServer) handleChangelog(w http.ResponseWriter, r *http.Request, parts []string) bool {
	client := clientFromRequest(r)
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", defaultChangelogLimit)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		payload, err := s.service.Changelog(r.Context(), client, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", defaultChangelogLimit)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		stats, err := s.service.ChangelogStats(limit)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, stats)
	case len(parts) == 1 && parts[0] == "top" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 10)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		items, err := s.service.TopChangelogEntries(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": items})
	case len(parts) == 1 && r.Method == http.MethodGet:
		entry, err := s.service.ChangelogEntry(r.Context(), client, parts[0])
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, entry)
	case len(parts) == 2 && parts[1] == "vote" && r.Method == http.MethodPost:
		payload, err := s.service.ToggleChangelogVote(r.Context(), client, parts[0])
		if err != nil {
			writeServiceError(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleChangelogAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 2 || parts[1] != "voters" {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	voters, err := s.service.ChangelogVoters(r.Context(), session, parts[0])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voters": voters})
}

func (s *HTTPServer) handleRoadmap(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body RoadmapRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateRoadmapItem(r.Context(), session, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		var body RoadmapRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateRoadmapItem(r.Context(), session, parts[0], body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRoadmapItem(r.Context(), session, parts[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "vote" && r.Method == http.MethodPost:
		payload, err := s.service.ToggleRoadmapVote(r.Context(), session, parts[0])
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) <= 1 || (len(parts) == 2 && parts[1] == "vote"):
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		page, limit, err := pageParams(r, 20)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		payload, err := s.service.ListNotifications(r.Context(), session, NotificationQuery{
			UnreadOnly: queryBool(r, "unread"),
			Archived:   queryBool(r, "archived"),
			Type:       r.URL.Query().Get("type"),
			Page:       page,
			Limit:      limit,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body NotificationRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateNotification(r.Context(), session, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet:
		payload, err := s.service.NotificationStats(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "read" && r.Method == http.MethodPost:
		var body struct {
			IDs []string `json:"ids"`
			All bool     `json:"all"`
		}
		if !readBody(w, r, &body) {
			return
		}
		count, err := s.service.MarkNotificationsRead(r.Context(), session, body.IDs, body.All)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": count})
	case len(parts) == 1 && parts[0] == "read-all" && r.Method == http.MethodPost:
		count, err := s.service.MarkNotificationsRead(r.Context(), session, nil, true)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": count})
	case len(parts) == 2 && parts[1] == "archive" && r.Method == http.MethodPost:
		if err := s.service.ArchiveNotification(r.Context(), session, parts[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) <= 1:
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	payload, err := s.service.Dashboard(r.Context(), session)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	query := r.URL.Query()
	payload, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), query.Get("workspaceId"), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleAnalytics(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 || parts[0] != "projects" {
		notFound(w)
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListProjects(r.Context(), session)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body ProjectRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.CreateProject(r.Context(), session, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case len(parts) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetProject(r.Context(), session, parts[0])
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		var body ProjectRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateProject(r.Context(), session, parts[0], body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(r.Context(), session, parts[0]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "metrics" && r.Method == http.MethodGet:
		query := r.URL.Query()
		payload, err := s.service.Metrics(r.Context(), session, parts[0], MetricsQuery{
			From:     query.Get("from"),
			To:       query.Get("to"),
			Country:  query.Get("country"),
			Device:   query.Get("device"),
			Pathname: query.Get("pathname"),
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) <= 1 || (len(parts) == 2 && parts[1] == "metrics"):
		methodNotAllowed(w)
	default:
		notFound(w)
	}
}
