package app

import (
	"fmt"
	"net/http"
	"strconv"
)

func (s *HTTPServer) handleTickets(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			page, limit, err := pageParams(r, 20)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			query := r.URL.Query()
			payload, err := s.service.ListTickets(r.Context(), session, workspaceID, TicketQuery{
				Statuses:   queryList(r, "status"),
				Priorities: queryList(r, "priority"),
				AssigneeID: query.Get("assigneeId"),
				SortBy:     query.Get("sortBy"),
				SortOrder:  query.Get("sortOrder"),
				Page:       page,
				Limit:      limit,
			})
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body TicketRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.CreateTicket(r.Context(), session, workspaceID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			methodNotAllowed(w)
		}
		return
	}

	ticketID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetTicket(r.Context(), session, workspaceID, ticketID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPatch, http.MethodPut:
			var body TicketUpdateRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.UpdateTicket(r.Context(), session, workspaceID, ticketID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteTicket(r.Context(), session, workspaceID, ticketID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case parts[1] == "comments" && len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.AddTicketComment(r.Context(), session, workspaceID, ticketID, body.Content)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case parts[1] == "relationships" && len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body RelationshipRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.AddTicketRelationship(r.Context(), session, workspaceID, ticketID, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case parts[1] == "relationships" && len(parts) == 3:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.service.RemoveTicketRelationship(r.Context(), session, workspaceID, ticketID, parts[2]); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			page, limit, err := pageParams(r, 20)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			query := r.URL.Query()
			payload, err := s.service.ListNotes(r.Context(), session, workspaceID, NoteQuery{
				Search:    query.Get("search"),
				SortBy:    query.Get("sortBy"),
				SortOrder: query.Get("sortOrder"),
				Page:      page,
				Limit:     limit,
			})
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body NoteRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.CreateNote(r.Context(), session, workspaceID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			methodNotAllowed(w)
		}
		return
	}

	noteID := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetNote(r.Context(), session, workspaceID, noteID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPatch, http.MethodPut:
			var body NoteRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.UpdateNote(r.Context(), session, workspaceID, noteID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteNote(r.Context(), session, workspaceID, noteID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "export":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "html"
		}
		result, err := s.service.ExportNote(r.Context(), session, workspaceID, noteID, format)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	default:
		notFound(w)
	}
}
