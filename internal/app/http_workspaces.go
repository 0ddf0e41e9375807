package app

import (
	"net/http"
)

// handleWorkspaces routes /api/workspaces and everything nested under a workspace id.
func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListWorkspaces(r.Context(), session)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
		case http.MethodPost:
			var body WorkspaceRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.CreateWorkspace(r.Context(), session, body)
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

	workspaceID := parts[0]
	if len(parts) == 1 {
		s.handleWorkspace(w, r, session, workspaceID)
		return
	}

	switch parts[1] {
	case "logo":
		s.handleWorkspaceLogo(w, r, session, workspaceID, parts[2:])
	case "members":
		s.handleMembers(w, r, session, workspaceID, parts[2:])
	case "leave":
		if len(parts) != 2 {
			notFound(w)
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.service.LeaveWorkspace(r.Context(), session, workspaceID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "activity":
		s.handleWorkspaceActivity(w, r, session, workspaceID, parts[2:])
	case "tasks":
		s.handleTasks(w, r, session, workspaceID, parts[2:])
	case "tickets":
		s.handleTickets(w, r, session, workspaceID, parts[2:])
	case "notes":
		s.handleNotes(w, r, session, workspaceID, parts[2:])
	case "mentionables":
		if len(parts) != 2 {
			notFound(w)
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.Mentionables(r.Context(), session, workspaceID, r.URL.Query().Get("q"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, session Session, workspaceID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetWorkspace(r.Context(), session, workspaceID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPatch, http.MethodPut:
		var body WorkspaceUpdateRequest
		if !readBody(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateWorkspace(r.Context(), session, workspaceID, body)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		if err := s.service.DeleteWorkspace(r.Context(), session, workspaceID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleWorkspaceLogo(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	if len(parts) != 0 {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		body, object, err := s.service.WorkspaceLogo(r.Context(), session, workspaceID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeObject(w, body, object)
	case http.MethodPost:
		data, err := readUpload(w, r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		payload, err := s.service.UploadWorkspaceLogo(r.Context(), session, workspaceID, data)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	switch len(parts) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListMembers(r.Context(), session, workspaceID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body InviteRequest
			if !readBody(w, r, &body) {
				return
			}
			result, err := s.service.InviteMember(r.Context(), session, workspaceID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, invitePayloadFor(result))
		default:
			methodNotAllowed(w)
		}
	case 1:
		userID := parts[0]
		switch r.Method {
		case http.MethodPut, http.MethodPatch:
			var body struct {
				Role string `json:"role"`
			}
			if !readBody(w, r, &body) {
				return
			}
			if err := s.service.ChangeMemberRole(r.Context(), session, workspaceID, userID, body.Role); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": body.Role})
		case http.MethodDelete:
			if err := s.service.RemoveMember(r.Context(), session, workspaceID, userID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
	default:
		notFound(w)
	}
}

func invitePayloadFor(result InviteResult) map[string]any {
	payload := map[string]any{"added": result.Added, "workspaceId": result.Workspace.ID}
	if result.Member != nil {
		payload["member"] = memberPayload(*result.Member)
	}
	if result.Invite != nil {
		payload["invite"] = invitePayload(*result.Invite)
	}
	if result.DevToken != "" {
		payload["devInviteToken"] = result.DevToken
	}
	return payload
}

func (s *HTTPServer) handleInvites(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 1 || parts[0] != "accept" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !readBody(w, r, &body) {
		return
	}
	payload, err := s.service.AcceptInvite(r.Context(), session, body.Token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleWorkspaceActivity(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	if len(parts) != 0 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, limit, err := pageParams(r, 50)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items, err := s.service.ListWorkspaceActivity(r.Context(), session, workspaceID, page, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}

func (s *HTTPServer) handleMyActivity(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	page, limit, err := pageParams(r, 50)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items, err := s.service.ListMyActivity(r.Context(), session, page, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, workspaceID string, parts []string) {
	switch len(parts) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			items, err := s.service.ListTasks(r.Context(), session, workspaceID, query.Get("status"), query.Get("assigneeId"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
		case http.MethodPost:
			var body TaskRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.CreateTask(r.Context(), session, workspaceID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			methodNotAllowed(w)
		}
	case 1:
		taskID := parts[0]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetTask(r.Context(), session, workspaceID, taskID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPatch, http.MethodPut:
			var body TaskUpdateRequest
			if !readBody(w, r, &body) {
				return
			}
			payload, err := s.service.UpdateTask(r.Context(), session, workspaceID, taskID, body)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteTask(r.Context(), session, workspaceID, taskID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
	default:
		notFound(w)
	}
}
