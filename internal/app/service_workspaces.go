package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dashboard/api/internal/authpw"
	"dashboard/api/internal/rbac"
	"dashboard/api/internal/search"
	"dashboard/api/internal/storage"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

const inviteTTL = 7 * 24 * time.Hour

type WorkspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type WorkspaceUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type InviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// InviteResult says whether the address was added directly or invited by email.
type InviteResult struct {
	Added     bool
	Member    *store.WorkspaceMember
	Invite    *store.WorkspaceInvite
	DevToken  string
	Workspace store.Workspace
}

func validateWorkspaceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return "", validationError("Workspace name must be 1-100 characters")
	}
	return name, nil
}

func validateDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if len(description) > 500 {
		return "", validationError("Description must be at most 500 characters")
	}
	return description, nil
}

func (s *Service) uniqueWorkspaceSlug(ctx context.Context, name, excludeID string) (string, error) {
	return util.UniqueSlug(util.Slugify(name), func(candidate string) (bool, error) {
		return s.store.SlugExists(ctx, candidate, excludeID)
	})
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, req WorkspaceRequest) (map[string]any, error) {
	name, err := validateWorkspaceName(req.Name)
	if err != nil {
		return nil, err
	}
	description, err := validateDescription(req.Description)
	if err != nil {
		return nil, err
	}
	slug, err := s.uniqueWorkspaceSlug(ctx, name, "")
	if err != nil {
		return nil, err
	}

	ws, err := s.store.CreateWorkspace(ctx, store.Workspace{
		ID:          util.NewID(),
		Name:        name,
		Slug:        slug,
		Description: description,
		CreatedBy:   session.UserID,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "A workspace with this name already exists", nil)
		}
		return nil, err
	}

	s.indexWorkspace(ws)
	s.recordActivity(ctx, session, &ws.ID, "workspace.created", "workspace", ws.ID, map[string]any{"name": ws.Name})
	payload := workspacePayload(ws)
	payload["role"] = rbac.RoleOwner
	payload["memberCount"] = 1
	return payload, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	payload := workspacePayload(ws)
	payload["role"] = role
	return payload, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	rows, err := s.store.ListWorkspacesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, workspaceSummaryPayload(row))
	}
	return items, nil
}

// UpdateWorkspace renames the workspace. A new name gets a new slug.
func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID string, req WorkspaceUpdateRequest) (map[string]any, error) {
	role, err := s.authorize(ctx, session, workspaceID, rbac.ActionSettings)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name, err := validateWorkspaceName(*req.Name)
		if err != nil {
			return nil, err
		}
		if name != ws.Name {
			slug, err := s.uniqueWorkspaceSlug(ctx, name, ws.ID)
			if err != nil {
				return nil, err
			}
			ws.Name, ws.Slug = name, slug
		}
	}
	if req.Description != nil {
		description, err := validateDescription(*req.Description)
		if err != nil {
			return nil, err
		}
		ws.Description = description
	}

	updated, err := s.store.UpdateWorkspace(ctx, ws)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "A workspace with this name already exists", nil)
		}
		return nil, err
	}
	s.indexWorkspace(updated)
	s.recordActivity(ctx, session, &updated.ID, "workspace.updated", "workspace", updated.ID, nil)
	payload := workspacePayload(updated)
	payload["role"] = role
	return payload, nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionAdmin); err != nil {
		return err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	s.removeObject(ctx, ws.LogoKey)
	if s.search != nil {
		s.search.Delete(search.ResultWorkspace, workspaceID)
	}
	s.recordActivity(ctx, session, nil, "workspace.deleted", "workspace", workspaceID, map[string]any{"name": ws.Name})
	return nil
}

func (s *Service) UploadWorkspaceLogo(ctx context.Context, session Session, workspaceID string, data []byte) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionSettings); err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, unavailable("STORAGE_UNAVAILABLE", "File storage is not configured")
	}
	contentType, ext, err := storage.DetectImage(data)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	key := storage.ObjectKey("logos", workspaceID, ext)
	if err := s.objects.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, err
	}
	if err := s.store.SetWorkspaceLogo(ctx, workspaceID, key); err != nil {
		return nil, err
	}
	s.removeObject(ctx, ws.LogoKey)

	ws.LogoKey = key
	s.recordActivity(ctx, session, &ws.ID, "workspace.logo_updated", "workspace", ws.ID, nil)
	return workspacePayload(ws), nil
}

func (s *Service) WorkspaceLogo(ctx context.Context, session Session, workspaceID string) (io.ReadCloser, storage.Object, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, storage.Object{}, err
	}
	if s.objects == nil {
		return nil, storage.Object{}, storage.ErrNotFound
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, storage.Object{}, err
	}
	if ws.LogoKey == "" {
		return nil, storage.Object{}, storage.ErrNotFound
	}
	return s.objects.Get(ctx, ws.LogoKey)
}

// ListMembers returns members, plus pending invites for callers who manage members.
func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	role, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, m := range members {
		memberItems = append(memberItems, memberPayload(m))
	}

	inviteItems := []map[string]any{}
	if rbac.Can(role, rbac.ActionManageMembers) {
		invites, err := s.store.ListPendingInvites(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		for _, invite := range invites {
			inviteItems = append(inviteItems, invitePayload(invite))
		}
	}
	return map[string]any{"members": memberItems, "invites": inviteItems}, nil
}

// InviteMember adds a registered user straight away or emails an invite link to an unknown address.
func (s *Service) InviteMember(ctx context.Context, session Session, workspaceID string, req InviteRequest) (InviteResult, error) {
	callerRole, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageMembers)
	if err != nil {
		return InviteResult{}, err
	}
	address, err := authpw.ValidateEmail(req.Email)
	if err != nil {
		return InviteResult{}, validationError("A valid email address is required")
	}
	if req.Role == "" {
		req.Role = string(rbac.RoleMember)
	}
	role := rbac.Role(req.Role)
	if !rbac.Valid(req.Role) || role == rbac.RoleOwner {
		return InviteResult{}, validationError("Role must be admin, member or viewer")
	}
	if rbac.Rank(role) > rbac.Rank(callerRole) {
		return InviteResult{}, errForbidden
	}

	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return InviteResult{}, err
	}

	invitee, err := s.store.GetUserByEmail(ctx, address)
	switch {
	case err == nil:
		member := store.WorkspaceMember{WorkspaceID: workspaceID, UserID: invitee.ID, Role: string(role), InvitedBy: &session.UserID}
		if err := s.store.AddMember(ctx, member); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return InviteResult{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this workspace", nil)
			}
			return InviteResult{}, err
		}
		member.Email = invitee.Email
		member.Username = invitee.Username
		member.FirstName = invitee.FirstName
		member.LastName = invitee.LastName
		member.JoinedAt = s.now()
		s.notifyUsers(ctx, session, []string{invitee.ID}, systemNotice{
			Title:   "Added to " + ws.Name,
			Content: session.UserName + " added you to " + ws.Name + " as " + string(role) + ".",
			Link:    "/workspaces/" + ws.ID,
			Meta:    map[string]any{"workspaceId": ws.ID, "role": role},
		})
		s.recordActivity(ctx, session, &ws.ID, "workspace.member_added", "user", invitee.ID, map[string]any{"role": role})
		return InviteResult{Added: true, Member: &member, Workspace: ws}, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return InviteResult{}, err
	}

	invite := store.WorkspaceInvite{
		ID:          util.NewID(),
		WorkspaceID: workspaceID,
		Email:       address,
		Role:        string(role),
		Token:       util.NewToken(),
		InvitedBy:   session.UserID,
		ExpiresAt:   s.now().Add(inviteTTL),
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateInvite(ctx, invite); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return InviteResult{}, domainError(http.StatusConflict, "INVITE_PENDING", "An invite for this email is already pending", nil)
		}
		return InviteResult{}, err
	}
	s.recordActivity(ctx, session, &ws.ID, "workspace.invite_sent", "invite", invite.ID, map[string]any{"email": address, "role": role})

	result := InviteResult{Invite: &invite, Workspace: ws}
	if !s.emailConfigured() {
		result.DevToken = invite.Token
		return result, nil
	}
	link := s.publicURL("/invite?token=" + url.QueryEscape(invite.Token))
	if err := s.mail.SendWorkspaceInviteEmail(address, session.UserName, ws.Name, string(role), link); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("invite_id", invite.ID).Msg("send invite email")
	}
	return result, nil
}

// AcceptInvite joins the caller to the invite's workspace. The invite must be addressed to the caller.
func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (map[string]any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, validationError("Invite token is required")
	}
	invite, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "INVITE_NOT_FOUND", "Invite not found", nil)
		}
		return nil, err
	}
	if !strings.EqualFold(invite.Email, session.Email) {
		return nil, domainError(http.StatusForbidden, "INVITE_EMAIL_MISMATCH", "This invite was sent to a different email address", nil)
	}
	if invite.AcceptedAt != nil || !invite.ExpiresAt.After(s.now()) {
		return nil, domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired or was already used", nil)
	}

	inviter := invite.InvitedBy
	err = s.store.AcceptInvite(ctx, invite.ID, store.WorkspaceMember{
		WorkspaceID: invite.WorkspaceID,
		UserID:      session.UserID,
		Role:        invite.Role,
		InvitedBy:   &inviter,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired or was already used", nil)
		}
		return nil, err
	}

	s.recordActivity(ctx, session, &invite.WorkspaceID, "workspace.invite_accepted", "invite", invite.ID, nil)
	return s.GetWorkspace(ctx, session, invite.WorkspaceID)
}

// ChangeMemberRole enforces that callers only act on members ranked at or below them and never strand
// the workspace without an owner.
func (s *Service) ChangeMemberRole(ctx context.Context, session Session, workspaceID, userID, role string) error {
	callerRole, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageMembers)
	if err != nil {
		return err
	}
	if !rbac.Valid(role) {
		return validationError("Role must be owner, admin, member or viewer")
	}
	next := rbac.Role(role)
	if !util.IsID(userID) {
		return sql.ErrNoRows
	}
	current, err := s.store.GetMemberRole(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	currentRole := rbac.Normalize(current)

	if rbac.Rank(currentRole) > rbac.Rank(callerRole) || rbac.Rank(next) > rbac.Rank(callerRole) {
		return errForbidden
	}
	if currentRole == next {
		return nil
	}
	if currentRole == rbac.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, workspaceID); err != nil {
			return err
		}
	}

	if err := s.store.UpdateMemberRole(ctx, workspaceID, userID, role); err != nil {
		return err
	}
	s.recordActivity(ctx, session, &workspaceID, "workspace.member_role_changed", "user", userID,
		map[string]any{"from": currentRole, "to": next})
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, workspaceID, userID string) error {
	if userID == session.UserID {
		return s.LeaveWorkspace(ctx, session, workspaceID)
	}
	callerRole, err := s.authorize(ctx, session, workspaceID, rbac.ActionManageMembers)
	if err != nil {
		return err
	}
	if !util.IsID(userID) {
		return sql.ErrNoRows
	}
	current, err := s.store.GetMemberRole(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	targetRole := rbac.Normalize(current)
	if rbac.Rank(targetRole) > rbac.Rank(callerRole) {
		return errForbidden
	}
	if targetRole == rbac.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, workspaceID); err != nil {
			return err
		}
	}

	if err := s.store.RemoveMember(ctx, workspaceID, userID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, &workspaceID, "workspace.member_removed", "user", userID, nil)
	return nil
}

func (s *Service) LeaveWorkspace(ctx context.Context, session Session, workspaceID string) error {
	role, err := s.memberRole(ctx, session, workspaceID)
	if err != nil {
		return err
	}
	if role == rbac.RoleOwner {
		if err := s.ensureAnotherOwner(ctx, workspaceID); err != nil {
			return err
		}
	}
	if err := s.store.RemoveMember(ctx, workspaceID, session.UserID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, &workspaceID, "workspace.left", "workspace", workspaceID, nil)
	return nil
}

func (s *Service) ensureAnotherOwner(ctx context.Context, workspaceID string) error {
	owners, err := s.store.CountOwners(ctx, workspaceID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return domainError(http.StatusUnprocessableEntity, "LAST_OWNER", "A workspace must keep at least one owner", nil)
	}
	return nil
}

func (s *Service) indexWorkspace(ws store.Workspace) {
	if s.search == nil {
		return
	}
	s.search.IndexWorkspace(search.WorkspaceRecord{
		ID:          ws.ID,
		Name:        ws.Name,
		Slug:        ws.Slug,
		Description: ws.Description,
		WorkspaceID: ws.ID,
	})
}
