package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"dashboard/api/internal/authpw"
	"dashboard/api/internal/storage"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-]{5,32}$`)

const maxNameLength = 50

// ProfileUpdateRequest holds the editable profile fields. Nil fields are left alone.
type ProfileUpdateRequest struct {
	Username  *string `json:"username"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Phone     *string `json:"phone"`
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, req ProfileUpdateRequest) (map[string]any, error) {
	update := store.ProfileUpdate{}
	changed := []string{}

	if req.Username != nil {
		username, err := authpw.ValidateUsername(*req.Username)
		if err != nil {
			return nil, validationError("Username must be 3-32 characters of a-z, 0-9, _ or -")
		}
		update.Username = &username
		changed = append(changed, "username")
	}
	if req.FirstName != nil {
		name, err := cleanName(*req.FirstName, "First name")
		if err != nil {
			return nil, err
		}
		update.FirstName = &name
		changed = append(changed, "firstName")
	}
	if req.LastName != nil {
		name, err := cleanName(*req.LastName, "Last name")
		if err != nil {
			return nil, err
		}
		update.LastName = &name
		changed = append(changed, "lastName")
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if phone != "" && !phonePattern.MatchString(phone) {
			return nil, validationError("Phone number is invalid")
		}
		update.Phone = &phone
		changed = append(changed, "phone")
	}
	if len(changed) == 0 {
		return nil, validationError("No profile fields to update")
	}

	user, err := s.store.UpdateUserProfile(ctx, session.UserID, update)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username is already taken", nil)
		}
		return nil, err
	}
	s.recordActivity(ctx, session, nil, "user.profile_updated", "user", session.UserID, map[string]any{"fields": changed})
	return userPayload(user), nil
}

func cleanName(value, label string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) > maxNameLength {
		return "", validationError(label + " must be at most 50 characters")
	}
	return value, nil
}

// UploadAvatar stores the image and points the user at it. The previous object is removed afterwards.
func (s *Service) UploadAvatar(ctx context.Context, session Session, data []byte) (map[string]any, error) {
	if s.objects == nil {
		return nil, unavailable("STORAGE_UNAVAILABLE", "File storage is not configured")
	}
	contentType, ext, err := storage.DetectImage(data)
	if err != nil {
		return nil, err
	}
	previous, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	key := storage.ObjectKey("avatars", session.UserID, ext)
	if err := s.objects.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, err
	}
	if err := s.store.SetUserAvatar(ctx, session.UserID, key); err != nil {
		return nil, err
	}
	s.removeObject(ctx, previous.AvatarKey)

	previous.AvatarKey = key
	s.recordActivity(ctx, session, nil, "user.avatar_updated", "user", session.UserID, nil)
	return userPayload(previous), nil
}

// Avatar opens the stored avatar for userID.
func (s *Service) Avatar(ctx context.Context, userID string) (io.ReadCloser, storage.Object, error) {
	if s.objects == nil {
		return nil, storage.Object{}, storage.ErrNotFound
	}
	if !util.IsID(userID) {
		return nil, storage.Object{}, sql.ErrNoRows
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storage.Object{}, err
	}
	if user.AvatarKey == "" {
		return nil, storage.Object{}, storage.ErrNotFound
	}
	return s.objects.Get(ctx, user.AvatarKey)
}

func (s *Service) removeObject(ctx context.Context, key string) {
	if key == "" || s.objects == nil {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("remove stale object")
	}
}

func (s *Service) ListUsers(ctx context.Context, session Session, search string, page, limit int) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	users, total, err := s.store.ListUsers(ctx, store.UserFilter{
		Search: strings.TrimSpace(search),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user))
	}
	return map[string]any{
		"users":      items,
		"pagination": paginationPayload(page, limit, total),
	}, nil
}

// SetUserAdmin grants or revokes the admin flag. Admins cannot demote themselves.
func (s *Service) SetUserAdmin(ctx context.Context, session Session, userID string, isAdmin bool) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	if !util.IsID(userID) {
		return nil, sql.ErrNoRows
	}
	if userID == session.UserID && !isAdmin {
		return nil, validationError("You cannot remove your own admin access")
	}
	if err := s.store.SetUserAdmin(ctx, userID, isAdmin); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, nil, "admin.user_role_changed", "user", userID, map[string]any{"isAdmin": isAdmin})
	return userPayload(user), nil
}
