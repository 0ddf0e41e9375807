package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"dashboard/api/internal/rbac"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

var (
	taskStatuses   = []string{"todo", "in_progress", "done"}
	taskPriorities = []string{"low", "medium", "high"}
)

type TaskRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	DueDate     *string `json:"dueDate"`
	AssigneeID  *string `json:"assigneeId"`
}

type TaskUpdateRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Status      *string          `json:"status"`
	Priority    *string          `json:"priority"`
	DueDate     Optional[string] `json:"dueDate"`
	AssigneeID  Optional[string] `json:"assigneeId"`
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" || len(title) > 200 {
		return "", validationError("Title must be 1-200 characters")
	}
	return title, nil
}

// requireMember rejects assignees who are not in the workspace.
func (s *Service) requireMember(ctx context.Context, workspaceID string, userID *string) error {
	if userID == nil {
		return nil
	}
	if !util.IsID(*userID) {
		return validationError("Assignee must be a workspace member")
	}
	if _, err := s.store.GetMemberRole(ctx, workspaceID, *userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return validationError("Assignee must be a workspace member")
		}
		return err
	}
	return nil
}

func (s *Service) ListTasks(ctx context.Context, session Session, workspaceID, status, assigneeID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if status != "" && !oneOf(status, taskStatuses...) {
		return nil, validationError("Unknown task status")
	}
	if assigneeID != "" && !util.IsID(assigneeID) {
		return []map[string]any{}, nil
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{WorkspaceID: workspaceID, Status: status, AssigneeID: assigneeID})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskPayload(task))
	}
	return out, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, workspaceID, taskID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !util.IsID(taskID) {
		return nil, sql.ErrNoRows
	}
	task, err := s.store.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, workspaceID string, req TaskRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	title, err := validateTitle(req.Title)
	if err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = "todo"
	}
	if req.Priority == "" {
		req.Priority = "medium"
	}
	if !oneOf(req.Status, taskStatuses...) {
		return nil, validationError("Status must be todo, in_progress or done")
	}
	if !oneOf(req.Priority, taskPriorities...) {
		return nil, validationError("Priority must be low, medium or high")
	}
	dueDate, err := parseDate(req.DueDate, "dueDate")
	if err != nil {
		return nil, err
	}
	assignee := trimmedPtr(req.AssigneeID)
	if err := s.requireMember(ctx, workspaceID, assignee); err != nil {
		return nil, err
	}

	task := store.Task{
		ID:          util.NewID(),
		WorkspaceID: workspaceID,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     dueDate,
		AssigneeID:  assignee,
		CreatedBy:   session.UserID,
	}
	if task.Status == "done" {
		now := s.now()
		task.CompletedAt = &now
	}
	created, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, &workspaceID, "task.created", "task", created.ID, map[string]any{"title": created.Title})
	return taskPayload(created), nil
}

// UpdateTask sets completed_at when the task moves to done and clears it when it leaves done.
func (s *Service) UpdateTask(ctx context.Context, session Session, workspaceID, taskID string, req TaskUpdateRequest) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if !util.IsID(taskID) {
		return nil, sql.ErrNoRows
	}
	task, err := s.store.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	previousStatus := task.Status

	if req.Title != nil {
		if task.Title, err = validateTitle(*req.Title); err != nil {
			return nil, err
		}
	}
	if req.Description != nil {
		task.Description = strings.TrimSpace(*req.Description)
	}
	if req.Status != nil {
		if !oneOf(*req.Status, taskStatuses...) {
			return nil, validationError("Status must be todo, in_progress or done")
		}
		task.Status = *req.Status
	}
	if req.Priority != nil {
		if !oneOf(*req.Priority, taskPriorities...) {
			return nil, validationError("Priority must be low, medium or high")
		}
		task.Priority = *req.Priority
	}
	if req.DueDate.Set {
		if task.DueDate, err = parseDate(req.DueDate.Value, "dueDate"); err != nil {
			return nil, err
		}
	}
	if req.AssigneeID.Set {
		assignee := trimmedPtr(req.AssigneeID.Value)
		if err := s.requireMember(ctx, workspaceID, assignee); err != nil {
			return nil, err
		}
		task.AssigneeID = assignee
	}

	switch {
	case task.Status == "done" && previousStatus != "done":
		now := s.now()
		task.CompletedAt = &now
	case task.Status != "done":
		task.CompletedAt = nil
	}

	updated, err := s.store.UpdateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	metadata := map[string]any{}
	if previousStatus != updated.Status {
		metadata["from"] = previousStatus
		metadata["to"] = updated.Status
	}
	s.recordActivity(ctx, session, &workspaceID, "task.updated", "task", updated.ID, metadata)
	return taskPayload(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, workspaceID, taskID string) error {
	if _, err := s.authorize(ctx, session, workspaceID, rbac.ActionWrite); err != nil {
		return err
	}
	if !util.IsID(taskID) {
		return sql.ErrNoRows
	}
	if err := s.store.DeleteTask(ctx, workspaceID, taskID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, &workspaceID, "task.deleted", "task", taskID, nil)
	return nil
}
