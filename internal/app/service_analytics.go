package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"dashboard/api/internal/analytics"
	"dashboard/api/internal/store"
	"dashboard/api/internal/util"
)

const defaultMetricsRange = 30 * 24 * time.Hour

type ProjectRequest struct {
	Name     *string `json:"name"`
	Domain   *string `json:"domain"`
	IsActive *bool   `json:"isActive"`
}

type MetricsQuery struct {
	From     string
	To       string
	Country  string
	Device   string
	Pathname string
}

func cleanDomain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(strings.TrimPrefix(domain, "https://"), "http://")
	domain = strings.TrimSuffix(domain, "/")
	if domain == "" || len(domain) > 253 || strings.ContainsAny(domain, " /?#") {
		return "", validationError("Domain must be a host name such as example.com")
	}
	return domain, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, req ProjectRequest) (map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	if req.Name == nil || req.Domain == nil {
		return nil, validationError("Name and domain are required")
	}
	name := strings.TrimSpace(*req.Name)
	if name == "" || len(name) > 100 {
		return nil, validationError("Name must be 1-100 characters")
	}
	domain, err := cleanDomain(*req.Domain)
	if err != nil {
		return nil, err
	}

	project, err := s.store.CreateAnalyticsProject(ctx, store.AnalyticsProject{
		ID:        util.NewID(),
		Name:      name,
		Domain:    domain,
		PublicKey: "pk_" + util.NewToken()[:32],
		CreatedBy: &session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, nil, "analytics.project_created", "analytics_project", project.ID, map[string]any{"domain": domain})
	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	if err := s.requireAdmin(session); err != nil {
		return nil, err
	}
	projects, err := s.store.ListAnalyticsProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectPayload(p))
	}
	return out, nil
}

func (s *Service) loadProject(ctx context.Context, session Session, projectID string) (store.AnalyticsProject, error) {
	if err := s.requireAdmin(session); err != nil {
		return store.AnalyticsProject{}, err
	}
	if !util.IsID(projectID) {
		return store.AnalyticsProject{}, sql.ErrNoRows
	}
	return s.store.GetAnalyticsProject(ctx, projectID)
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, req ProjectRequest) (map[string]any, error) {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 100 {
			return nil, validationError("Name must be 1-100 characters")
		}
		project.Name = name
	}
	if req.Domain != nil {
		if project.Domain, err = cleanDomain(*req.Domain); err != nil {
			return nil, err
		}
	}
	if req.IsActive != nil {
		project.IsActive = *req.IsActive
	}
	updated, err := s.store.UpdateAnalyticsProject(ctx, project)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, session, nil, "analytics.project_updated", "analytics_project", updated.ID, nil)
	return projectPayload(updated), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.loadProject(ctx, session, projectID); err != nil {
		return err
	}
	if err := s.store.DeleteAnalyticsProject(ctx, projectID); err != nil {
		return err
	}
	s.recordActivity(ctx, session, nil, "analytics.project_deleted", "analytics_project", projectID, nil)
	return nil
}

// Track records one beacon. Unknown and inactive project keys both answer 404.
func (s *Service) Track(ctx context.Context, req analytics.TrackRequest, client analytics.Client) error {
	key := strings.TrimSpace(req.ProjectKey)
	if key == "" {
		return validationError("projectKey is required")
	}
	project, err := s.store.GetAnalyticsProjectByKey(ctx, key)
	if err != nil {
		return err
	}
	if !project.IsActive {
		return sql.ErrNoRows
	}
	event, err := analytics.BuildEvent(project.ID, req, client, s.now())
	if err != nil {
		return err
	}
	return s.store.InsertAnalyticsEvent(ctx, event)
}

func parseMetricsTime(value, field string) (time.Time, bool, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, false, nil
	}
	parsed, err := parseDate(&value, field)
	if err != nil {
		return time.Time{}, false, err
	}
	return *parsed, true, nil
}

// Metrics defaults to the last 30 days.
func (s *Service) Metrics(ctx context.Context, session Session, projectID string, q MetricsQuery) (map[string]any, error) {
	project, err := s.loadProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	to, ok, err := parseMetricsTime(q.To, "to")
	if err != nil {
		return nil, err
	}
	if !ok {
		to = now
	}
	from, ok, err := parseMetricsTime(q.From, "from")
	if err != nil {
		return nil, err
	}
	if !ok {
		from = to.Add(-defaultMetricsRange)
	}
	if !from.Before(to) {
		return nil, validationError("from must be before to")
	}

	metrics, err := s.store.AnalyticsMetrics(ctx, store.AnalyticsFilter{
		ProjectID: project.ID,
		From:      from,
		To:        to,
		Country:   strings.ToUpper(strings.TrimSpace(q.Country)),
		Device:    strings.ToLower(strings.TrimSpace(q.Device)),
		Pathname:  strings.TrimSpace(q.Pathname),
	}, now)
	if err != nil {
		return nil, err
	}
	payload := metricsPayload(metrics)
	payload["range"] = map[string]any{"from": from, "to": to}
	return payload, nil
}

func isInvalidEvent(err error) bool {
	return errors.Is(err, analytics.ErrInvalidEvent)
}
