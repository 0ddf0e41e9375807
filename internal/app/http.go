package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"dashboard/api/internal/analytics"
	"dashboard/api/internal/auth"
	"dashboard/api/internal/authpw"
	"dashboard/api/internal/config"
	"dashboard/api/internal/logger"
	"dashboard/api/internal/oauth"
	"dashboard/api/internal/ratelimit"
	"dashboard/api/internal/session"
	"dashboard/api/internal/storage"
	"dashboard/api/internal/store"
)

const trackPath = "/api/analytics/track"

type HTTPServer struct {
	service     *Service
	logger      zerolog.Logger
	authLimiter ratelimit.Limiter
	formLimiter ratelimit.Limiter
	corsOrigins []string
	proxies     []netip.Prefix
	now         func() time.Time
}

// NewHTTPServer wires the API routes. Nil limiters disable rate limiting for their policy.
func NewHTTPServer(service *Service, logger zerolog.Logger, authLimiter, formLimiter ratelimit.Limiter, corsOrigins []string) *HTTPServer {
	return &HTTPServer{
		service:     service,
		logger:      logger,
		authLimiter: authLimiter,
		formLimiter: formLimiter,
		corsOrigins: corsOrigins,
		proxies:     mustPrefixes(config.DefaultTrustedProxies),
		now:         time.Now,
	}
}

// TrustProxies replaces the networks whose X-Forwarded-For and X-Real-IP headers are believed.
func (s *HTTPServer) TrustProxies(cidrs []string) error {
	prefixes, err := parsePrefixes(cidrs)
	if err != nil {
		return err
	}
	s.proxies = prefixes
	return nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if !strings.Contains(cidr, "/") {
			addr, err := netip.ParseAddr(cidr)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func mustPrefixes(cidrs []string) []netip.Prefix {
	prefixes, err := parsePrefixes(cidrs)
	if err != nil {
		panic(err)
	}
	return prefixes
}

// Handler returns the router wrapped in request id, access log, CORS and cross-origin protection.
// The tracking beacon is posted from arbitrary sites, so it gets an open CORS policy and no CSRF check.
func (s *HTTPServer) Handler() http.Handler {
	router := withDefaultHeaders(http.HandlerFunc(s.handle))

	protection := csrf.New()
	for _, origin := range s.corsOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			s.logger.Warn().Err(err).Str("origin", origin).Msg("ignoring invalid trusted origin")
		}
	}
	api := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "Content-Disposition"},
		AllowCredentials: true,
	}).Handler(protection.Handler(router))
	beacon := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == trackPath {
			beacon.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
	return s.withClientIP(withRequestID(logger.Requests(s.logger, requestID)(routed)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if isMutation(r.Method) {
		if scope, ok := authLimitedRoutes[r.URL.Path]; ok {
			if !s.allow(w, r, s.authLimiter, scope) {
				return
			}
		} else if !s.allow(w, r, s.formLimiter, "form") {
			return
		}
	}

	if s.handleAuth(w, r) || s.handlePublic(w, r) {
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "sessions":
		s.handleSessions(w, r, session, parts[2:])
	case "users":
		s.handleUsers(w, r, session, parts[2:])
	case "admin":
		s.handleAdmin(w, r, session, parts[2:])
	case "workspaces":
		s.handleWorkspaces(w, r, session, parts[2:])
	case "invites":
		s.handleInvites(w, r, session, parts[2:])
	case "notifications":
		s.handleNotifications(w, r, session, parts[2:])
	case "activity":
		s.handleMyActivity(w, r, session, parts[2:])
	case "dashboard":
		s.handleDashboard(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r, session, parts[2:])
	case "analytics":
		s.handleAnalytics(w, r, session, parts[2:])
	case "changelog":
		s.handleChangelogAdmin(w, r, session, parts[2:])
	case "roadmap":
		s.handleRoadmap(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	configured, err := s.service.PingRedis(ctx)
	switch {
	case !configured:
		checks["redis"] = map[string]any{"status": "disabled"}
	case err != nil:
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	default:
		checks["redis"] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// requireSession accepts a bearer token or the session cookie.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token, _ := auth.TokenFromRequest(r, s.service.SessionCookieName())
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token, clientFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("session lookup")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession returns the caller's session when a valid token is present.
func (s *HTTPServer) optionalSession(r *http.Request) (Session, bool) {
	token, _ := auth.TokenFromRequest(r, s.service.SessionCookieName())
	if token == "" {
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token, clientFromRequest(r))
	if err != nil {
		return Session{}, false
	}
	return session, true
}

var authLimitedRoutes = map[string]string{
	"/api/auth/signin":                 "signin",
	"/api/auth/signup":                 "signup",
	"/api/auth/reset-password/request": "reset",
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// allow applies limiter to the client address. Limiter failures let the request through.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, scope string) bool {
	if limiter == nil {
		return true
	}
	result, err := limiter.Allow(r.Context(), ratelimit.Key(scope, clientIP(r)))
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable")
		return true
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if result.Allowed {
		return true
	}
	retry := result.RetryAfter(s.now())
	w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please try again later", map[string]any{
		"resetAt": result.ResetAt.UTC(),
	})
	return false
}

type clientIPKey struct{}

func (s *HTTPServer) withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := resolveClientIP(r, s.proxies)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip)))
	})
}

// clientIP is the address resolved by withClientIP, or the socket peer outside the middleware.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return peerAddr(r)
}

// resolveClientIP only reads forwarding headers when the socket peer is a trusted proxy.
// X-Forwarded-For is walked from the nearest hop outwards and the first address that is not
// itself a trusted proxy wins, so a client cannot choose its key by prepending entries.
func resolveClientIP(r *http.Request, proxies []netip.Prefix) string {
	peer := peerAddr(r)
	peerIP, err := netip.ParseAddr(peer)
	if err != nil || !trusted(peerIP.Unmap(), proxies) {
		return peer
	}

	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		var outermost string
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				continue
			}
			hop = hop.Unmap()
			if !trusted(hop, proxies) {
				return hop.String()
			}
			outermost = hop.String()
		}
		if outermost != "" {
			return outermost
		}
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.Unmap().String()
	}
	return peer
}

func trusted(addr netip.Addr, proxies []netip.Prefix) bool {
	for _, prefix := range proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromRequest(r *http.Request) Client {
	return Client{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func analyticsClient(r *http.Request) analytics.Client {
	return analytics.Client{IP: clientIP(r), UserAgent: r.UserAgent(), Geo: analytics.GeoFromHeaders(r.Header)}
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func withDefaultHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// readBody decodes JSON into target and writes the 400 reply itself on failure.
func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationError(name + " must be an integer")
	}
	return value, nil
}

func pageParams(r *http.Request, defaultLimit int) (page, limit int, err error) {
	if page, err = queryInt(r, "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(r, "limit", defaultLimit); err != nil {
		return 0, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageSize {
		return 0, 0, validationError("limit must be between 1 and 100")
	}
	return page, limit, nil
}

func queryBool(r *http.Request, name string) bool {
	value, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return value
}

// queryList accepts repeated name[] or name parameters and comma separated values.
func queryList(r *http.Request, name string) []string {
	query := r.URL.Query()
	var out []string
	for _, raw := range append(query[name+"[]"], query[name]...) {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// readUpload reads the "file" field of a multipart form, capped just above the image limit.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageBytes+64<<10)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, storage.ErrTooLarge
		}
		return nil, validationError("file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, storage.MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func writeObject(w http.ResponseWriter, body io.ReadCloser, object storage.Object) {
	defer body.Close()
	w.Header().Set("Content-Type", object.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if object.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(object.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Resource already exists", nil
	case errors.Is(err, store.ErrLastOwner):
		return http.StatusUnprocessableEntity, "LAST_OWNER", "A workspace must keep at least one owner", nil
	case errors.Is(err, store.ErrReferenceMissing):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Referenced record does not exist", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Invalid or expired token", nil
	case errors.Is(err, storage.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", err.Error(), nil
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil
	case isInvalidEvent(err):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, oauth.ErrNotConfigured):
		return http.StatusServiceUnavailable, "OAUTH_UNAVAILABLE", "GitHub sign-in is not configured", nil
	case errors.Is(err, oauth.ErrStateMismatch):
		return http.StatusBadRequest, "OAUTH_STATE_MISMATCH", "Sign-in request expired, please try again", nil
	case errors.Is(err, oauth.ErrNoEmail):
		return http.StatusUnprocessableEntity, "OAUTH_NO_EMAIL", "Your GitHub account has no verified email", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
