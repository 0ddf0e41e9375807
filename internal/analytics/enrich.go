// Package analytics turns raw tracking beacons into enriched analytics events.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dashboard/api/internal/store"
)

const (
	EventPageview = "pageview"
	EventCustom   = "custom"

	maxFieldLength = 2048
)

var ErrInvalidEvent = errors.New("invalid analytics event")

// TrackRequest is the beacon body sent by the browser tracker.
type TrackRequest struct {
	ProjectKey   string         `json:"projectKey"`
	SessionID    string         `json:"sessionId"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	Pathname     string         `json:"pathname"`
	Referrer     string         `json:"referrer"`
	Title        string         `json:"title"`
	ScreenWidth  int            `json:"screenWidth"`
	ScreenHeight int            `json:"screenHeight"`
	Duration     int            `json:"duration"`
	Properties   map[string]any `json:"properties"`
}

// Client describes who sent the beacon.
type Client struct {
	IP        string
	UserAgent string
	Geo       Geo
}

type Geo struct {
	Country string
	Region  string
	City    string
}

// GeoFromHeaders reads the location hints set by common edge proxies.
func GeoFromHeaders(h http.Header) Geo {
	return Geo{
		Country: strings.ToUpper(firstHeader(h, "CF-IPCountry", "X-Vercel-IP-Country", "X-Country-Code")),
		Region:  firstHeader(h, "X-Vercel-IP-Country-Region", "X-Region"),
		City:    decodeHeader(firstHeader(h, "X-Vercel-IP-City", "X-City")),
	}
}

func firstHeader(h http.Header, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(h.Get(name)); value != "" && value != "XX" {
			return value
		}
	}
	return ""
}

func decodeHeader(value string) string {
	if decoded, err := url.QueryUnescape(value); err == nil {
		return decoded
	}
	return value
}

// BuildEvent validates req and enriches it with pathname, UTM, device and visitor data.
func BuildEvent(projectID string, req TrackRequest, client Client, now time.Time) (store.AnalyticsEvent, error) {
	eventType := strings.ToLower(strings.TrimSpace(req.Type))
	if eventType == "" {
		eventType = EventPageview
	}
	if len(eventType) > 32 {
		return store.AnalyticsEvent{}, fmt.Errorf("%w: type too long", ErrInvalidEvent)
	}
	if eventType != EventPageview && strings.TrimSpace(req.Name) == "" {
		eventType, req.Name = EventCustom, eventType
	}
	for field, value := range map[string]string{"url": req.URL, "referrer": req.Referrer, "title": req.Title, "name": req.Name, "sessionId": req.SessionID} {
		if len(value) > maxFieldLength {
			return store.AnalyticsEvent{}, fmt.Errorf("%w: %s too long", ErrInvalidEvent, field)
		}
	}

	pathname := req.Pathname
	if req.URL != "" {
		parsed, err := url.Parse(req.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return store.AnalyticsEvent{}, fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidEvent)
		}
		if pathname == "" {
			pathname = parsed.Path
		}
	}
	if pathname == "" {
		pathname = "/"
	}

	day := now.UTC()
	visitorID := VisitorID(projectID, client.IP, client.UserAgent, day)
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = visitorID[:32]
	}

	agent := ParseUserAgent(client.UserAgent)
	utm := ParseUTM(req.URL)

	return store.AnalyticsEvent{
		ProjectID:    projectID,
		SessionID:    sessionID,
		VisitorID:    visitorID,
		EventType:    eventType,
		EventName:    strings.TrimSpace(req.Name),
		URL:          req.URL,
		Pathname:     pathname,
		Referrer:     req.Referrer,
		Title:        req.Title,
		UTMSource:    utm.Source,
		UTMMedium:    utm.Medium,
		UTMCampaign:  utm.Campaign,
		UTMTerm:      utm.Term,
		UTMContent:   utm.Content,
		Country:      client.Geo.Country,
		Region:       client.Geo.Region,
		City:         client.Geo.City,
		Device:       agent.Device,
		Browser:      agent.Browser,
		OS:           agent.OS,
		ScreenWidth:  clampNonNegative(req.ScreenWidth),
		ScreenHeight: clampNonNegative(req.ScreenHeight),
		DurationMS:   clampNonNegative(req.Duration),
		Properties:   req.Properties,
		CreatedAt:    now.UTC(),
	}, nil
}

func clampNonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

// VisitorID is a daily-rotating pseudonymous visitor hash.
func VisitorID(projectID, ip, userAgent string, day time.Time) string {
	sum := sha256.Sum256([]byte(projectID + "|" + ip + "|" + userAgent + "|" + day.UTC().Format("2006-01-02")))
	return hex.EncodeToString(sum[:])
}

type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

// ParseUTM extracts utm_* parameters from rawURL. Bad URLs yield an empty UTM.
func ParseUTM(rawURL string) UTM {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return UTM{}
	}
	query := parsed.Query()
	return UTM{
		Source:   query.Get("utm_source"),
		Medium:   query.Get("utm_medium"),
		Campaign: query.Get("utm_campaign"),
		Term:     query.Get("utm_term"),
		Content:  query.Get("utm_content"),
	}
}
