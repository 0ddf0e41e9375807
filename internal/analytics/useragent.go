package analytics

import "strings"

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
	unknown       = "unknown"
)

type Agent struct {
	Device  string
	Browser string
	OS      string
}

type marker struct {
	token string
	name  string
}

// Order matters: Edge and Opera carry "Chrome" and Chrome carries "Safari".
var browserMarkers = []marker{
	{"edg/", "Edge"},
	{"edge/", "Edge"},
	{"opr/", "Opera"},
	{"opera", "Opera"},
	{"samsungbrowser", "Samsung Internet"},
	{"firefox/", "Firefox"},
	{"fxios/", "Firefox"},
	{"crios/", "Chrome"},
	{"chrome/", "Chrome"},
	{"chromium/", "Chrome"},
	{"safari/", "Safari"},
	{"msie ", "Internet Explorer"},
	{"trident/", "Internet Explorer"},
}

var osMarkers = []marker{
	{"windows", "Windows"},
	{"iphone", "iOS"},
	{"ipad", "iOS"},
	{"ipod", "iOS"},
	{"android", "Android"},
	{"cros ", "ChromeOS"},
	{"mac os x", "macOS"},
	{"macintosh", "macOS"},
	{"linux", "Linux"},
}

var botTokens = []string{"bot", "crawler", "spider", "slurp", "headless", "lighthouse", "curl/", "wget/"}

// ParseUserAgent classifies a User-Agent header into device, browser and OS.
func ParseUserAgent(ua string) Agent {
	lower := strings.ToLower(ua)
	if strings.TrimSpace(lower) == "" {
		return Agent{Device: unknown, Browser: unknown, OS: unknown}
	}

	agent := Agent{
		Device:  DeviceDesktop,
		Browser: match(lower, browserMarkers),
		OS:      match(lower, osMarkers),
	}

	switch {
	case containsAny(lower, botTokens):
		agent.Device = DeviceBot
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")):
		agent.Device = DeviceTablet
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "ipod"):
		agent.Device = DeviceMobile
	}
	return agent
}

func match(lower string, markers []marker) string {
	for _, m := range markers {
		if strings.Contains(lower, m.token) {
			return m.name
		}
	}
	return unknown
}

func containsAny(lower string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
