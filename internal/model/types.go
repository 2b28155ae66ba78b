package model

import "strings"

// Kind tells the gateway how a service is served.
type Kind string

const (
	KindExternal      Kind = "external"       // proxied to BackendHost
	KindLocalTemplate Kind = "local-template" // rendered from a local file
)

// DefaultRank is used when a service does not set one.
const DefaultRank = 999

// Service is one registry entry: a public name and the backend it maps to.
type Service struct {
	Name        string
	BackendHost string // host or host:port, never a scheme
	BasePath    string // "" or "/base/path", no trailing slash
	Kind        Kind
	Proto       string // named backend transport, "http1" or "auto"
	Template    string // file name for KindLocalTemplate
	Rank        int    // lower sorts first
	Hidden      bool
	Description string
	RateLimit   *RateLimit // optional
	Source      string     // "file" | "env", for conflict logs
}

// RateLimit is a token bucket per service.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Target is what the home page shows for a service.
func (s Service) Target() string {
	if s.Kind == KindLocalTemplate {
		return s.Template
	}
	return s.BackendHost + s.BasePath
}

// BlockedServices can never be proxied, whatever the configuration says.
var BlockedServices = []string{"www", "mail", "ftp", "ssh"}

// IsBlocked reports whether name is on the fixed deny-list.
func IsBlocked(name string) bool {
	for _, b := range BlockedServices {
		if strings.EqualFold(b, name) {
			return true
		}
	}
	return false
}

// ValidName reports whether name only uses [a-zA-Z0-9-_].
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
