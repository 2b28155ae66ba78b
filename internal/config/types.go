package config

import (
	"time"

	"github.com/fabian4/pathmux/internal/model"
)

// Config is built once at startup and never mutated afterwards.
type Config struct {
	Listen          string
	MetricsListen   string // empty => no metrics listener
	NoCache         bool
	TemplatesDir    string
	MaxRewriteBytes int64
	AllowedServices []string
	Services        []model.Service // in definition order, file entries before env entries
	Diagnostics     Diagnostics
	Timeouts        Timeouts
	UpstreamTLS     UpstreamTLS
	Logging         Logging
}

// UpstreamTLS adjusts verification of backend certificates. Backends are
// always reached over TLS.
type UpstreamTLS struct {
	CAFile             string // extra PEM roots, appended to the system pool
	InsecureSkipVerify bool
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Upstream time.Duration
}

// Diagnostics controls the in-process log page.
type Diagnostics struct {
	Enabled     bool
	Path        string // reserved service name, e.g. "_logs"
	BufferLines int
}

type Logging struct {
	Level  string // debug | info | warn | error
	Format string // json | console
	Output string // stdout | stderr | file path
}

const (
	DefaultListen          = ":8080"
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultDiagnosticsPath = "_logs"
	DefaultBufferLines     = 1000
	DefaultMaxRewriteBytes = 32 << 20
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:          DefaultListen,
		TemplatesDir:    "./templates",
		MaxRewriteBytes: DefaultMaxRewriteBytes,
		Diagnostics: Diagnostics{
			Enabled:     false,
			Path:        DefaultDiagnosticsPath,
			BufferLines: DefaultBufferLines,
		},
		Timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    60 * time.Second,
			Upstream: DefaultUpstreamTimeout,
		},
		Logging: Logging{Level: "info", Format: "json", Output: "stdout"},
	}
}
