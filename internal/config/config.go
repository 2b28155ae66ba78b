package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/pathmux/internal/forward"
	"github.com/fabian4/pathmux/internal/model"
)

type rawConfig struct {
	Listen          string   `yaml:"listen"`
	MetricsListen   string   `yaml:"metrics_listen"`
	NoCache         bool     `yaml:"no_cache"`
	TemplatesDir    string   `yaml:"templates_dir"`
	MaxRewriteBytes int64    `yaml:"max_rewrite_bytes"`
	AllowedServices []string `yaml:"allowed_services"`
	Diagnostics     struct {
		Enabled     *bool  `yaml:"enabled"`
		Path        string `yaml:"path"`
		BufferLines int    `yaml:"buffer_lines"`
	} `yaml:"diagnostics"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	UpstreamTLS struct {
		CAFile             string `yaml:"ca_file"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"upstream_tls"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Services []struct {
		Name        string `yaml:"name"`
		Target      string `yaml:"target"`
		Rank        *int   `yaml:"rank"`
		Hidden      bool   `yaml:"hidden"`
		Description string `yaml:"description"`
		Proto       string `yaml:"proto"`
		RateLimit   *struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"services"`
}

// LookupFunc reads one environment variable; os.LookupEnv in production.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path (skipped when path is empty), then applies
// the environment overlay. The returned Config is treated as read-only.
func Load(path string, env LookupFunc) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := c.applyYAML(b); err != nil {
			return nil, err
		}
	}
	if env != nil {
		if err := c.applyEnv(env); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyYAML(b []byte) error {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}

	if v := strings.TrimSpace(rc.Listen); v != "" {
		c.Listen = v
	}
	c.MetricsListen = strings.TrimSpace(rc.MetricsListen)
	c.NoCache = rc.NoCache
	if v := strings.TrimSpace(rc.TemplatesDir); v != "" {
		c.TemplatesDir = v
	}
	if rc.MaxRewriteBytes > 0 {
		c.MaxRewriteBytes = rc.MaxRewriteBytes
	}
	c.AllowedServices = trimAll(rc.AllowedServices)

	// diagnostics
	if rc.Diagnostics.Enabled != nil {
		c.Diagnostics.Enabled = *rc.Diagnostics.Enabled
	}
	if v := strings.TrimSpace(rc.Diagnostics.Path); v != "" {
		c.Diagnostics.Path = strings.Trim(v, "/")
	}
	if rc.Diagnostics.BufferLines > 0 {
		c.Diagnostics.BufferLines = rc.Diagnostics.BufferLines
	}

	// timeouts
	var errs error
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeouts.read", rc.Timeouts.Read, &c.Timeouts.Read},
		{"timeouts.write", rc.Timeouts.Write, &c.Timeouts.Write},
		{"timeouts.upstream", rc.Timeouts.Upstream, &c.Timeouts.Upstream},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %v", d.name, err))
			continue
		}
		*d.dst = v
	}

	c.UpstreamTLS.CAFile = strings.TrimSpace(rc.UpstreamTLS.CAFile)
	c.UpstreamTLS.InsecureSkipVerify = rc.UpstreamTLS.InsecureSkipVerify

	// logging
	if v := strings.TrimSpace(rc.Logging.Level); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(rc.Logging.Format); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(rc.Logging.Output); v != "" {
		c.Logging.Output = v
	}

	// services
	for i, s := range rc.Services {
		svc, err := ParseTarget(strings.TrimSpace(s.Name), s.Target)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		if s.Rank != nil {
			svc.Rank = *s.Rank
		}
		svc.Hidden = s.Hidden
		svc.Description = strings.TrimSpace(s.Description)
		if s.Proto != "" {
			if svc.Proto, err = parseProto(s.Proto); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("services[%d]: %w", i, err))
				continue
			}
		}
		if s.RateLimit != nil {
			if s.RateLimit.RequestsPerSecond <= 0 || s.RateLimit.Burst <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("services[%d]: rate_limit needs positive requests_per_second and burst", i))
				continue
			}
			svc.RateLimit = &model.RateLimit{
				RequestsPerSecond: s.RateLimit.RequestsPerSecond,
				Burst:             s.RateLimit.Burst,
			}
		}
		svc.Source = "file"
		c.Services = append(c.Services, svc)
	}
	return errs
}

const localTemplatePrefix = "local-template:"

// ParseTarget turns "host.example.com/base/path" or "local-template:file.html"
// into a service entry. Name validity is checked by the registry, not here.
func ParseTarget(name, target string) (model.Service, error) {
	if name == "" {
		return model.Service{}, errors.New("name is required")
	}
	t := strings.TrimSpace(target)
	svc := model.Service{Name: name, Kind: model.KindExternal, Rank: model.DefaultRank, Proto: forward.ProtoHTTP1}

	if strings.HasPrefix(t, localTemplatePrefix) {
		file := strings.TrimSpace(strings.TrimPrefix(t, localTemplatePrefix))
		if file == "" || strings.Contains(file, "..") {
			return model.Service{}, fmt.Errorf("service %q: invalid template %q", name, file)
		}
		svc.Kind = model.KindLocalTemplate
		svc.Template = file
		return svc, nil
	}

	t = strings.TrimPrefix(t, "https://")
	t = strings.TrimPrefix(t, "http://")
	host, base := t, ""
	if i := strings.IndexByte(t, '/'); i >= 0 {
		host, base = t[:i], strings.TrimRight(t[i:], "/")
	}
	if host == "" || strings.ContainsAny(host, " ?#@") {
		return model.Service{}, fmt.Errorf("service %q: invalid target %q", name, target)
	}
	svc.BackendHost = strings.ToLower(host)
	svc.BasePath = base
	return svc, nil
}

// parseProto accepts the transport names registered by forward.NewRegistry.
func parseProto(v string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(v)); p {
	case forward.ProtoHTTP1, forward.ProtoAuto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown proto %q, want %s or %s", v, forward.ProtoHTTP1, forward.ProtoAuto)
	}
}

func (c *Config) validate() error {
	var errs error
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Timeouts.Upstream <= 0 {
		errs = multierr.Append(errs, errors.New("timeouts.upstream: must be positive"))
	}
	if c.Diagnostics.Enabled && !model.ValidName(c.Diagnostics.Path) {
		errs = multierr.Append(errs, fmt.Errorf("diagnostics.path: invalid name %q", c.Diagnostics.Path))
	}
	return errs
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
