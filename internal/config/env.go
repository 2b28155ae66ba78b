package config

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/fabian4/pathmux/internal/model"
)

// Environment variables understood by applyEnv.
const (
	EnvListen          = "PATHMUX_LISTEN"
	EnvMetricsListen   = "PATHMUX_METRICS_LISTEN"
	EnvNoCache         = "PATHMUX_NO_CACHE"
	EnvEnableLogs      = "PATHMUX_ENABLE_LOGS"
	EnvLogLevel        = "PATHMUX_LOG_LEVEL"
	EnvAllowedServices = "PATHMUX_ALLOWED_SERVICES"
	EnvServices        = "PATHMUX_SERVICES" // "api=api.example.com,docs=docs.example.com/base;proto=auto"
)

func (c *Config) applyEnv(env LookupFunc) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := env(key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %v", key, err))
			return
		}
		*dst = b
	}

	str(EnvListen, &c.Listen)
	str(EnvMetricsListen, &c.MetricsListen)
	boolean(EnvNoCache, &c.NoCache)
	boolean(EnvEnableLogs, &c.Diagnostics.Enabled)
	if v, ok := env(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := env(EnvAllowedServices); ok {
		c.AllowedServices = append(c.AllowedServices, trimAll(strings.Split(v, ","))...)
	}

	if v, ok := env(EnvServices); ok {
		for i, pair := range trimAll(strings.Split(v, ",")) {
			name, target, found := strings.Cut(pair, "=")
			if !found {
				errs = multierr.Append(errs, fmt.Errorf("%s[%d]: want name=target, got %q", EnvServices, i, pair))
				continue
			}
			target, opts, _ := strings.Cut(target, ";")
			svc, err := ParseTarget(strings.TrimSpace(name), target)
			if err == nil && opts != "" {
				err = applyServiceOptions(&svc, opts)
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s[%d]: %w", EnvServices, i, err))
				continue
			}
			svc.Source = "env"
			c.Services = append(c.Services, svc)
		}
	}
	return errs
}

// applyServiceOptions reads ";key=value" suffixes of an environment entry.
func applyServiceOptions(svc *model.Service, opts string) error {
	for _, kv := range trimAll(strings.Split(opts, ";")) {
		k, v, _ := strings.Cut(kv, "=")
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "proto":
			p, err := parseProto(v)
			if err != nil {
				return fmt.Errorf("service %q: %w", svc.Name, err)
			}
			svc.Proto = p
		default:
			return fmt.Errorf("service %q: unknown option %q", svc.Name, k)
		}
	}
	return nil
}
