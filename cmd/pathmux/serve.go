package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fabian4/pathmux/internal/config"
	"github.com/fabian4/pathmux/internal/forward"
	"github.com/fabian4/pathmux/internal/handler"
	"github.com/fabian4/pathmux/internal/logbuf"
	"github.com/fabian4/pathmux/internal/logging"
	"github.com/fabian4/pathmux/internal/metrics"
	"github.com/fabian4/pathmux/internal/proxy"
	"github.com/fabian4/pathmux/internal/registry"
	"github.com/fabian4/pathmux/internal/version"
)

const shutdownTimeout = 5 * time.Second

func serve(ctx context.Context, c *config.Config) (err error) {
	var (
		logs  handler.LogSource
		sinks []zapcore.WriteSyncer
	)
	if c.Diagnostics.Enabled {
		buf := logbuf.New(c.Diagnostics.BufferLines)
		logs = buf
		sinks = append(sinks, buf)
	}
	logger, err := logging.New(c.Logging, sinks...)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	services := registry.New(c.Services, logger.Named("registry"), reservedNames(c)...)
	opts, err := transportOptions(c.UpstreamTLS)
	if err != nil {
		return err
	}
	if opts.InsecureSkipVerify {
		logger.Warn("backend certificate verification is disabled")
	}
	transports := forward.NewRegistry(opts)
	defer transports.CloseIdle()
	m := metrics.NewRegistry()

	gw := handler.NewGateway(handler.Deps{
		Config:     c,
		Services:   services,
		Transports: transports,
		Tunnel:     proxy.NewTunnel(transports.TLSConfig(), transports.Dialer(), logger.Named("tunnel"), m),
		Metrics:    m,
		Logs:       logs,
		Logger:     logger,
	})

	servers := []*http.Server{{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}}
	if c.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: c.MetricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	logger.Info("pathmux starting",
		zap.String("version", version.Value),
		zap.String("listen", c.Listen),
		zap.String("metrics_listen", c.MetricsListen),
		zap.Int("services", services.Len()),
		zap.Bool("no_cache", c.NoCache),
		zap.Bool("diagnostics", c.Diagnostics.Enabled),
	)

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return err
}

func transportOptions(t config.UpstreamTLS) (forward.Options, error) {
	opts := forward.DefaultOptions()
	opts.InsecureSkipVerify = t.InsecureSkipVerify
	if t.CAFile == "" {
		return opts, nil
	}
	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return opts, fmt.Errorf("upstream_tls.ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return opts, fmt.Errorf("upstream_tls.ca_file: no certificates in %s", t.CAFile)
	}
	opts.RootCAs = pool
	return opts, nil
}
