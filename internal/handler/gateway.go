package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fabian4/pathmux/internal/config"
	"github.com/fabian4/pathmux/internal/forward"
	"github.com/fabian4/pathmux/internal/logbuf"
	"github.com/fabian4/pathmux/internal/logging"
	"github.com/fabian4/pathmux/internal/metrics"
	"github.com/fabian4/pathmux/internal/model"
	"github.com/fabian4/pathmux/internal/pages"
	"github.com/fabian4/pathmux/internal/proxy"
	"github.com/fabian4/pathmux/internal/ratelimit"
	"github.com/fabian4/pathmux/internal/registry"
	"github.com/fabian4/pathmux/internal/rewrite"
	"github.com/fabian4/pathmux/internal/router"
	"github.com/fabian4/pathmux/internal/version"
)

// TunnelServer relays a WebSocket session; *proxy.Tunnel implements it.
type TunnelServer interface {
	Serve(w http.ResponseWriter, r *http.Request, svc model.Service, path string)
}

// LogSource feeds the diagnostics page; *logbuf.Buffer implements it.
type LogSource interface {
	Lines() []logbuf.Line
}

// Deps are the collaborators of a Gateway. Tunnel, Metrics, Logs and Logger
// may be nil.
type Deps struct {
	Config     *config.Config
	Services   *registry.Registry
	Transports forward.Factory // one client per transport name, see Service.Proto
	Tunnel     TunnelServer
	Metrics    *metrics.Registry
	Logs       LogSource
	Logger     *zap.Logger
}

type Gateway struct {
	cfg      *config.Config
	services *registry.Registry
	router   *router.Router
	clients  map[string]*forward.Client // by transport name, built once
	tunnel   TunnelServer
	post     *proxy.PostProcessor
	limiter  *ratelimit.Limiter
	metrics  *metrics.Registry
	logs     LogSource

	logger *zap.Logger
	access *zap.Logger
	mux    chi.Router
}

var _ http.Handler = (*Gateway)(nil)

func NewGateway(d Deps) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:      d.Config,
		services: d.Services,
		router:   router.New(d.Services, d.Config.AllowedServices),
		clients:  newClients(d.Transports, d.Services, d.Config.Timeouts.Upstream),
		tunnel:   d.Tunnel,
		post: &proxy.PostProcessor{
			NoCache:         d.Config.NoCache,
			MaxRewriteBytes: d.Config.MaxRewriteBytes,
			Logger:          logger.Named("rewrite"),
		},
		limiter: ratelimit.NewLimiter(),
		metrics: d.Metrics,
		logs:    d.Logs,
		logger:  logger.Named("proxy"),
		access:  logger.Named("access"),
	}

	r := chi.NewRouter()
	r.Use(g.accessLog)
	r.Use(middleware.Recoverer)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/", g.home)
	r.Head("/", g.home)
	r.HandleFunc("/ws/*", g.wsPrefixed)
	r.HandleFunc("/*", g.dispatch)
	g.mux = r
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) home(w http.ResponseWriter, r *http.Request) {
	d := pages.HomeData{
		AppName:  "pathmux",
		Version:  version.Value,
		NoCache:  g.cfg.NoCache,
		Services: pages.HomeServices(g.services.Visible()),
	}
	if g.diagnosticsEnabled() {
		d.DiagnosticsPath = g.cfg.Diagnostics.Path
	}
	if g.cfg.NoCache {
		proxy.SetNoCache(w.Header())
	}
	if err := pages.Home(w, d); err != nil {
		g.log(r).Error("render home page", zap.Error(err))
	}
}

// wsPrefixed serves "/ws/{service}/{path}". Without an upgrade the request is
// an ordinary one for a service that happens to be called "ws".
func (g *Gateway) wsPrefixed(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		g.dispatch(w, r)
		return
	}
	service, path, _ := router.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/ws"))
	g.openTunnel(w, r, service, path)
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	service, rest, slash := router.Split(r.URL.EscapedPath())

	if g.diagnosticsEnabled() && service == g.cfg.Diagnostics.Path {
		g.diagnostics(w, r, rest, slash)
		return
	}
	if websocket.IsWebSocketUpgrade(r) && (rest == "ws" || strings.HasPrefix(rest, "ws/")) {
		g.openTunnel(w, r, service, strings.TrimPrefix(strings.TrimPrefix(rest, "ws"), "/"))
		return
	}

	d := g.router.Route(service, rest, slash)
	ri := infoFrom(r.Context())
	ri.outcome = d.Kind.String()
	switch d.Kind {
	case router.Blocked:
		ri.service = service
		g.blocked(w, service)
	case router.Unresolved:
		if err := pages.ServiceNotFound(w, service); err != nil {
			g.log(r).Error("render not-found page", zap.Error(err))
		}
	case router.RedirectToSlash:
		ri.service = d.Service.Name
		redirectToSlash(w, r, service)
	case router.Proxy:
		ri.service = d.Service.Name
		g.serveService(w, r, d.Service, d.SubPath)
	}
}

func (g *Gateway) diagnosticsEnabled() bool {
	return g.cfg.Diagnostics.Enabled && g.logs != nil
}

func (g *Gateway) diagnostics(w http.ResponseWriter, r *http.Request, rest string, slash bool) {
	if rest == "" && !slash {
		redirectToSlash(w, r, g.cfg.Diagnostics.Path)
		return
	}
	if err := pages.Logs(w, g.logs.Lines()); err != nil {
		g.log(r).Error("render logs page", zap.Error(err))
	}
}

func (g *Gateway) blocked(w http.ResponseWriter, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "service blocked", "service": service})
}

// redirectToSlash keeps the query string. Methods with a body get 308 so the
// body is resent.
func redirectToSlash(w http.ResponseWriter, r *http.Request, service string) {
	target := "/" + service + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	code := http.StatusMovedPermanently
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		code = http.StatusPermanentRedirect
	}
	http.Redirect(w, r, target, code)
}

func (g *Gateway) serveService(w http.ResponseWriter, r *http.Request, svc model.Service, subPath string) {
	if !g.limiter.Allow(svc.Name, svc.RateLimit) {
		g.metrics.IncRateLimited(svc.Name)
		w.Header().Set("Retry-After", "1")
		_ = pages.Error(w, http.StatusTooManyRequests, "Too many requests for this service, try again shortly.", logging.RequestID(r.Context()))
		return
	}
	if svc.Kind == model.KindLocalTemplate {
		g.serveTemplate(w, r, svc)
		return
	}
	g.forward(w, r, svc, subPath)
}

func (g *Gateway) serveTemplate(w http.ResponseWriter, r *http.Request, svc model.Service) {
	b, err := os.ReadFile(filepath.Join(g.cfg.TemplatesDir, filepath.Clean("/"+svc.Template)))
	if err != nil {
		g.log(r).Error("read local template", zap.String("service", svc.Name), zap.Error(err))
		_ = pages.Error(w, http.StatusInternalServerError, "This page is not available right now.", logging.RequestID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if g.cfg.NoCache {
		proxy.SetNoCache(w.Header())
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(b)
	}
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, svc model.Service, subPath string) {
	log := g.log(r).With(zap.String("service", svc.Name))
	ri := infoFrom(r.Context())

	req, err := proxy.BuildUpstream(r.Context(), r, svc, subPath)
	if err != nil {
		log.Warn("cannot build upstream request", zap.Error(err))
		_ = pages.Error(w, http.StatusBadRequest, "The request could not be forwarded.", logging.RequestID(r.Context()))
		return
	}
	ri.upstream = req.URL.String()

	start := time.Now()
	res, err := g.clientFor(svc).Send(req)
	g.metrics.ObserveLatency(svc.Name, time.Since(start))
	if err != nil {
		g.upstreamFailed(w, r, svc, err)
		return
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			log.Debug("close upstream body", zap.Error(err))
		}
	}()

	rc := rewrite.Context{Service: svc.Name, BackendHost: svc.BackendHost}
	out, err := g.post.Process(res, rc, subPath)
	if err != nil {
		g.upstreamFailed(w, r, svc, err)
		return
	}
	ri.outcome = out.Outcome.String()
	g.metrics.IncBody(svc.Name, out.Outcome.String())

	if out.Outcome == proxy.PathNotFound {
		log.Info("backend path not found", zap.String("path", "/"+subPath))
		if err := pages.PathNotFound(w, svc.Name, "/"+subPath, svc.Target()); err != nil {
			log.Error("render path-not-found page", zap.Error(err))
		}
		return
	}

	proxy.CopyHeaders(w.Header(), out.Header)
	w.WriteHeader(out.StatusCode)
	if err := copyBody(w, out.Body, out.Outcome == proxy.Streamed); err != nil {
		log.Debug("copy response body", zap.Error(err))
	}
}

// newClients builds a client for http1 and for every transport a service asks
// for.
func newClients(f forward.Factory, services *registry.Registry, timeout time.Duration) map[string]*forward.Client {
	clients := map[string]*forward.Client{
		forward.ProtoHTTP1: forward.NewClient(f.Get(forward.ProtoHTTP1), timeout),
	}
	for _, s := range services.All() {
		if _, ok := clients[s.Proto]; !ok && s.Proto != "" {
			clients[s.Proto] = forward.NewClient(f.Get(s.Proto), timeout)
		}
	}
	return clients
}

func (g *Gateway) clientFor(svc model.Service) *forward.Client {
	if c, ok := g.clients[svc.Proto]; ok {
		return c
	}
	return g.clients[forward.ProtoHTTP1]
}

func (g *Gateway) upstreamFailed(w http.ResponseWriter, r *http.Request, svc model.Service, err error) {
	log := g.log(r).With(zap.String("service", svc.Name))
	if r.Context().Err() != nil {
		log.Debug("client went away", zap.Error(err))
		return
	}

	status := forward.StatusCode(err)
	kind := forward.KindLabel(err)
	g.metrics.IncUpstreamError(svc.Name, kind)
	infoFrom(r.Context()).outcome = "upstream_" + kind
	log.Warn("upstream request failed", zap.String("kind", kind), zap.String("proto", svc.Proto), zap.Error(err))

	msg := "The service could not be reached."
	if errors.Is(err, forward.ErrUpstreamTimeout) {
		msg = "The service did not respond in time."
	}
	if err := pages.Error(w, status, msg, logging.RequestID(r.Context())); err != nil {
		log.Error("render error page", zap.Error(err))
	}
}

func (g *Gateway) openTunnel(w http.ResponseWriter, r *http.Request, service, path string) {
	ri := infoFrom(r.Context())
	ri.service = service
	ri.outcome = "tunnel"

	d := g.router.Route(service, path, true)
	switch {
	case d.Kind == router.Blocked:
		g.blocked(w, service)
		return
	case d.Kind != router.Proxy, d.Service.Kind != model.KindExternal, g.tunnel == nil:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	g.tunnel.Serve(w, r, d.Service, path)
}

func (g *Gateway) log(r *http.Request) *zap.Logger {
	return logging.FromContext(r.Context(), g.logger)
}

// copyBody flushes after every read when streaming so long-lived responses
// reach the client as they arrive.
func copyBody(w http.ResponseWriter, src io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, src)
		return err
	}
	f, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			if f != nil {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
