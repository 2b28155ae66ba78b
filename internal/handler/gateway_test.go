package handler

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabian4/pathmux/internal/config"
	"github.com/fabian4/pathmux/internal/forward"
	"github.com/fabian4/pathmux/internal/logbuf"
	"github.com/fabian4/pathmux/internal/metrics"
	"github.com/fabian4/pathmux/internal/model"
	"github.com/fabian4/pathmux/internal/proxy"
	"github.com/fabian4/pathmux/internal/registry"
)

type fixture struct {
	gw      *Gateway
	logs    *observer.ObservedLogs
	metrics *metrics.Registry
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "https://")
}

func external(name string, backend *httptest.Server) model.Service {
	return model.Service{Name: name, BackendHost: hostOf(backend), Kind: model.KindExternal, Rank: model.DefaultRank}
}

// newFixture wires a gateway whose client trusts httptest's TLS certificate.
func newFixture(t *testing.T, cfg *config.Config, svcs ...model.Service) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	trust := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(trust.Close)

	opts := forward.DefaultOptions()
	opts.RootCAs = trust.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	transports := forward.NewRegistry(opts)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	m := metrics.NewRegistry()

	buf := logbuf.New(50)
	_, _ = io.WriteString(buf, "t\tERROR\tproxy\tboom\n")

	gw := NewGateway(Deps{
		Config:     cfg,
		Services:   registry.New(svcs, logger, cfg.Diagnostics.Path),
		Transports: transports,
		Tunnel:     proxy.NewTunnel(transports.TLSConfig(), transports.Dialer(), logger, m),
		Metrics:    m,
		Logs:       buf,
		Logger:     logger,
	})
	return &fixture{gw: gw, logs: logs, metrics: m}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "203.0.113.10:54321"
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	return rec
}

func TestGateway_ForwardsWithQuery(t *testing.T) {
	var seenURL, seenHost, seenXFF, seenAE, seenCookie string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURL = r.URL.String()
		seenHost = r.Host
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenAE = r.Header.Get("Accept-Encoding")
		seenCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":1,"href":"/users/1"}`)
	}))
	defer backend.Close()

	f := newFixture(t, nil, external("api", backend))
	rec := f.do(t, http.MethodGet, "http://proxy.local/api/users/1?active=true", nil,
		"Cookie", "sid=abc", "Accept-Encoding", "gzip")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/users/1?active=true", seenURL)
	assert.Equal(t, hostOf(backend), seenHost)
	assert.Equal(t, "203.0.113.10", seenXFF)
	assert.Equal(t, "sid=abc", seenCookie)
	assert.Empty(t, seenAE)
	assert.JSONEq(t, `{"id":1,"href":"/users/1"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestGateway_TransportPerService(t *testing.T) {
	protos := make(chan string, 2)
	backend := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protos <- r.Proto
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<a href="/next">next</a>`)
	}))
	backend.EnableHTTP2 = true
	backend.StartTLS()
	defer backend.Close()

	h2 := external("h2", backend)
	h2.Proto = forward.ProtoAuto
	h1 := external("h1", backend)
	h1.Proto = forward.ProtoHTTP1
	f := newFixture(t, nil, h2, h1)

	rec := f.do(t, http.MethodGet, "http://proxy.local/h2/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HTTP/2.0", <-protos)
	assert.Equal(t, `<a href="/h2/next">next</a>`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "http://proxy.local/h1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HTTP/1.1", <-protos)
}

func TestGateway_RedirectRewritten(t *testing.T) {
	var backend *httptest.Server
	backend = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://"+hostOf(backend)+"/login")
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "1", Path: "/", Domain: "backend.example"})
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()

	f := newFixture(t, nil, external("api", backend))
	rec := f.do(t, http.MethodGet, "http://proxy.local/api/account", nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/api/login", rec.Header().Get("Location"))
	assert.Equal(t, "sid=1; Path=/api/", rec.Header().Get("Set-Cookie"))
}

func TestGateway_RewritesHTML(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<script src="/mathjax/tex.js"></script><a href="https://cdn.example.com/x">cdn</a>`)
	}))
	defer backend.Close()

	f := newFixture(t, nil, external("calculum", backend))
	rec := f.do(t, http.MethodGet, "http://proxy.local/calculum/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `src="/calculum/mathjax/tex.js"`)
	assert.Contains(t, body, `href="https://cdn.example.com/x"`)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestGateway_Blocked(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "http://proxy.local/ftp/anything", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"error": "service blocked", "service": "ftp"}, body)
}

func TestGateway_AllowList(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := config.Default()
	cfg.AllowedServices = []string{"api"}
	f := newFixture(t, cfg, external("api", backend), external("admin", backend))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "http://proxy.local/api/", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "http://proxy.local/admin/", nil).Code)
}

func TestGateway_UnknownService(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "http://proxy.local/nope/x", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "nope")
}

func TestGateway_RedirectToSlash(t *testing.T) {
	backend := httptest.NewTLSServer(http.NotFoundHandler())
	defer backend.Close()
	f := newFixture(t, nil, external("api", backend))

	rec := f.do(t, http.MethodGet, "http://proxy.local/api?x=1", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/api/?x=1", rec.Header().Get("Location"))

	rec = f.do(t, http.MethodPost, "http://proxy.local/api", strings.NewReader("a=1"))
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
}

func TestGateway_NotFoundHandling(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "/* missing */")
	}))
	defer backend.Close()
	f := newFixture(t, nil, external("docs", backend))

	rec := f.do(t, http.MethodGet, "http://proxy.local/docs/static/site.css", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Equal(t, "/* missing */", rec.Body.String())

	rec = f.do(t, http.MethodGet, "http://proxy.local/docs/guide/intro", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "/guide/intro")
	assert.Contains(t, rec.Body.String(), `href="/docs/"`)
}

func TestGateway_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	cfg := config.Default()
	cfg.Timeouts.Upstream = 100 * time.Millisecond
	f := newFixture(t, cfg, external("slow", backend))

	rec := f.do(t, http.MethodGet, "http://proxy.local/slow/", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not respond in time")
	assert.Equal(t, 1, f.logs.FilterMessage("upstream request failed").Len())
}

func TestGateway_UpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := newFixture(t, nil, model.Service{Name: "gone", BackendHost: addr, Kind: model.KindExternal})
	rec := f.do(t, http.MethodGet, "http://proxy.local/gone/", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), addr)
}

func TestGateway_NoCache(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Cache-Control", "max-age=600")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.NoCache = true
	f := newFixture(t, cfg, external("img", backend))
	rec := f.do(t, http.MethodGet, "http://proxy.local/img/logo.png", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Etag"))
	assert.Equal(t, "no-store, no-cache, must-revalidate, proxy-revalidate, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-store", rec.Header().Get("Surrogate-Control"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes())
}

func TestGateway_HomeAndFavicon(t *testing.T) {
	backend := httptest.NewTLSServer(http.NotFoundHandler())
	defer backend.Close()

	b := external("beta", backend)
	b.Rank = 2
	a := external("alpha", backend)
	a.Rank = 1
	h := external("secret", backend)
	h.Hidden = true
	f := newFixture(t, nil, b, a, h)

	rec := f.do(t, http.MethodGet, "http://proxy.local/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Less(t, strings.Index(body, "/alpha/"), strings.Index(body, "/beta/"))
	assert.NotContains(t, body, "/secret/")

	rec = f.do(t, http.MethodGet, "http://proxy.local/favicon.ico", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGateway_LocalTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "club.html"), []byte("<h1>club</h1>"), 0o600))

	cfg := config.Default()
	cfg.TemplatesDir = dir
	f := newFixture(t, cfg,
		model.Service{Name: "club", Kind: model.KindLocalTemplate, Template: "club.html"},
		model.Service{Name: "broken", Kind: model.KindLocalTemplate, Template: "missing.html"})

	rec := f.do(t, http.MethodGet, "http://proxy.local/club/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>club</h1>", rec.Body.String())

	rec = f.do(t, http.MethodGet, "http://proxy.local/broken/", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGateway_Diagnostics(t *testing.T) {
	cfg := config.Default()
	f := newFixture(t, cfg)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "http://proxy.local/_logs/", nil).Code)

	cfg = config.Default()
	cfg.Diagnostics.Enabled = true
	f = newFixture(t, cfg)
	rec := f.do(t, http.MethodGet, "http://proxy.local/_logs/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<span class="error">`)

	rec = f.do(t, http.MethodGet, "http://proxy.local/_logs", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}

func TestGateway_RateLimit(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	svc := external("api", backend)
	svc.RateLimit = &model.RateLimit{RequestsPerSecond: 0.001, Burst: 1}
	f := newFixture(t, nil, svc)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "http://proxy.local/api/", nil).Code)
	rec := f.do(t, http.MethodGet, "http://proxy.local/api/", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGateway_AccessLog(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	f := newFixture(t, nil, external("api", backend))

	f.do(t, http.MethodGet, "http://proxy.local/api/page", nil, requestIDHeader, "req-42")
	f.do(t, http.MethodGet, "http://proxy.local/api/app.js", nil)

	entries := f.logs.FilterMessage("request").AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "api", entries[0].ContextMap()["service"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestGateway_WebSocket(t *testing.T) {
	up := websocket.Upgrader{}
	var seenPath string
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(mt, msg)
	}))
	defer backend.Close()

	f := newFixture(t, nil, external("chat", backend))
	front := httptest.NewServer(f.gw)
	defer front.Close()
	wsBase := "ws" + strings.TrimPrefix(front.URL, "http")

	for _, path := range []string{"/ws/chat/room", "/chat/ws/room"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsBase+path, nil)
		require.NoError(t, err, path)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, path)
		assert.Equal(t, "ping", string(msg))
		assert.Equal(t, "/ws/room", seenPath)
		_ = conn.Close()
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws/ftp/x", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsBase+"/ws/nope/x", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
