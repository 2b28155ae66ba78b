package proxy

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fabian4/pathmux/internal/model"
	"github.com/fabian4/pathmux/internal/rewrite"
)

// TunnelMetrics is satisfied by *metrics.Registry.
type TunnelMetrics interface {
	IncActiveTunnels(service string)
	DecActiveTunnels(service string)
}

// Tunnel relays WebSocket sessions to "wss://{backend}/ws/{path}".
type Tunnel struct {
	TLSConfig        *tls.Config
	NetDial          *net.Dialer
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	Metrics          TunnelMetrics

	upgrader websocket.Upgrader
}

func NewTunnel(tlsCfg *tls.Config, dialer *net.Dialer, logger *zap.Logger, m TunnelMetrics) *Tunnel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tunnel{
		TLSConfig:        tlsCfg,
		NetDial:          dialer,
		HandshakeTimeout: 10 * time.Second,
		Logger:           logger,
		Metrics:          m,
		upgrader: websocket.Upgrader{
			// Origin is rewritten to the backend's and checked there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// TunnelURL is the backend endpoint for a session on path.
func TunnelURL(svc model.Service, path, rawQuery string) string {
	u := "wss://" + svc.BackendHost + "/ws/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Serve dials the backend first and only then upgrades the client, so a
// refused backend handshake is reported as a plain HTTP error. Serve returns
// when either side closes.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request, svc model.Service, path string) {
	target := TunnelURL(svc, path, r.URL.RawQuery)
	log := t.Logger.With(zap.String("service", svc.Name), zap.String("target", target))

	d := websocket.Dialer{
		TLSClientConfig:  t.TLSConfig,
		HandshakeTimeout: t.HandshakeTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	if t.NetDial != nil {
		d.NetDialContext = t.NetDial.DialContext
	}

	backend, resp, err := d.DialContext(r.Context(), target, t.backendHeader(r, svc))
	if err != nil {
		t.dialFailed(w, resp, err, log)
		return
	}
	defer backend.Close()

	client, err := t.upgrader.Upgrade(w, r, t.clientHeader(resp, svc))
	if err != nil {
		log.Debug("client upgrade failed", zap.Error(err))
		return
	}
	defer client.Close()

	if t.Metrics != nil {
		t.Metrics.IncActiveTunnels(svc.Name)
		defer t.Metrics.DecActiveTunnels(svc.Name)
	}
	log.Info("websocket tunnel opened")
	up, down := relay(client, backend)
	log.Info("websocket tunnel closed", zap.Int64("messages_up", up), zap.Int64("messages_down", down))
}

func (t *Tunnel) backendHeader(r *http.Request, svc model.Service) http.Header {
	h := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "host", "origin", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set("Origin", "https://"+svc.BackendHost)
	return h
}

// clientHeader keeps what the client needs from the backend handshake.
func (t *Tunnel) clientHeader(resp *http.Response, svc model.Service) http.Header {
	h := http.Header{}
	if resp == nil {
		return h
	}
	if p := resp.Header.Get("Sec-WebSocket-Protocol"); p != "" {
		h.Set("Sec-WebSocket-Protocol", p)
	}
	rc := rewrite.Context{Service: svc.Name, BackendHost: svc.BackendHost}
	for _, c := range resp.Header.Values("Set-Cookie") {
		h.Add("Set-Cookie", rewrite.SetCookie(c, rc))
	}
	return h
}

func (t *Tunnel) dialFailed(w http.ResponseWriter, resp *http.Response, err error, log *zap.Logger) {
	if resp != nil {
		defer resp.Body.Close()
		log.Warn("backend refused websocket handshake", zap.Int("status", resp.StatusCode), zap.Error(err))
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	log.Warn("websocket backend dial failed", zap.Error(err))
	status := http.StatusBadGateway
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		status = http.StatusGatewayTimeout
	}
	http.Error(w, http.StatusText(status), status)
}

// relay copies messages both ways until one side stops. The close code of the
// side that closed is forwarded to the other.
func relay(client, backend *websocket.Conn) (up, down int64) {
	var nUp, nDown atomic.Int64
	errCh := make(chan error, 2)

	pump := func(src, dst *websocket.Conn, n *atomic.Int64) {
		for {
			mt, msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteControl(websocket.CloseMessage, closeFrame(err), time.Now().Add(time.Second))
				errCh <- err
				return
			}
			if err := dst.WriteMessage(mt, msg); err != nil {
				errCh <- err
				return
			}
			n.Add(1)
		}
	}
	go pump(client, backend, &nUp)
	go pump(backend, client, &nDown)

	<-errCh
	return nUp.Load(), nDown.Load()
}

func closeFrame(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}
