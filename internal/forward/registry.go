package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to the backend
	ProtoAuto  = "auto"  // ALPN, h2 when the backend offers it
)

// Options tunes the transports handed out by a Registry.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 disables; the client deadline still applies

	// Backends are always reached over TLS; tests and private CAs plug in here.
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors the usual proxy settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns a RoundTripper by name. Services pick one with their proto
// setting.
type Factory interface {
	Get(name string) http.RoundTripper
	CloseIdle()
}

// Registry maps transport names to RoundTrippers. The set is fixed at
// construction, so lookups need no locking.
type Registry struct {
	store map[string]http.RoundTripper
	opts  Options
}

var _ Factory = (*Registry)(nil)

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry pre-registers http1 and auto transports built from opts.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newTransport(false)
	r.store[ProtoAuto] = r.newTransport(true)
	return r
}

// Get falls back to http1 for unknown names.
func (r *Registry) Get(name string) http.RoundTripper {
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// CloseIdle drops idle keep-alive connections of every *http.Transport.
func (r *Registry) CloseIdle() {
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// TLSConfig is the client TLS configuration shared by HTTP transports and the
// WebSocket dialer.
func (r *Registry) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: r.opts.InsecureSkipVerify, //nolint:gosec // operator opt-in
		RootCAs:            r.opts.RootCAs,
		MinVersion:         tls.VersionTLS12,
	}
}

// Dialer returns the net.Dialer used for backend connections.
func (r *Registry) Dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
}

func (r *Registry) newTransport(h2 bool) http.RoundTripper {
	tlsCfg := r.TLSConfig()
	if !h2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	tr := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       r.Dialer().DialContext,
		ForceAttemptHTTP2: h2,
		// bodies are rewritten, so they must arrive as plain text
		DisableCompression:    true,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}
