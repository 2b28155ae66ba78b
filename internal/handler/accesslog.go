package handler

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabian4/pathmux/internal/logging"
	"github.com/fabian4/pathmux/internal/proxy"
)

const requestIDHeader = "X-Request-Id"

// requestInfo is filled in by handlers for the access log.
type requestInfo struct {
	service  string
	upstream string
	outcome  string
}

type infoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	if ri, ok := ctx.Value(infoKey{}).(*requestInfo); ok {
		return ri
	}
	return &requestInfo{}
}

// accessLog assigns a request ID and writes one entry per request once the
// handler returns. Asset requests are logged at debug level.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ri := &requestInfo{}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, infoKey{}, ri)

		lw := &loggingResponseWriter{ResponseWriter: w}
		defer func() {
			status := lw.statusCode
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("protocol", r.Proto),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.String("remote_ip", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("referer", r.Referer()),
				zap.Int64("bytes_written", lw.bytes),
			}
			if ri.service != "" {
				fields = append(fields, zap.String("service", ri.service))
			}
			if ri.upstream != "" {
				fields = append(fields, zap.String("upstream", ri.upstream))
			}
			if ri.outcome != "" {
				fields = append(fields, zap.String("outcome", ri.outcome))
			}
			if proxy.IsAssetPath(r.URL.Path) {
				g.access.Debug("request", fields...)
			} else {
				g.access.Info("request", fields...)
			}

			svc := ri.service
			if svc == "" {
				svc = "-"
			}
			g.metrics.IncRequest(svc, r.Method, strconv.Itoa(status))
		}()

		next.ServeHTTP(lw, r.WithContext(ctx))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
