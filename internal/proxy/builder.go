package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fabian4/pathmux/internal/model"
)

// TargetURL is always https: backends are reached over TLS only.
//
//	host "h", base "/v1", sub "users/1", query "a=1" -> https://h/v1/users/1?a=1
func TargetURL(svc model.Service, subPath, rawQuery string) string {
	u := "https://" + svc.BackendHost + svc.BasePath + "/" + subPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// BuildUpstream derives the backend request for in. It performs no I/O; the
// body is streamed from in when the request is sent.
func BuildUpstream(ctx context.Context, in *http.Request, svc model.Service, subPath string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, in.Method, TargetURL(svc, subPath, in.URL.RawQuery), in.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = in.ContentLength
	req.Header = upstreamHeader(in, svc)
	req.Host = svc.BackendHost
	return req, nil
}

func upstreamHeader(in *http.Request, svc model.Service) http.Header {
	h := cloneHeader(in.Header)
	dropHopByHop(h)
	h.Del("Host")
	// the body is rewritten, so it must arrive uncompressed
	h.Del("Accept-Encoding")

	if ref := h.Get("Referer"); ref != "" {
		h.Set("Referer", rewriteReferer(ref, svc.Name, svc.BackendHost))
	}
	if h.Get("Origin") != "" {
		h.Set("Origin", "https://"+svc.BackendHost)
	}

	addXFF(h, in.RemoteAddr)
	setXFHost(h, in.Host)
	setXFProto(h, in)
	return h
}

// rewriteReferer maps "http(s)://{proxy}/{service}/rest" to
// "https://{backend}/rest". Anything else is returned unchanged.
func rewriteReferer(ref, service, backendHost string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if !strings.HasPrefix(ref, scheme) {
			continue
		}
		rest := ref[len(scheme):]
		i := strings.IndexByte(rest, '/')
		if i <= 0 {
			return ref
		}
		prefix := "/" + service + "/"
		if !strings.HasPrefix(rest[i:], prefix) {
			return ref
		}
		return "https://" + backendHost + "/" + rest[i+len(prefix):]
	}
	return ref
}
