package proxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/fabian4/pathmux/internal/forward"
	"github.com/fabian4/pathmux/internal/rewrite"
)

// Outcome says what Process did with a backend response.
type Outcome int

const (
	Streamed      Outcome = iota // body passed through untouched
	Rewritten                    // text body rewritten into the proxy's URL space
	Oversized                    // text body larger than the rewrite limit, streamed untouched
	AssetNotFound                // 404 for a static asset, passed through
	PathNotFound                 // 404 for a page, caller renders its own page
)

func (o Outcome) String() string {
	switch o {
	case Streamed:
		return "streamed"
	case Rewritten:
		return "rewritten"
	case Oversized:
		return "oversized"
	case AssetNotFound:
		return "asset_not_found"
	case PathNotFound:
		return "path_not_found"
	default:
		return "unknown"
	}
}

// Outbound is the response to send to the client. Body is nil for
// PathNotFound.
type Outbound struct {
	StatusCode int
	Header     http.Header
	Body       io.Reader
	Outcome    Outcome
}

// PostProcessor turns backend responses into client responses.
type PostProcessor struct {
	NoCache         bool
	MaxRewriteBytes int64 // <= 0 means no limit
	Logger          *zap.Logger
}

// Process reads at most MaxRewriteBytes+1 bytes of a text body; everything
// else streams from res.Body, which the caller still owns and must close.
func (p *PostProcessor) Process(res *http.Response, rc rewrite.Context, subPath string) (*Outbound, error) {
	ct := res.Header.Get("Content-Type")

	if res.StatusCode == http.StatusNotFound {
		if IsAssetPath(subPath) {
			if ct == "" {
				ct = "text/plain"
			}
			h := http.Header{}
			h.Set("Content-Type", ct)
			return &Outbound{StatusCode: res.StatusCode, Header: h, Body: res.Body, Outcome: AssetNotFound}, nil
		}
		return &Outbound{StatusCode: res.StatusCode, Outcome: PathNotFound}, nil
	}

	out := &Outbound{StatusCode: res.StatusCode, Header: p.responseHeader(res.Header, rc), Body: res.Body, Outcome: Streamed}
	if !IsText(ct) || !hasBody(res) {
		return out, nil
	}

	limit := p.MaxRewriteBytes
	var src io.Reader = res.Body
	if limit > 0 {
		src = io.LimitReader(res.Body, limit+1)
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, forward.Classify("read_body", "", err)
	}
	if limit > 0 && int64(len(raw)) > limit {
		p.logger().Warn("response too large to rewrite, streaming unchanged",
			zap.String("service", rc.Service),
			zap.Int64("limit_bytes", limit))
		out.Body = io.MultiReader(bytes.NewReader(raw), res.Body)
		out.Outcome = Oversized
		return out, nil
	}

	text, newCT := decodeText(raw, ct)
	body := []byte(rewrite.Rewrite(text, rc))
	if newCT != ct {
		out.Header.Set("Content-Type", newCT)
	}
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	out.Body = bytes.NewReader(body)
	out.Outcome = Rewritten
	p.logger().Debug("rewrote response body",
		zap.String("service", rc.Service),
		zap.Int("in_bytes", len(raw)),
		zap.Int("out_bytes", len(body)))
	return out, nil
}

func (p *PostProcessor) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

var droppedResponseHeaders = map[string]struct{}{
	"Content-Encoding": {},
	"Content-Length":   {},
	"Set-Cookie":       {},
}

var cacheHeaders = map[string]struct{}{
	"Etag":          {},
	"Cache-Control": {},
	"Expires":       {},
	"Last-Modified": {},
	"Age":           {},
	"Vary":          {},
}

func (p *PostProcessor) responseHeader(src http.Header, rc rewrite.Context) http.Header {
	in := cloneHeader(src)
	dropHopByHop(in)

	h := make(http.Header, len(in))
	for k, vv := range in {
		ck := http.CanonicalHeaderKey(k)
		if _, drop := droppedResponseHeaders[ck]; drop {
			continue
		}
		if _, isCache := cacheHeaders[ck]; isCache && p.NoCache {
			continue
		}
		for _, v := range vv {
			if ck == "Location" {
				v = rewrite.Location(v, rc)
			}
			h.Add(ck, v)
		}
	}
	for _, c := range src.Values("Set-Cookie") {
		h.Add("Set-Cookie", rewrite.SetCookie(c, rc))
	}
	if p.NoCache {
		SetNoCache(h)
	}
	return h
}

// SetNoCache marks a response as never cacheable, by browsers and CDNs alike.
func SetNoCache(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Surrogate-Control", "no-store")
	h.Set("Vary", "*")
}

// IsText reports whether a content type carries rewritable text. Event
// streams never end, so they are not.
func IsText(contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, "text/event-stream") {
		return false
	}
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "javascript") || strings.Contains(ct, "json")
}

func hasBody(res *http.Response) bool {
	if res.Request != nil && res.Request.Method == http.MethodHead {
		return false
	}
	s := res.StatusCode
	return s >= 200 && s != http.StatusNoContent && s != http.StatusNotModified
}

var assetExts = []string{".js", ".css", ".svg", ".ico", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".woff", ".woff2", ".ttf", ".eot", ".otf"}

// IsAssetPath reports whether a sub-path names a static asset by extension.
func IsAssetPath(subPath string) bool {
	p := strings.ToLower(subPath)
	for _, ext := range assetExts {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// decodeText returns raw as UTF-8. A declared non-UTF-8 charset is transcoded
// and the returned content type then says utf-8; otherwise invalid bytes are
// dropped and the content type is unchanged.
func decodeText(raw []byte, contentType string) (string, string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if cs := strings.ToLower(params["charset"]); cs != "" {
			if enc, err := htmlindex.Get(cs); err == nil {
				if name, _ := htmlindex.Name(enc); name != "utf-8" {
					if b, err := enc.NewDecoder().Bytes(raw); err == nil {
						params["charset"] = "utf-8"
						if ct := mime.FormatMediaType(mediaType, params); ct != "" {
							return string(b), ct
						}
						return string(b), fmt.Sprintf("%s; charset=utf-8", mediaType)
					}
				}
			}
		}
	}
	return strings.ToValidUTF8(string(raw), ""), contentType
}
