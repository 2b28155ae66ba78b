package router

import (
	"strings"

	"github.com/fabian4/pathmux/internal/model"
)

// Kind of a routing decision.
type Kind int

const (
	Proxy Kind = iota
	Blocked
	Unresolved
	RedirectToSlash
)

func (k Kind) String() string {
	switch k {
	case Proxy:
		return "proxy"
	case Blocked:
		return "blocked"
	case Unresolved:
		return "unresolved"
	case RedirectToSlash:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Route. Service and SubPath are only set for Proxy.
type Decision struct {
	Kind    Kind
	Service model.Service
	SubPath string // "" for the service root
}

// Resolver is satisfied by *registry.Registry.
type Resolver interface {
	Resolve(name string) (model.Service, bool)
}

type Router struct {
	services Resolver
	allowed  map[string]struct{} // empty => every registered service
}

func New(services Resolver, allowed []string) *Router {
	rt := &Router{services: services}
	if len(allowed) > 0 {
		rt.allowed = make(map[string]struct{}, len(allowed))
		for _, a := range allowed {
			rt.allowed[a] = struct{}{}
		}
	}
	return rt
}

// Route resolves a "/{service}/{rawPath}" request. trailingSlash reports
// whether the inbound URL path ended with "/".
func (rt *Router) Route(service, rawPath string, trailingSlash bool) Decision {
	if model.IsBlocked(service) {
		return Decision{Kind: Blocked}
	}
	if rt.allowed != nil {
		if _, ok := rt.allowed[service]; !ok {
			return Decision{Kind: Blocked}
		}
	}
	if !model.ValidName(service) {
		return Decision{Kind: Unresolved}
	}
	svc, ok := rt.services.Resolve(service)
	if !ok {
		return Decision{Kind: Unresolved}
	}

	// the root must be served as "/service/" so relative links resolve below it
	sub := strings.TrimPrefix(rawPath, "/")
	if sub == "" && !trailingSlash {
		return Decision{Kind: RedirectToSlash, Service: svc}
	}
	return Decision{Kind: Proxy, Service: svc, SubPath: sub}
}

// Split cuts an inbound URL path into service name and the raw remainder.
//
//	"/api"          -> "api", "",         false
//	"/api/"         -> "api", "",         true
//	"/api/users/1"  -> "api", "users/1",  false
func Split(path string) (service, rest string, trailingSlash bool) {
	p := strings.TrimPrefix(path, "/")
	trailingSlash = strings.HasSuffix(path, "/") && p != ""
	service, rest, _ = strings.Cut(p, "/")
	return service, rest, trailingSlash
}
