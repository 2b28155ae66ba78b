package rewrite

import (
	"regexp"
	"strings"
)

// Location maps a backend redirect target into the proxy's URL space.
//
//	/login                          -> /{service}/login
//	https://{backendHost}/login     -> /{service}/login
//	https://{backendHost}           -> /{service}/
//	/{service}/login                -> unchanged
//	https://elsewhere.example/x     -> unchanged
func Location(loc string, c Context) string {
	if loc == "" || c.Service == "" {
		return loc
	}
	p := c.prefix()

	if c.BackendHost != "" {
		for _, scheme := range []string{"https://", "http://"} {
			base := scheme + c.BackendHost
			if len(loc) < len(base) || !strings.EqualFold(loc[:len(base)], base) {
				continue
			}
			rest := loc[len(base):]
			switch {
			case rest == "":
				return p + "/"
			case rest[0] == '/':
				return p + rest
			case rest[0] == '?' || rest[0] == '#':
				return p + "/" + rest
			}
			// host merely shares a prefix, e.g. backend.example.org vs backend.example
		}
	}

	if strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "//") {
		if hasServicePrefix(loc, p) {
			return loc
		}
		return p + loc
	}
	return loc
}

func hasServicePrefix(path, p string) bool {
	if !strings.HasPrefix(path, p) {
		return false
	}
	rest := path[len(p):]
	return rest == "" || rest[0] == '/' || rest[0] == '?' || rest[0] == '#'
}

var (
	cookieDomainRe = regexp.MustCompile(`(?i);\s*domain=[^;]*`)
	cookiePathRe   = regexp.MustCompile(`(?i)(;\s*path=)([^;]*)`)
)

// SetCookie rescopes one Set-Cookie header value to the proxy: the Domain
// attribute is dropped and Path is moved below "/{service}". A cookie without
// a Path gets "Path=/{service}/".
func SetCookie(v string, c Context) string {
	if c.Service == "" {
		return v
	}
	p := c.prefix()
	v = cookieDomainRe.ReplaceAllLiteralString(v, "")

	found := false
	v = cookiePathRe.ReplaceAllStringFunc(v, func(m string) string {
		found = true
		sub := cookiePathRe.FindStringSubmatch(m)
		return sub[1] + cookiePath(strings.TrimSpace(sub[2]), p)
	})
	if !found {
		v = strings.TrimRight(v, "; ") + "; Path=" + p + "/"
	}
	return v
}

func cookiePath(path, p string) string {
	switch {
	case path == p || strings.HasPrefix(path, p+"/"):
		return path
	case !strings.HasPrefix(path, "/"):
		return p + "/"
	default:
		return p + path
	}
}
