// Package rewrite adapts backend-emitted text so that a backend which believes
// it owns "/" keeps working when it is served below "/{service}/".
//
// Every function here is pure and idempotent: applying it to its own output
// returns that output unchanged. URLs that are absolute (scheme, "//" anywhere,
// data:) or that already carry the service prefix are never touched.
package rewrite

import (
	"regexp"
	"strings"
)

// Context is all the engine needs to know about a request.
type Context struct {
	Service     string
	BackendHost string
}

func (c Context) prefix() string { return "/" + c.Service }

var (
	baseRootRe = regexp.MustCompile(`(?i)<base\s+href="/"`)
	attrRe     = regexp.MustCompile(`(?:href|src|action)=`)
	fetchRe    = regexp.MustCompile(`fetch\s*\(\s*`)
	locHrefRe  = regexp.MustCompile(`location\.href\s*=\s*`)
	schemeRe   = regexp.MustCompile(`^https?://`)
)

// Rewrite applies, in order: pathname unwrapping, <base href="/">, attribute
// URLs, fetch() literals and location.href assignments. Later passes never
// see a value an earlier pass would have to undo.
func Rewrite(text string, c Context) string {
	if c.Service == "" || text == "" {
		return text
	}
	text = unwrapPathname(text, c.Service)
	text = baseRootRe.ReplaceAllLiteralString(text, `<base href="`+c.prefix()+`/"`)
	text = prefixLiterals(text, attrRe, c, true)
	text = prefixLiterals(text, fetchRe, c, false)
	text = prefixLiterals(text, locHrefRe, c, false)
	return text
}

// IsAbsolute reports whether u must be left alone: it has an http(s) scheme,
// contains "//" anywhere, or is a data: URI.
func IsAbsolute(u string) bool {
	return schemeRe.MatchString(u) || strings.Contains(u, "//") || strings.HasPrefix(u, "data:")
}

// needsPrefix reports whether a quoted URL value should get "/{service}" in front.
func needsPrefix(v string, c Context) bool {
	if v == "" || v[0] != '/' || (len(v) > 1 && v[1] == '/') {
		return false
	}
	if strings.HasPrefix(v, c.prefix()+"/") {
		return false
	}
	return !IsAbsolute(v)
}

// prefixLiterals finds every match of lead that is immediately followed by a
// quoted literal and inserts the service prefix into qualifying values.
// A literal ends at its own quote; any other quote character, or '>' when
// inTag is set, aborts the match so a broken attribute cannot swallow the
// markup after it.
func prefixLiterals(text string, lead *regexp.Regexp, c Context, inTag bool) string {
	locs := lead.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	var inserts []int
	consumed := 0
	for _, loc := range locs {
		if loc[0] < consumed {
			continue
		}
		open := loc[1]
		if open >= len(text) || !isQuote(text[open]) {
			continue
		}
		end, ok := scanLiteral(text, open+1, text[open], inTag)
		if !ok {
			continue
		}
		consumed = end + 1
		if needsPrefix(text[open+1:end], c) {
			inserts = append(inserts, open+1)
		}
	}
	if len(inserts) == 0 {
		return text
	}

	p := c.prefix()
	var b strings.Builder
	b.Grow(len(text) + len(inserts)*len(p))
	last := 0
	for _, at := range inserts {
		b.WriteString(text[last:at])
		b.WriteString(p)
		last = at
	}
	b.WriteString(text[last:])
	return b.String()
}

func scanLiteral(text string, from int, quote byte, inTag bool) (int, bool) {
	for i := from; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == quote:
			return i, true
		case isQuote(ch):
			return 0, false
		case inTag && ch == '>':
			return 0, false
		}
	}
	return 0, false
}

func isQuote(ch byte) bool { return ch == '"' || ch == '\'' || ch == '`' }

func isIdent(ch byte) bool {
	return ch == '_' || ch == '$' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
}

const pathnameToken = "location.pathname"

// unwrapPathname wraps reads of window.location.pathname and bare
// location.pathname so client-side routers see the path without the service
// prefix. document.location.pathname, member accesses such as
// frame.location.pathname, and assignment targets are left as they are.
func unwrapPathname(text, service string) string {
	if !strings.Contains(text, pathnameToken) {
		return text
	}
	strip := `.replace(/^\/` + service + `(?=\/)/, String()))`

	var b strings.Builder
	last, i := 0, 0
	for {
		k := strings.Index(text[i:], pathnameToken)
		if k < 0 {
			break
		}
		pos := i + k
		end := pos + len(pathnameToken)
		i = end

		if end < len(text) && isIdent(text[end]) {
			continue // location.pathnames, location.pathname_x
		}
		start := pos
		if strings.HasSuffix(text[:pos], "window.") {
			start = pos - len("window.")
		}
		if strings.HasSuffix(text[:start], "document.") {
			continue
		}
		if start > 0 && (isIdent(text[start-1]) || text[start-1] == '.') {
			continue
		}
		if start > 0 && text[start-1] == '(' && strings.HasPrefix(text[end:], strip) {
			continue // already unwrapped
		}
		if isAssignment(text[end:]) || isPrefixUpdate(text[:start]) {
			continue
		}

		b.WriteString(text[last:start])
		b.WriteByte('(')
		b.WriteString(text[start:end])
		b.WriteString(strip)
		last = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

var assignOps = []string{
	"=", "+=", "-=", "*=", "/=", "%=", "**=",
	"<<=", ">>=", ">>>=", "&=", "|=", "^=",
	"&&=", "||=", "??=", "++", "--",
}

// isAssignment reports whether rest starts with an assignment or a postfix
// update operator (after spaces). Comparisons such as "==" or "<=" are reads.
func isAssignment(rest string) bool {
	rest = strings.TrimLeft(rest, " \t")
	if strings.HasPrefix(rest, "==") || strings.HasPrefix(rest, "=>") {
		return false
	}
	for _, op := range assignOps {
		if strings.HasPrefix(rest, op) {
			return true
		}
	}
	return false
}

// isPrefixUpdate reports whether before ends with "++" or "--".
func isPrefixUpdate(before string) bool {
	before = strings.TrimRight(before, " \t")
	return strings.HasSuffix(before, "++") || strings.HasSuffix(before, "--")
}
