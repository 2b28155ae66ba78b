// Package logbuf keeps the most recent log lines in memory for the
// diagnostics page.
package logbuf

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// DefaultCapacity is the number of lines kept when none is configured.
const DefaultCapacity = 1000

// Line classes, used as CSS classes on the diagnostics page.
const (
	ClassError     = "error"
	ClassWarning   = "warning"
	ClassDuplicate = "duplicate"
	ClassRewrite   = "rewrite"
	ClassProxy     = "proxy"
	ClassInfo      = "info"
)

type Line struct {
	Text  string
	Class string
}

// Buffer is a fixed-size ring of log lines. It is an io.Writer and a
// zapcore.WriteSyncer. Consecutive lines that only differ in their leading
// timestamp are collapsed into one line plus a "[... repeated N times]" marker.
type Buffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	partial []byte

	lastKey string
	repeats int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ring: make([]string, capacity)}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.add(strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (b *Buffer) Sync() error { return nil }

func (b *Buffer) add(line string) {
	if line == "" {
		return
	}
	key := dedupKey(line)
	if key == b.lastKey {
		b.repeats++
		return
	}
	b.flushRepeats()
	b.lastKey = key
	b.push(line)
}

func (b *Buffer) flushRepeats() {
	if b.repeats > 0 {
		b.push(repeatMarker(b.repeats))
		b.repeats = 0
	}
}

func (b *Buffer) push(line string) {
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Lines returns the buffered lines, oldest first, each with its class.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw []string
	if b.full {
		raw = append(raw, b.ring[b.next:]...)
	}
	raw = append(raw, b.ring[:b.next]...)
	if b.repeats > 0 {
		raw = append(raw, repeatMarker(b.repeats))
	}

	out := make([]Line, len(raw))
	for i, s := range raw {
		out[i] = Line{Text: s, Class: Classify(s)}
	}
	return out
}

func repeatMarker(n int) string {
	return fmt.Sprintf("[... repeated %d times]", n)
}

// dedupKey drops a leading timestamp column, tab separated as written by the
// console encoder.
func dedupKey(line string) string {
	if _, rest, ok := strings.Cut(line, "\t"); ok {
		return rest
	}
	return line
}

// Classify picks the display class of one line.
func Classify(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error"):
		return ClassError
	case strings.Contains(l, "warn"):
		return ClassWarning
	case strings.HasPrefix(l, "[... repeated"):
		return ClassDuplicate
	case strings.Contains(l, "rewrit"):
		return ClassRewrite
	case strings.Contains(l, "proxy"), strings.Contains(l, "access"), strings.Contains(l, "tunnel"):
		return ClassProxy
	default:
		return ClassInfo
	}
}
