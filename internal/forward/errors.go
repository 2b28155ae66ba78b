package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Upstream failure kinds. Every error returned by Client.Send matches exactly
// one of them with errors.Is.
var (
	ErrUpstreamTimeout     = errors.New("upstream request timed out")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamFailed      = errors.New("upstream request failed")
)

// UpstreamError describes one failed backend call.
type UpstreamError struct {
	Op     string // "round_trip" | "read_body"
	Target string
	Kind   error // one of the sentinel errors above
	Cause  error
}

func (e *UpstreamError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("upstream %s %s: %v: %v", e.Op, e.Target, e.Kind, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %v: %v", e.Op, e.Kind, e.Cause)
}

func (e *UpstreamError) Unwrap() []error { return []error{e.Kind, e.Cause} }

// Classify wraps err with the kind it belongs to. An error that is already an
// *UpstreamError is returned as is.
func Classify(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Op: op, Target: target, Kind: kindOf(err), Cause: err}
}

func kindOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrUpstreamTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUpstreamUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ErrUpstreamUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrUpstreamUnreachable
	}
	return ErrUpstreamFailed
}

// StatusCode is the response status the gateway answers with for err.
func StatusCode(err error) int {
	if errors.Is(err, ErrUpstreamTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// KindLabel is a short name for metrics and logs.
func KindLabel(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}
