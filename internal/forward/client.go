package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every backend call, body included.
const DefaultTimeout = 30 * time.Second

// Client performs exactly one round trip per call: redirects come back as
// responses and failures are never retried.
type Client struct {
	transport http.RoundTripper
	timeout   time.Duration
}

func NewClient(rt http.RoundTripper, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{transport: rt, timeout: timeout}
}

// Send runs req under the client timeout, derived from req's context so a
// departed caller cancels the backend call too. The deadline stays armed
// until the response body is closed.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)
	res, err := c.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		cancel()
		return nil, Classify("round_trip", req.URL.String(), err)
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
