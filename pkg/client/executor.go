package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/proxy"
)

var (
	ErrAtCapacity   = errors.New("node at capacity")
	ErrBodyTooLarge = errors.New("response body too large")
)

// deadlineMargin is kept free of the gateway's deadline so the answer still
// arrives before the gateway gives up.
const (
	deadlineMargin    = 500 * time.Millisecond
	minExecuteTimeout = 250 * time.Millisecond
)

// ExecutorOptions tunes outbound execution.
type ExecutorOptions struct {
	Timeout          time.Duration // local budget per request
	DialTimeout      time.Duration
	MaxResponseBytes int64
	Transport        http.RoundTripper // nil uses a direct transport
}

// Executor performs dispatched requests from the node's own network.
type Executor struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 10 << 20
	}
	rt := opts.Transport
	if rt == nil {
		rt = &http.Transport{
			// Egress must leave from this device, never through an env proxy.
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// The gateway decides whether the client gets a decoded body.
			DisableCompression:    true,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Executor{
		client: &http.Client{
			Transport: rt,
			// Redirects belong to the proxy client.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		timeout: opts.Timeout,
		maxBody: opts.MaxResponseBytes,
	}
}

// budget returns the local execution timeout for a request the gateway will
// wait timeoutMs for.
func (e *Executor) budget(timeoutMs int64) time.Duration {
	d := e.timeout
	if timeoutMs > 0 {
		gw := time.Duration(timeoutMs) * time.Millisecond
		inner := gw - deadlineMargin
		if gw/10 > deadlineMargin {
			inner = gw - gw/10
		}
		if inner < minExecuteTimeout {
			inner = minExecuteTimeout
		}
		if inner < d {
			d = inner
		}
	}
	return d
}

// outboundHeaders copies h without the headers a node must not forward.
func outboundHeaders(h map[string][]string) http.Header {
	out := http.Header(h).Clone()
	if out == nil {
		return http.Header{}
	}
	proxy.RemoveHopHeaders(out)
	out.Del("Host")
	out.Del("Content-Length")
	for name := range out {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "Proxy-") {
			delete(out, name)
		}
	}
	return out
}

// Execute runs req and returns the response to send back. A local timeout
// still yields a response (a synthetic 502); other failures are errors the
// caller reports as proxy_error. When ctx is canceled nothing should be sent.
func (e *Executor) Execute(ctx context.Context, req protocol.ProxyRequest) (*protocol.ProxyResponse, error) {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, e.budget(req.TimeoutMs))
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(execCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = outboundHeaders(req.Headers)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return e.failure(ctx, execCtx, req, start, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return e.failure(ctx, execCtx, req, start, err)
	}
	if int64(len(data)) > e.maxBody {
		return nil, fmt.Errorf("%w: over %d bytes from %s", ErrBodyTooLarge, e.maxBody, httpReq.URL.Host)
	}

	hdr := resp.Header.Clone()
	proxy.RemoveHopHeaders(hdr)
	hdr.Del("Content-Length")

	return &protocol.ProxyResponse{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    hdr,
		Body:       data,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (e *Executor) failure(parent, execCtx context.Context, req protocol.ProxyRequest, start time.Time, err error) (*protocol.ProxyResponse, error) {
	if parent.Err() != nil {
		return nil, parent.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("node execution timed out after %s", time.Since(start).Truncate(time.Millisecond))
		return &protocol.ProxyResponse{
			RequestID:  req.RequestID,
			StatusCode: http.StatusBadGateway,
			Headers: map[string][]string{
				"Content-Type": {"text/plain; charset=utf-8"},
				"X-Node-Error": {"timeout"},
			},
			Body:      []byte(msg + "\n"),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}
	// url.Error repeats the full URL, query included.
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return nil, fmt.Errorf("%s %s: %w", req.Method, redact(req.URL), err)
}

func redact(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// limiter caps concurrent work; the gateway may change the cap at runtime.
type limiter struct {
	mu     sync.Mutex
	limit  int
	active int
}

func newLimiter(limit int) *limiter {
	return &limiter{limit: limit}
}

func (l *limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.active >= l.limit {
		return false
	}
	l.active++
	return true
}

func (l *limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

func (l *limiter) SetLimit(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = n
}

func (l *limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
