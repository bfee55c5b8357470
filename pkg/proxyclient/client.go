// Package proxyclient sends traffic through the gateway the way a customer
// integration does: credentials carry the targeting directive, failed
// attempts are retried on a fresh session.
package proxyclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/retry"
	"github.com/resi-gateway/pkg/targeting"
	xproxy "golang.org/x/net/proxy"
)

var ErrNoSocksAddr = errors.New("socks address not configured")

// Options describes the gateway endpoints and the targeting to request.
type Options struct {
	ProxyAddr string // host:port of the HTTP/CONNECT listener
	SocksAddr string // host:port of the SOCKS5 listener
	Username  string

	APIKey  string
	Country string
	City    string
	Session string // pinned session; empty rotates per attempt
	Rotate  int

	Policy  retry.Policy
	Timeout time.Duration // per attempt
}

// Client is safe for concurrent use.
type Client struct {
	opts      Options
	transport *http.Transport
	dialer    *net.Dialer
}

type credentialKey struct{}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.ProxyAddr == "" && opts.SocksAddr == "" {
		return nil, fmt.Errorf("proxy or socks address is required")
	}
	if opts.Username == "" {
		opts.Username = "customer"
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	// Credentials must round-trip through the gateway's parser.
	if _, err := targeting.Parse(targeting.Encode(targeting.Directive{
		APIKey: opts.APIKey, Country: opts.Country, City: opts.City, Session: opts.Session, Rotate: opts.Rotate,
	})); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		dialer: &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
	c.transport = &http.Transport{
		Proxy:                 c.proxyFor,
		DialContext:           c.dialer.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// A refused CONNECT surfaces as the gateway's status so https
		// targets are retried like plain ones.
		OnProxyConnectResponse: func(_ context.Context, _ *url.URL, _ *http.Request, res *http.Response) error {
			if res.StatusCode == http.StatusOK {
				return nil
			}
			return &retry.StatusError{StatusCode: res.StatusCode, Status: res.Status}
		},
	}
	return c, nil
}

// Credential returns the proxy password for the given session.
func (c *Client) Credential(session string) string {
	return targeting.Encode(targeting.Directive{
		APIKey:  c.opts.APIKey,
		Country: c.opts.Country,
		City:    c.opts.City,
		Session: session,
		Rotate:  c.opts.Rotate,
	})
}

// proxyFor picks the credential of the current attempt; connections are
// pooled per credential, so each session keeps its own node.
func (c *Client) proxyFor(r *http.Request) (*url.URL, error) {
	if c.opts.ProxyAddr == "" {
		return nil, fmt.Errorf("proxy address not configured")
	}
	cred, _ := r.Context().Value(credentialKey{}).(string)
	if cred == "" {
		cred = c.Credential(c.opts.Session)
	}
	return &url.URL{Scheme: "http", Host: c.opts.ProxyAddr, User: url.UserPassword(c.opts.Username, cred)}, nil
}

// Do sends req through the gateway. Retryable failures, including responses
// with a retryable status, are retried on a new session unless one is pinned.
// The request body is buffered so it can be replayed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	hc := &http.Client{
		Transport: c.transport,
		Timeout:   c.opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var resp *http.Response
	err := retry.Do(ctx, c.opts.Policy, c.opts.Session, func(ctx context.Context, a retry.Attempt) error {
		attemptCtx := context.WithValue(ctx, credentialKey{}, c.Credential(a.Session))
		r := req.Clone(attemptCtx)
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		res, err := hc.Do(r)
		if err != nil {
			return err
		}
		if retry.RetryableStatus(res.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
			_ = res.Body.Close()
			logging.Debugf("[proxyclient] attempt=%d session=%s status=%d", a.Number, a.Session, res.StatusCode)
			return &retry.StatusError{StatusCode: res.StatusCode, Status: res.Status}
		}
		resp = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// DialSOCKS opens a TCP stream to addr through the gateway's SOCKS5
// listener, retrying failed dials on a new session.
func (c *Client) DialSOCKS(ctx context.Context, addr string) (net.Conn, error) {
	if c.opts.SocksAddr == "" {
		return nil, ErrNoSocksAddr
	}
	var conn net.Conn
	err := retry.Do(ctx, c.opts.Policy, c.opts.Session, func(ctx context.Context, a retry.Attempt) error {
		d, err := xproxy.SOCKS5("tcp", c.opts.SocksAddr, &xproxy.Auth{
			User:     c.opts.Username,
			Password: c.Credential(a.Session),
		}, c.dialer)
		if err != nil {
			return err
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			conn, err = d.Dial("tcp", addr)
			return err
		}
		conn, err = cd.DialContext(ctx, "tcp", addr)
		if err != nil {
			logging.Debugf("[proxyclient] socks attempt=%d session=%s err=%v", a.Number, a.Session, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}
