package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/resi-gateway/pkg/config"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/targeting"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, s); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	return buf.Bytes()
}

func TestPlainResponseDecompression(t *testing.T) {
	const page = "<html>compressed page</html>"
	encoded := gzipped(t, page)

	gw := startGateway(t, nil)
	startNode(t, gw, "device-a", "US", func(*fakeNode, protocol.ProxyRequest) (*protocol.ProxyResponse, error) {
		return &protocol.ProxyResponse{
			StatusCode: http.StatusOK,
			Headers: map[string][]string{
				"Content-Type":     {"text/html"},
				"Content-Encoding": {"gzip"},
			},
			Body: encoded,
		}, nil
	})

	u := &url.URL{Scheme: "http", Host: gw.proxyAddr, User: url.UserPassword("customer", "testkey")}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u), DisableCompression: true},
		Timeout:   10 * time.Second,
	}

	// The client did not ask for gzip, so the gateway decodes.
	resp, body := get(t, client, "http://example.test/page")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != page {
		t.Fatalf("expected decoded body %q, got %q", page, body)
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("expected Content-Encoding removed, got %q", enc)
	}
	if resp.ContentLength != int64(len(page)) {
		t.Fatalf("expected Content-Length %d, got %d", len(page), resp.ContentLength)
	}

	// A client that negotiated gzip gets the bytes as the origin sent them.
	req, _ := http.NewRequest(http.MethodGet, "http://example.test/page", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected Content-Encoding gzip, got %q", resp.Header.Get("Content-Encoding"))
	}
	if !bytes.Equal(raw, encoded) {
		t.Fatalf("expected the encoded body untouched, got %d bytes", len(raw))
	}
}

func TestClientHangupCancelsNodeRequest(t *testing.T) {
	gw := startGateway(t, func(cfg *config.Config) {
		cfg.Gateway.RequestTimeout = 30
	})
	dispatched := make(chan string, 1)
	node := startNode(t, gw, "device-a", "US", func(_ *fakeNode, req protocol.ProxyRequest) (*protocol.ProxyResponse, error) {
		dispatched <- req.RequestID
		return nil, nil
	})

	conn, err := net.Dial("tcp", gw.proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	fmt.Fprintf(conn, "GET http://example.test/slow HTTP/1.1\r\nHost: example.test\r\nProxy-Authorization: %s\r\n\r\n",
		targeting.BasicAuth("customer", "testkey"))

	var id string
	select {
	case id = <-dispatched:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the request to reach the node")
	}
	_ = conn.Close()

	select {
	case got := <-node.cancels:
		if got != id {
			t.Fatalf("expected cancel for %s, got %s", id, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected proxy_cancel after the client hung up")
	}
	waitFor(t, "call released", func() bool { return gw.s.corr.Pending() == 0 })
	waitFor(t, "slot released", func() bool {
		cand, _ := gw.s.Registry().Get(node.id)
		return cand.Node.InFlight == 0
	})
}
