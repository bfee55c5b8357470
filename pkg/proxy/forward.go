package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Kinds of first bytes seen on the proxy listener
const (
	KindConnect = "http_connect"
	KindHTTP    = "http"
	KindTLS     = "tls"
	KindUnknown = "unknown"
)

var httpMethods = []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "TRACE "}

// DetectProtocol classifies the first bytes of a proxy client connection.
// Clients talking TLS straight to the proxy port are a common misconfiguration
// and get closed early.
func DetectProtocol(data []byte) string {
	if bytes.HasPrefix(data, []byte("CONNECT ")) {
		return KindConnect
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, []byte(m)) {
			return KindHTTP
		}
	}
	if len(data) >= 3 && data[0] == 0x16 && data[1] == 0x03 {
		return KindTLS
	}
	return KindUnknown
}

// SplitTarget splits a CONNECT authority or URL host into host and port,
// filling in defaultPort when the port is missing.
func SplitTarget(authority, defaultPort string) (host, port string, err error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return "", "", errors.New("empty target")
	}
	host, port, err = net.SplitHostPort(authority)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && strings.Contains(addrErr.Err, "missing port") {
			host, port = strings.Trim(authority, "[]"), defaultPort
		} else {
			return "", "", fmt.Errorf("invalid target %q: %w", authority, err)
		}
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("invalid target %q", authority)
	}
	if n, perr := strconv.Atoi(port); perr != nil || n <= 0 || n > 65535 {
		return "", "", fmt.Errorf("invalid port in target %q", authority)
	}
	return host, port, nil
}

// hopHeaders are meaningful only for a single transport-level connection.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers, including any named in Connection.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// WriteError writes a minimal HTTP/1.1 error response and asks the client to close.
func WriteError(w io.Writer, status int, extra http.Header, msg string) error {
	body := msg + "\n"
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vs := range extra {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_, err := io.WriteString(w, b.String())
	return err
}

// ConnectEstablished is the reply to a successful CONNECT.
const ConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

type closeWriter interface {
	CloseWrite() error
}

// Bridge copies both directions between client and upstream until both are
// done, half-closing each side as its source finishes. It returns the bytes
// sent upstream (tx), received from upstream (rx) and the first real error.
func Bridge(clientReader io.Reader, client net.Conn, upstream net.Conn) (tx, rx int64, err error) {
	errCh := make(chan error, 2)

	go func() {
		n, err := io.Copy(upstream, clientReader) // client -> upstream
		tx = n
		if cw, ok := upstream.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()
	go func() {
		n, err := io.Copy(client, upstream) // upstream -> client
		rx = n
		if cw, ok := client.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	err = err1
	if err == nil || err == io.EOF {
		err = err2
	}
	if err == io.EOF {
		err = nil
	}
	return tx, rx, err
}

// ExtractSNI extracts the server name from a TLS ClientHello record, or ""
// when data is not a ClientHello or carries no SNI.
//
// Layout: [0] 0x16 handshake, [1-2] version, [3-4] record length,
// [5] 0x01 ClientHello, [6-8] handshake length, [9-10] version,
// [11-42] random, [43] session id length, then session id, cipher suites,
// compression methods and extensions (SNI is extension 0x0000).
func ExtractSNI(data []byte) string {
	if len(data) < 44 || data[0] != 0x16 || data[5] != 0x01 {
		return ""
	}

	offset := 43
	offset += 1 + int(data[offset])
	if len(data) < offset+2 {
		return ""
	}
	offset += 2 + (int(data[offset])<<8 | int(data[offset+1]))
	if len(data) < offset+1 {
		return ""
	}
	offset += 1 + int(data[offset])
	if len(data) < offset+2 {
		return ""
	}
	extensionsEnd := offset + 2 + (int(data[offset])<<8 | int(data[offset+1]))
	offset += 2
	if extensionsEnd > len(data) {
		extensionsEnd = len(data)
	}

	for offset+4 <= extensionsEnd {
		extType := int(data[offset])<<8 | int(data[offset+1])
		extLen := int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if extType != 0x0000 {
			offset += extLen
			continue
		}
		// list length (2), entry type (1), name length (2)
		if len(data) < offset+5 || data[offset+2] != 0x00 {
			return ""
		}
		nameLen := int(data[offset+3])<<8 | int(data[offset+4])
		offset += 5
		if len(data) < offset+nameLen {
			return ""
		}
		return string(data[offset : offset+nameLen])
	}
	return ""
}
