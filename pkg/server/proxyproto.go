package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var proxyProtoV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

var errBadProxyHeader = errors.New("malformed PROXY protocol header")

// readProxyHeader consumes a HAProxy PROXY protocol header (v1/v2) when the
// connection starts with one, as it does behind an L4 load balancer. It
// returns the original client address, or "" when there is no header.
func readProxyHeader(br *bufio.Reader) (clientAddr string, err error) {
	first, err := br.Peek(1)
	if err != nil {
		return "", err
	}

	switch first[0] {
	case 'P':
		// PROXY protocol v1: "PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\n"
		head, err := br.Peek(6)
		if err != nil || !bytes.Equal(head, []byte("PROXY ")) {
			return "", nil
		}
		line, err := br.ReadSlice('\n')
		if err != nil {
			return "", fmt.Errorf("%w: %v", errBadProxyHeader, err)
		}
		// parts: PROXY TCP4 src dst sport dport
		parts := strings.Fields(strings.TrimSpace(string(line)))
		if len(parts) >= 6 {
			return net.JoinHostPort(parts[2], parts[4]), nil
		}
		return "", nil

	case proxyProtoV2Sig[0]:
		// PROXY protocol v2: binary header starts with signature.
		head, err := br.Peek(16)
		if err != nil || !bytes.Equal(head[:len(proxyProtoV2Sig)], proxyProtoV2Sig) {
			return "", nil
		}
		// length is 2 bytes at offset 14
		total := 16 + (int(head[14])<<8 | int(head[15]))
		if total > br.Size() {
			return "", fmt.Errorf("%w: %d byte header", errBadProxyHeader, total)
		}
		b, err := br.Peek(total)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errBadProxyHeader, err)
		}
		clientAddr = proxyV2Source(b)
		_, _ = br.Discard(total)
		return clientAddr, nil
	}
	return "", nil
}

func proxyV2Source(b []byte) string {
	l := len(b) - 16
	switch b[13] >> 4 {
	case 0x1: // AF_INET, addr: 4+4+2+2 = 12 bytes
		if l >= 12 {
			port := int(b[24])<<8 | int(b[25])
			return net.JoinHostPort(net.IP(b[16:20]).String(), strconv.Itoa(port))
		}
	case 0x2: // AF_INET6
		if l >= 36 {
			port := int(b[48])<<8 | int(b[49])
			return net.JoinHostPort(net.IP(b[16:32]).String(), strconv.Itoa(port))
		}
	}
	return ""
}
