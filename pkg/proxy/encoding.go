package proxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Decompression policies for plain proxied responses
const (
	DecodeAuto   = "auto"   // decode only what the client did not negotiate
	DecodeAlways = "always" // decode every supported encoding
	DecodeNever  = "never"  // pass bodies through untouched
)

// Supported reports whether DecodeBody understands encoding.
func Supported(encoding string) bool {
	switch normalizeEncoding(encoding) {
	case "gzip", "x-gzip", "deflate", "br":
		return true
	}
	return false
}

func normalizeEncoding(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}

// ShouldDecode applies policy to a response carrying contentEncoding for a
// client that sent acceptEncoding.
func ShouldDecode(policy, acceptEncoding, contentEncoding string) bool {
	enc := normalizeEncoding(contentEncoding)
	if enc == "" || enc == "identity" || !Supported(enc) {
		return false
	}
	switch policy {
	case DecodeNever:
		return false
	case DecodeAlways:
		return true
	}
	return !accepts(acceptEncoding, enc)
}

// accepts reports whether an Accept-Encoding value admits enc with a non-zero q.
func accepts(acceptEncoding, enc string) bool {
	if enc == "x-gzip" {
		enc = "gzip"
	}
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = normalizeEncoding(name)
		if name == "x-gzip" {
			name = "gzip"
		}
		if name != enc && name != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.ToLower(params), " ", "")
		if q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
			return false
		}
		return true
	}
	return false
}

// DecodeBody decodes body according to contentEncoding, reading at most
// limit decoded bytes when limit > 0.
func DecodeBody(contentEncoding string, body []byte, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(body)
	switch enc := normalizeEncoding(contentEncoding); enc {
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		zr, err = gzip.NewReader(src)
		if zr != nil {
			defer zr.Close()
		}
		r = zr
	case "deflate":
		// "deflate" is meant to be zlib-wrapped, but raw deflate is common.
		if looksZlib(body) {
			var zr io.ReadCloser
			zr, err = zlib.NewReader(src)
			if zr != nil {
				defer zr.Close()
			}
			r = zr
		} else {
			fr := flate.NewReader(src)
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(src)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", contentEncoding, err)
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", contentEncoding, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("decoded %s body exceeds %d bytes", contentEncoding, limit)
	}
	return out, nil
}

func looksZlib(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
