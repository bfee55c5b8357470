package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	frame, err := EncodeFrame("stream-1", []byte("hello"), true)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	id, payload, eof, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if id != "stream-1" || !bytes.Equal(payload, []byte("hello")) || !eof {
		t.Fatalf("unexpected frame: id=%q payload=%q eof=%v", id, payload, eof)
	}
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	for _, data := range [][]byte{nil, {0}, {0, 0}, {0, 10, 'a'}} {
		if _, _, _, err := DecodeFrame(data); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %v, got %v", data, err)
		}
	}
	if _, err := EncodeFrame("", nil, false); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected empty stream id to be rejected, got %v", err)
	}
}

func TestMessageDecodeEmptyPayload(t *testing.T) {
	msg := &Message{Type: MsgHeartbeat}
	var hb Heartbeat
	if err := msg.Decode(&hb); err == nil {
		t.Fatalf("expected error decoding empty payload")
	}

	msg = MustEncode(MsgProxyRequest, ProxyRequest{RequestID: "r1", Method: "GET", Body: []byte{0, 1, 2}})
	var req ProxyRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.RequestID != "r1" || !bytes.Equal(req.Body, []byte{0, 1, 2}) {
		t.Fatalf("unexpected request: %+v", req)
	}
}
