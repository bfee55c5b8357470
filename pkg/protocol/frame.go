package protocol

import "fmt"

// Binary frame layout: [flags:1][idLen:1][id][payload]
const (
	FlagEOF byte = 1 << 0

	frameHeaderLen = 2
	maxStreamIDLen = 255
)

func EncodeFrame(streamID string, payload []byte, eof bool) ([]byte, error) {
	if streamID == "" || len(streamID) > maxStreamIDLen {
		return nil, fmt.Errorf("%w: stream id length %d", ErrMalformedFrame, len(streamID))
	}
	buf := make([]byte, frameHeaderLen+len(streamID)+len(payload))
	if eof {
		buf[0] = FlagEOF
	}
	buf[1] = byte(len(streamID))
	copy(buf[frameHeaderLen:], streamID)
	copy(buf[frameHeaderLen+len(streamID):], payload)
	return buf, nil
}

// DecodeFrame returns a payload slice aliasing data.
func DecodeFrame(data []byte) (streamID string, payload []byte, eof bool, err error) {
	if len(data) < frameHeaderLen {
		return "", nil, false, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformedFrame, len(data))
	}
	idLen := int(data[1])
	if idLen == 0 || len(data) < frameHeaderLen+idLen {
		return "", nil, false, fmt.Errorf("%w: bad stream id length %d", ErrMalformedFrame, idLen)
	}
	streamID = string(data[frameHeaderLen : frameHeaderLen+idLen])
	payload = data[frameHeaderLen+idLen:]
	eof = data[0]&FlagEOF != 0
	return streamID, payload, eof, nil
}
