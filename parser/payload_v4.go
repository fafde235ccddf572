package parser

import (
	"bytes"

	"github.com/taogames/pollio/message"
)

const recordSeparator = 0x1e

// V4 frames packets with the ASCII record separator. Binary data is always
// base64 encoded, so supportsBinary makes no difference.
type V4 struct{}

func (V4) EncodePayload(packets []message.Packet, supportsBinary bool) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(recordSeparator)
		}
		buf.Write(encodeString(p, false))
	}
	return buf.Bytes()
}

func (V4) DecodePayload(data []byte) ([]message.Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	parts := bytes.Split(data, []byte{recordSeparator})
	packets := make([]message.Packet, 0, len(parts))
	for _, part := range parts {
		p, err := decodeString(part, false)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}
