// Package parser implements the Engine.IO payload codecs used by the polling
// transport: EIO v4 (record-separated packets, base64 binary) and EIO v3
// (length-prefixed text payloads and binary payloads).
package parser

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/transport"
)

const (
	ProtocolV3 = 3
	ProtocolV4 = 4
)

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrInvalidPayload = errors.New("invalid payload")
)

// ForProtocol returns the payload codec for the EIO query value.
func ForProtocol(eio int) (transport.Codec, error) {
	switch eio {
	case ProtocolV3:
		return V3{}, nil
	case ProtocolV4:
		return V4{}, nil
	}
	return nil, errors.Errorf("unsupported protocol %d", eio)
}

// encodeString encodes one packet in its string form: the packet type digit
// followed by the data, or 'b' + base64 for binary data.
func encodeString(p message.Packet, withType bool) []byte {
	if !p.IsBinary() {
		out := make([]byte, 0, len(p.Data)+1)
		out = append(out, p.Type.Byte())
		return append(out, p.Data...)
	}

	out := []byte{'b'}
	if withType {
		out = append(out, p.Type.Byte())
	}
	n := base64.StdEncoding.EncodedLen(len(p.Data))
	start := len(out)
	out = append(out, make([]byte, n)...)
	base64.StdEncoding.Encode(out[start:], p.Data)
	return out
}

// decodeString is the inverse of encodeString.
func decodeString(bs []byte, withType bool) (message.Packet, error) {
	if len(bs) == 0 {
		return message.Packet{}, ErrEmptyPayload
	}

	if bs[0] != 'b' {
		pt, err := message.ParsePacketType(bs[0])
		if err != nil {
			return message.Packet{}, errors.Wrap(ErrInvalidPayload, err.Error())
		}
		return message.Packet{Type: pt, MT: message.MTText, Data: append([]byte(nil), bs[1:]...)}, nil
	}

	pt := message.PTMessage
	bs = bs[1:]
	if withType {
		if len(bs) == 0 {
			return message.Packet{}, errors.Wrap(ErrInvalidPayload, "binary packet without type")
		}
		var err error
		if pt, err = message.ParsePacketType(bs[0]); err != nil {
			return message.Packet{}, errors.Wrap(ErrInvalidPayload, err.Error())
		}
		bs = bs[1:]
	}
	data := make([]byte, base64.StdEncoding.DecodedLen(len(bs)))
	n, err := base64.StdEncoding.Decode(data, bs)
	if err != nil {
		return message.Packet{}, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return message.Packet{Type: pt, MT: message.MTBinary, Data: data[:n]}, nil
}
