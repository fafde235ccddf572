package parser

import (
	"bytes"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/message"
)

const (
	binaryString = 0x00
	binaryData   = 0x01
	binaryDelim  = 0xff
)

// V3 frames packets as "<length>:<packet>" where length counts UTF-16 code
// units. When the client supports binary and at least one packet carries
// binary data, the binary payload framing is used instead.
type V3 struct{}

func (V3) EncodePayload(packets []message.Packet, supportsBinary bool) []byte {
	if len(packets) == 0 {
		return []byte("0:")
	}
	if supportsBinary && hasBinary(packets) {
		return encodeBinaryPayload(packets)
	}

	var buf bytes.Buffer
	for _, p := range packets {
		encoded := encodeString(p, true)
		buf.WriteString(strconv.Itoa(utf16Len(encoded)))
		buf.WriteByte(':')
		buf.Write(encoded)
	}
	return buf.Bytes()
}

func (V3) DecodePayload(data []byte) ([]message.Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if data[0] < '0' {
		return decodeBinaryPayload(data)
	}

	var packets []message.Packet
	for len(data) > 0 {
		colon := bytes.IndexByte(data, ':')
		if colon <= 0 {
			return nil, errors.Wrap(ErrInvalidPayload, "missing length")
		}
		n, err := strconv.Atoi(string(data[:colon]))
		if err != nil || n < 0 {
			return nil, errors.Wrap(ErrInvalidPayload, "bad length")
		}
		data = data[colon+1:]

		size, err := utf16Prefix(data, n)
		if err != nil {
			return nil, err
		}
		if size > 0 {
			p, err := decodeString(data[:size], true)
			if err != nil {
				return nil, err
			}
			packets = append(packets, p)
		}
		data = data[size:]
	}
	if len(packets) == 0 {
		return nil, ErrEmptyPayload
	}
	return packets, nil
}

func encodeBinaryPayload(packets []message.Packet) []byte {
	var buf bytes.Buffer
	for _, p := range packets {
		var content []byte
		if p.IsBinary() {
			buf.WriteByte(binaryData)
			content = append([]byte{byte(p.Type)}, p.Data...)
		} else {
			buf.WriteByte(binaryString)
			content = encodeString(p, true)
		}
		for _, d := range strconv.Itoa(len(content)) {
			buf.WriteByte(byte(d - '0'))
		}
		buf.WriteByte(binaryDelim)
		buf.Write(content)
	}
	return buf.Bytes()
}

func decodeBinaryPayload(data []byte) ([]message.Packet, error) {
	var packets []message.Packet
	for len(data) > 0 {
		kind := data[0]
		if kind != binaryString && kind != binaryData {
			return nil, errors.Wrapf(ErrInvalidPayload, "bad binary header 0x%x", kind)
		}
		data = data[1:]

		n := 0
		digits := 0
		for {
			if len(data) == 0 {
				return nil, errors.Wrap(ErrInvalidPayload, "truncated length")
			}
			b := data[0]
			data = data[1:]
			if b == binaryDelim {
				break
			}
			if b > 9 {
				return nil, errors.Wrap(ErrInvalidPayload, "bad length")
			}
			// n never exceeds len(data) here, so it cannot overflow
			n = n*10 + int(b)
			if n > len(data) {
				return nil, errors.Wrap(ErrInvalidPayload, "length exceeds payload")
			}
			digits++
		}
		if digits == 0 || n > len(data) {
			return nil, errors.Wrap(ErrInvalidPayload, "bad length")
		}

		content := data[:n]
		data = data[n:]
		if kind == binaryString {
			p, err := decodeString(content, true)
			if err != nil {
				return nil, err
			}
			packets = append(packets, p)
			continue
		}

		if len(content) == 0 || content[0] > byte(message.PTNoop) {
			return nil, errors.Wrap(ErrInvalidPayload, "bad binary packet")
		}
		packets = append(packets, message.Packet{
			Type: message.PacketType(content[0]),
			MT:   message.MTBinary,
			Data: append([]byte(nil), content[1:]...),
		})
	}
	return packets, nil
}

func hasBinary(packets []message.Packet) bool {
	for _, p := range packets {
		if p.IsBinary() {
			return true
		}
	}
	return false
}

func utf16Len(bs []byte) int {
	n := 0
	for len(bs) > 0 {
		r, size := utf8.DecodeRune(bs)
		bs = bs[size:]
		n += runeUnits(r)
	}
	return n
}

// utf16Prefix returns how many bytes of bs hold exactly n UTF-16 code units.
func utf16Prefix(bs []byte, n int) (int, error) {
	i, units := 0, 0
	for units < n {
		if i >= len(bs) {
			return 0, errors.Wrap(ErrInvalidPayload, "truncated packet")
		}
		r, size := utf8.DecodeRune(bs[i:])
		i += size
		units += runeUnits(r)
	}
	if units != n {
		return 0, errors.Wrap(ErrInvalidPayload, "length splits a character")
	}
	return i, nil
}

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
