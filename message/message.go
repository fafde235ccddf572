package message

import "fmt"

type MessageType int

type Message struct {
	Type MessageType
	Data []byte
}

// Same as gorilla Message.
// RFC 6455, section 11.8
const (
	MTText   MessageType = 1
	MTBinary MessageType = 2
)

func (mt MessageType) String() string {
	switch mt {
	case MTText:
		return "text"
	case MTBinary:
		return "binary"
	}
	return fmt.Sprintf("unknown(%d)", int(mt))
}

type PacketType int

const (
	PTOpen PacketType = iota
	PTClose
	PTPing
	PTPong
	PTMessage
	PTUpgrade
	PTNoop
)

var packetTypeNames = [...]string{
	PTOpen:    "open",
	PTClose:   "close",
	PTPing:    "ping",
	PTPong:    "pong",
	PTMessage: "message",
	PTUpgrade: "upgrade",
	PTNoop:    "noop",
}

func (pt PacketType) String() string {
	if pt < PTOpen || pt > PTNoop {
		return fmt.Sprintf("unknown(%d)", int(pt))
	}
	return packetTypeNames[pt]
}

func (pt PacketType) Bytes() []byte {
	return []byte{byte(pt) + '0'}
}

func (pt PacketType) Byte() byte {
	return byte(pt) + '0'
}

func ParsePacketType(b byte) (PacketType, error) {
	pt := PacketType(b - '0')
	if b < '0' || pt > PTNoop {
		return 0, fmt.Errorf("packet type invalid: %c", b)
	}
	return pt, nil
}

// Packet is one logical Engine.IO packet.
type Packet struct {
	Type PacketType
	MT   MessageType
	Data []byte
}

func NewPacket(pt PacketType, data []byte) Packet {
	return Packet{Type: pt, MT: MTText, Data: data}
}

// Noop is the zero-payload packet used to flush a pending poll.
func Noop() Packet {
	return Packet{Type: PTNoop, MT: MTText}
}

func Close() Packet {
	return Packet{Type: PTClose, MT: MTText}
}

func (p Packet) IsBinary() bool {
	return p.MT == MTBinary
}

func (p Packet) String() string {
	return fmt.Sprintf("%s(%s,%d)", p.Type, p.MT, len(p.Data))
}
