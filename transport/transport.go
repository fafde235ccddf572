package transport

import (
	"net/http"

	"github.com/taogames/pollio/message"
	"go.uber.org/zap"
)

// Response is the writable half of one in-flight HTTP request.
type Response interface {
	WriteHead(status int, reason string, header http.Header)
	End(body []byte)
}

// Channel is one in-flight HTTP request held open on behalf of a transport.
// Registering a nil callback removes the previous one.
type Channel interface {
	Request() *http.Request
	Response() Response

	OnClose(fn func())
	OnData(fn func(chunk []byte))
	OnEnd(fn func())

	// Destroy terminates the underlying connection.
	Destroy()
}

// Codec frames packets into one HTTP body and back.
type Codec interface {
	DecodePayload(data []byte) ([]message.Packet, error)
	EncodePayload(packets []message.Packet, supportsBinary bool) []byte
}

// Callback receives everything a transport reports upward.
type Callback interface {
	OnPacket(p message.Packet)
	OnDrain()
	OnError(err error)
	OnClose()
}

// HeaderFunc lets the HTTP layer inject headers (CORS and the like) into a response.
type HeaderFunc func(r *http.Request, base http.Header) http.Header

type Config struct {
	Codec          Codec
	SupportsBinary bool
	MaxPayload     int64
	Headers        HeaderFunc
	Logger         *zap.SugaredLogger
}

type Conn interface {
	Name() string
	ServeHTTP(w http.ResponseWriter, r *http.Request) error

	Writable() bool
	Send(packets []message.Packet) error
	Close(fn func())
}

type Transport interface {
	Name() string
	Accept(r *http.Request, cb Callback, conf *Config) (Conn, error)
}
