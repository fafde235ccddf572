package polling

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/transport"
	"go.uber.org/zap"
)

type readyState int

const (
	stateOpen readyState = iota
	stateClosing
	stateClosed
)

func (s readyState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	}
	return "closed"
}

// attachment is the transport's record of a channel it currently owns.
// Callbacks registered on the channel capture the attachment, so events
// from a channel that has since been released are ignored.
type attachment struct {
	kind transport.ChannelKind
	ch   transport.Channel
}

// Polling reconciles a GET poll channel and a POST data channel into one
// duplex packet stream. It is not safe for concurrent use; Conn serializes
// access to it.
type Polling struct {
	codec          transport.Codec
	cb             transport.Callback
	headers        transport.HeaderFunc
	supportsBinary bool
	logger         *zap.SugaredLogger

	state       readyState
	writable    bool
	shouldClose func()
	chunks      bytes.Buffer

	poll *attachment
	data *attachment
}

func New(cb transport.Callback, conf *transport.Config) *Polling {
	p := &Polling{
		codec:          conf.Codec,
		cb:             cb,
		headers:        conf.Headers,
		supportsBinary: conf.SupportsBinary,
		logger:         conf.Logger,
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	return p
}

func (p *Polling) Name() string {
	return "polling"
}

func (p *Polling) Writable() bool {
	return p.writable
}

func (p *Polling) SupportsBinary() bool {
	return p.supportsBinary
}

// OnRequest routes one HTTP request to the poll or data side.
func (p *Polling) OnRequest(ch transport.Channel) {
	var err error
	switch ch.Request().Method {
	case http.MethodGet:
		err = p.onPollRequest(ch)
	case http.MethodPost:
		err = p.onDataRequest(ch)
	default:
		res := ch.Response()
		res.WriteHead(http.StatusInternalServerError, "", nil)
		res.End(nil)
		return
	}

	var overlap *transport.OverlapError
	if errors.As(err, &overlap) {
		p.onError(err)
		res := ch.Response()
		res.WriteHead(http.StatusInternalServerError, "", nil)
		res.End(nil)
	}
}

// onData decodes a complete data-channel body and delivers it upward.
func (p *Polling) onData(data []byte) {
	packets, err := p.codec.DecodePayload(data)
	if err != nil {
		p.onError(&transport.ParseError{Err: err})
		return
	}

	if len(packets) == 1 && packets[0].Type == message.PTClose {
		p.logger.Debug("got close packet from client")
		p.onClose()
		return
	}

	for _, packet := range packets {
		p.cb.OnPacket(packet)
	}
}

// onClose is the transport-level close: the poll is released with a noop and
// the upper layer is told the transport is gone. A close callback still
// waiting for a poll runs here, since no poll will carry it any more.
func (p *Polling) onClose() {
	if p.state == stateClosed {
		return
	}
	if p.writable {
		// close pending poll request
		p.Send([]message.Packet{message.Noop()})
	}
	p.state = stateClosed
	if fn := p.shouldClose; fn != nil {
		p.shouldClose = nil
		fn()
	}
	p.cb.OnClose()
}

// Close requests a graceful shutdown. fn runs once the close packet has been
// written to a poll channel, which may be deferred until the next poll. When
// a close is already underway fn joins it, and after the transport is gone
// fn runs right away.
func (p *Polling) Close(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	if p.state != stateOpen {
		if prev := p.shouldClose; prev != nil {
			p.shouldClose = func() {
				prev()
				fn()
			}
			return
		}
		fn()
		return
	}
	p.state = stateClosing
	p.doClose(fn)
}

func (p *Polling) doClose(fn func()) {
	if p.data != nil {
		p.logger.Debug("aborting ongoing data request")
		p.data.ch.Destroy()
	}

	if p.writable {
		p.logger.Debug("transport writable - closing right away")
		p.Send([]message.Packet{message.Close()})
		fn()
		return
	}

	p.logger.Debug("transport not writable - buffering orderly close")
	p.shouldClose = fn
}

// Send encodes packets onto the attached poll channel. The caller must have
// checked Writable.
func (p *Polling) Send(packets []message.Packet) {
	p.writable = false

	if p.shouldClose != nil {
		p.logger.Debug("appending close packet to payload")
		packets = append(packets[:len(packets):len(packets)], message.Close())
		fn := p.shouldClose
		p.shouldClose = nil
		fn()
	}

	p.Write(p.codec.EncodePayload(packets, p.supportsBinary))
}

// Write writes an encoded payload to the poll channel and releases it.
// Writing without an attached poll channel is a programming error.
func (p *Polling) Write(data []byte) {
	if p.poll == nil {
		panic(transport.ErrWriteWithoutChannel)
	}
	p.doWrite(p.poll.ch, data)
	p.releasePoll()
}

func (p *Polling) doWrite(ch transport.Channel, data []byte) {
	contentType := "text/plain; charset=UTF-8"
	if len(data) > 0 && data[0] < '0' {
		contentType = "application/octet-stream"
	}

	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(data)))

	res := ch.Response()
	res.WriteHead(http.StatusOK, "", header)
	res.End(data)
}

func (p *Polling) onError(err error) {
	p.logger.Warnw("transport error", "error", err)
	p.cb.OnError(err)
}
