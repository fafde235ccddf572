package polling

import (
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/transport"
)

const readChunkSize = 32 * 1024

// httpChannel adapts one net/http request to transport.Channel. The handler
// goroutine stays in serve until the transport ends the response, the client
// goes away, or the channel is destroyed.
//
// Callbacks are registered and fired with the owning Conn's lock held.
type httpChannel struct {
	w          http.ResponseWriter
	r          *http.Request
	maxPayload int64

	onClose func()
	onData  func([]byte)
	onEnd   func()

	ended     chan struct{}
	endOnce   sync.Once
	destroyed chan struct{}
	destroy   sync.Once
	writeErr  error
}

var _ transport.Channel = (*httpChannel)(nil)

func newHTTPChannel(w http.ResponseWriter, r *http.Request, maxPayload int64) *httpChannel {
	return &httpChannel{
		w:          w,
		r:          r,
		maxPayload: maxPayload,
		ended:      make(chan struct{}),
		destroyed:  make(chan struct{}),
	}
}

func (c *httpChannel) Request() *http.Request {
	return c.r
}

func (c *httpChannel) Response() transport.Response {
	return c
}

func (c *httpChannel) OnClose(fn func()) {
	c.onClose = fn
}

func (c *httpChannel) OnData(fn func([]byte)) {
	c.onData = fn
}

func (c *httpChannel) OnEnd(fn func()) {
	c.onEnd = fn
}

func (c *httpChannel) Destroy() {
	c.destroy.Do(func() {
		close(c.destroyed)
	})
}

// WriteHead sets the status and headers. net/http always sends the standard
// reason phrase.
func (c *httpChannel) WriteHead(status int, reason string, header http.Header) {
	h := c.w.Header()
	for k, vs := range header {
		h[k] = vs
	}
	c.w.WriteHeader(status)
}

func (c *httpChannel) End(body []byte) {
	c.endOnce.Do(func() {
		if len(body) > 0 {
			if _, err := c.w.Write(body); err != nil {
				c.writeErr = errors.Wrap(err, "write response")
			}
		}
		close(c.ended)
	})
}

func (c *httpChannel) isEnded() bool {
	select {
	case <-c.ended:
		return true
	default:
		return false
	}
}

func (c *httpChannel) fireClose() {
	if c.onClose != nil {
		c.onClose()
	}
}

func (c *httpChannel) fireData(chunk []byte) {
	if c.onData != nil {
		c.onData(chunk)
	}
}

func (c *httpChannel) fireEnd() {
	if c.onEnd != nil {
		c.onEnd()
	}
}

// serve blocks the handler goroutine for the lifetime of the request. run
// executes a function under the owning Conn's lock.
func (c *httpChannel) serve(run func(func())) error {
	if c.isEnded() {
		return c.writeErr
	}

	var (
		chunks  chan []byte
		readErr chan error
		quit    = make(chan struct{})
	)
	defer close(quit)

	if c.r.Method == http.MethodPost {
		chunks = make(chan []byte)
		readErr = make(chan error, 1)
		body := c.r.Body
		if c.maxPayload > 0 {
			body = http.MaxBytesReader(c.w, body, c.maxPayload)
		}
		go readBody(body, chunks, readErr, quit)
	}

	for {
		select {
		case <-c.ended:
			return c.writeErr

		case <-c.destroyed:
			if c.isEnded() {
				return c.writeErr
			}
			run(c.fireClose)
			panic(http.ErrAbortHandler)

		case <-c.r.Context().Done():
			if c.isEnded() {
				return c.writeErr
			}
			run(c.fireClose)
			return errors.Wrap(c.r.Context().Err(), "request closed")

		case chunk := <-chunks:
			run(func() { c.fireData(chunk) })

		case err := <-readErr:
			if err == io.EOF {
				run(c.fireEnd)
				continue
			}
			run(c.fireClose)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) && !c.isEnded() {
				http.Error(c.w, "payload too large", http.StatusRequestEntityTooLarge)
			}
			return errors.Wrap(err, "read body")
		}
	}
}

func readBody(body io.Reader, chunks chan<- []byte, readErr chan<- error, quit <-chan struct{}) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case chunks <- chunk:
			case <-quit:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}
