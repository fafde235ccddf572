package polling

import (
	"net/http"
	"sync"

	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/transport"
	"go.uber.org/zap"
)

// serverConn serializes every operation on one Polling instance. Upward
// callbacks are queued while the lock is held and delivered in order by a
// single dispatcher after it is released, so callbacks may call back into
// Send and Close.
type serverConn struct {
	logger *zap.SugaredLogger

	mu          sync.Mutex
	polling     *Polling
	events      []func()
	dispatching bool

	maxPayload int64
}

var _ transport.Conn = (*serverConn)(nil)

func newServerConn(cb transport.Callback, conf *transport.Config) *serverConn {
	c := &serverConn{
		logger:     conf.Logger,
		maxPayload: conf.MaxPayload,
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.polling = New(&queuedCallback{c: c, cb: cb}, conf)
	return c
}

// do runs fn under the lock, then drains queued events unless another
// goroutine is already doing so. A panic in fn or in an event releases the
// lock before it propagates.
func (c *serverConn) do(fn func()) {
	c.mu.Lock()
	c.locked(fn)
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	c.mu.Unlock()
	c.dispatch()
}

func (c *serverConn) locked(fn func()) {
	ok := false
	defer func() {
		if !ok {
			c.mu.Unlock()
		}
	}()
	fn()
	ok = true
}

func (c *serverConn) dispatch() {
	done := false
	defer func() {
		if !done {
			// events left behind go out with the next call
			c.mu.Lock()
			c.dispatching = false
			c.mu.Unlock()
		}
	}()

	for {
		c.mu.Lock()
		if len(c.events) == 0 {
			c.events = nil
			c.dispatching = false
			c.mu.Unlock()
			done = true
			return
		}
		ev := c.events[0]
		c.events[0] = nil
		c.events = c.events[1:]
		c.mu.Unlock()

		ev()
	}
}

// enqueue must be called with the lock held.
func (c *serverConn) enqueue(ev func()) {
	c.events = append(c.events, ev)
}

func (c *serverConn) Name() string {
	return "polling"
}

func (c *serverConn) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	c.logger.Debugf("%s request", r.Method)

	ch := newHTTPChannel(w, r, c.maxPayload)
	defer func() {
		if err := recover(); err != nil {
			if err != http.ErrAbortHandler {
				c.logger.Errorw("request handling panicked", "error", err)
				// detach the channel so the next request is served
				c.do(ch.fireClose)
			}
			panic(err)
		}
	}()

	c.do(func() { c.polling.OnRequest(ch) })
	return ch.serve(c.do)
}

func (c *serverConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polling.Writable()
}

// Send writes packets to the attached poll channel, or returns
// transport.ErrNotWritable when there is none to write to.
func (c *serverConn) Send(packets []message.Packet) (err error) {
	c.do(func() {
		switch {
		case c.polling.state != stateOpen:
			err = transport.ErrClosed
		case !c.polling.Writable():
			err = transport.ErrNotWritable
		default:
			c.polling.Send(packets)
		}
	})
	return
}

func (c *serverConn) Close(fn func()) {
	c.do(func() {
		c.polling.Close(func() {
			if fn != nil {
				c.enqueue(fn)
			}
		})
	})
}

type queuedCallback struct {
	c  *serverConn
	cb transport.Callback
}

func (q *queuedCallback) OnPacket(p message.Packet) {
	q.c.enqueue(func() { q.cb.OnPacket(p) })
}

func (q *queuedCallback) OnDrain() {
	q.c.enqueue(q.cb.OnDrain)
}

func (q *queuedCallback) OnError(err error) {
	q.c.enqueue(func() { q.cb.OnError(err) })
}

func (q *queuedCallback) OnClose() {
	q.c.enqueue(q.cb.OnClose)
}
