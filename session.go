package pollio

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/taogames/pollio/message"
	"github.com/taogames/pollio/parser"
	"github.com/taogames/pollio/transport"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrPingTimeout   = errors.New("ping timeout")
)

// Session is the protocol layer above one polling transport. Outgoing
// packets are buffered and flushed whenever the transport becomes writable.
type Session struct {
	id       string
	server   *Server
	conn     transport.Conn
	protocol int

	conf *HandshakeConfig

	logger *zap.SugaredLogger

	mu             sync.Mutex
	writeBuf       []message.Packet
	inbox          []*message.Message
	closeRequested bool
	closeIssued    bool

	flushCh chan struct{}
	readyCh chan struct{}
	pongCh  chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Callback = (*Session)(nil)

func newSession(server *Server, sid string, protocol int, conf *HandshakeConfig) *Session {
	return &Session{
		id:       sid,
		server:   server,
		protocol: protocol,
		conf:     conf,
		logger:   server.logger.With("sid", sid),
		flushCh:  make(chan struct{}, 1),
		readyCh:  make(chan struct{}, 1),
		pongCh:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Protocol() int {
	return s.protocol
}

func (s *Session) Transport() string {
	return s.conn.Name()
}

func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	return s.conn.ServeHTTP(w, r)
}

// Init queues the open packet; it goes out on the handshake poll.
func (s *Session) Init() {
	j, err := json.Marshal(s.conf)
	if err != nil {
		s.logger.Errorf("Init Marshal error: %s", err)
		return
	}
	s.write(message.NewPacket(message.PTOpen, j))
	s.logger.Debug("Init Write ", string(j))
}

func (s *Session) WriteMessage(msg *message.Message) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	closing := s.closeRequested
	s.mu.Unlock()
	if closing {
		return ErrSessionClosed
	}

	s.write(message.Packet{Type: message.PTMessage, MT: msg.Type, Data: msg.Data})
	return nil
}

// ReadMessage blocks until a message arrives or the session is closed.
// Messages received before the close are still returned.
func (s *Session) ReadMessage() (message.MessageType, []byte, error) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			msg := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return msg.Type, msg.Data, nil
		}
		s.mu.Unlock()

		select {
		case <-s.readyCh:
		case <-s.closeCh:
			s.mu.Lock()
			empty := len(s.inbox) == 0
			s.mu.Unlock()
			if empty {
				return 0, nil, ErrSessionClosed
			}
		}
	}
}

// Close flushes buffered packets and then closes the transport. The
// session is gone once the close packet reaches the client.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeRequested = true
	s.mu.Unlock()
	s.signal(s.flushCh)
	return nil
}

// Done is closed when the session is gone.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

// Err reports why the session ended.
func (s *Session) Err() error {
	select {
	case <-s.closeCh:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Session) OnPacket(p message.Packet) {
	switch p.Type {
	case message.PTMessage:
		s.mu.Lock()
		s.inbox = append(s.inbox, &message.Message{Type: p.MT, Data: p.Data})
		s.mu.Unlock()
		s.signal(s.readyCh)

	case message.PTPing:
		// EIO3 clients drive the heartbeat
		s.write(message.Packet{Type: message.PTPong, MT: message.MTText, Data: p.Data})
		s.signal(s.pongCh)

	case message.PTPong:
		s.signal(s.pongCh)

	case message.PTClose:
		s.logger.Debug("client close")
		s.conn.Close(nil)
		s.terminate(nil)

	default:
		s.logger.Debugf("ignoring %s packet", p.Type)
	}
}

func (s *Session) OnDrain() {
	s.signal(s.flushCh)
}

// OnError closes the session on malformed payloads. Overlapping and
// dropped requests are already logged by the transport and leave it usable.
func (s *Session) OnError(err error) {
	var parseErr *transport.ParseError
	if errors.As(err, &parseErr) {
		s.logger.Infow("closing on bad payload", "error", err)
		s.conn.Close(nil)
		s.terminate(err)
	}
}

func (s *Session) OnClose() {
	s.terminate(nil)
}

func (s *Session) write(p message.Packet) {
	s.mu.Lock()
	s.writeBuf = append(s.writeBuf, p)
	s.mu.Unlock()
	s.signal(s.flushCh)
}

func (s *Session) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine that sends on the transport, which keeps
// buffered packets in order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.flushCh:
		}

		s.mu.Lock()
		buf := s.writeBuf
		s.writeBuf = nil
		closeNow := len(buf) == 0 && s.closeRequested && !s.closeIssued
		if closeNow {
			s.closeIssued = true
		}
		s.mu.Unlock()

		if closeNow {
			s.logger.Debug("closing transport")
			s.conn.Close(func() { s.terminate(nil) })
			continue
		}
		if len(buf) == 0 {
			continue
		}

		err := s.conn.Send(buf)
		switch {
		case err == nil:
			// more may have been queued, or a close requested, meanwhile
			s.signal(s.flushCh)
		case errors.Is(err, transport.ErrNotWritable):
			s.mu.Lock()
			s.writeBuf = append(buf, s.writeBuf...)
			s.mu.Unlock()
		default:
			s.logger.Debugf("dropping %d packets: %s", len(buf), err)
		}
	}
}

// Ping runs the heartbeat until the session closes. EIO4 servers ping and
// wait for a pong; EIO3 clients ping and the server only watches the gap.
func (s *Session) Ping() {
	interval := time.Duration(s.conf.PingInterval) * time.Millisecond
	timeout := time.Duration(s.conf.PingTimeout) * time.Millisecond
	if interval <= 0 {
		return
	}

	if s.protocol == parser.ProtocolV3 {
		s.watchPings(interval + timeout)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if !s.ping(timeout) {
				return
			}
		}
	}
}

func (s *Session) ping(timeout time.Duration) bool {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	s.logger.Debug("[Ping]")
	s.write(message.NewPacket(message.PTPing, nil))

	select {
	case <-s.closeCh:
		// closed somewhere else
		return false
	case <-timeoutTimer.C:
		s.logger.Debug("[Ping] Timedout")
		s.conn.Close(nil)
		s.terminate(ErrPingTimeout)
		return false
	case <-s.pongCh:
		return true
	}
}

func (s *Session) watchPings(limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.pongCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(limit)
		case <-timer.C:
			s.logger.Debug("[Ping] Timedout")
			s.conn.Close(nil)
			s.terminate(ErrPingTimeout)
			return
		}
	}
}

func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.logger.Debugw("Session close", "reason", err)
		s.closeErr = err
		s.server.removeSession(s)
		close(s.closeCh)
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}
