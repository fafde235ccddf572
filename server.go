package pollio

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/taogames/pollio/parser"
	"github.com/taogames/pollio/transport"
	"github.com/taogames/pollio/transport/polling"
	"github.com/taogames/pollio/utils/idgen"
	"go.uber.org/zap"
)

const (
	DefaultMaxPayload = 1e6
)

type Server struct {
	pingInterval time.Duration
	pingTimeout  time.Duration
	maxPayload   int64
	headers      transport.HeaderFunc
	transports   *transport.Manager

	sessCh  chan *Session
	mu      sync.RWMutex
	sessMap map[string]*Session

	idGen  idgen.Generator
	logger *zap.SugaredLogger
}

type ServerOption func(o *Server)

// WithPingInterval sets the heartbeat period. Zero disables heartbeats.
func WithPingInterval(intv time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = intv
	}
}

func WithPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

func WithMaxPayload(payload int64) ServerOption {
	return func(s *Server) {
		s.maxPayload = payload
	}
}

func WithLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithIDGenerator(g idgen.Generator) ServerOption {
	return func(s *Server) {
		s.idGen = g
	}
}

// WithHeaders installs a hook that can add headers to data request responses.
func WithHeaders(fn transport.HeaderFunc) ServerOption {
	return func(s *Server) {
		s.headers = fn
	}
}

func NewServer(opts ...ServerOption) *Server {
	srv := &Server{
		pingInterval: 25 * time.Second,
		pingTimeout:  20 * time.Second,
		maxPayload:   DefaultMaxPayload,
		transports: transport.NewManager([]transport.Transport{
			polling.Default,
		}),
		sessMap: make(map[string]*Session),
		sessCh:  make(chan *Session),
		idGen:   idgen.Default,
	}

	for _, o := range opts {
		o(srv)
	}

	if srv.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		srv.logger = logger.Sugar()
	}

	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	s.logger.Debugf("%-8s%s", r.Method, query.Encode())

	reqEIO := query.Get("EIO")
	protocol, err := strconv.Atoi(reqEIO)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid EIO=%s", reqEIO))
		return
	}
	codec, err := parser.ForProtocol(protocol)
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid EIO=%s", reqEIO))
		return
	}

	reqTransportName := query.Get("transport")
	reqTransport, ok := s.transports.Get(reqTransportName)
	if !ok {
		s.badRequest(w, fmt.Sprintf("invalid transport=%s", reqTransportName))
		return
	}

	sid := query.Get("sid")
	var sess *Session
	if sid == "" {
		if r.Method != http.MethodGet {
			s.badRequest(w, fmt.Sprintf("invalid handshake method=%s", r.Method))
			return
		}
		sess, err = s.newSession(r, protocol, codec, reqTransport)
		if err != nil {
			s.logger.Errorf("new session: %s", err.Error())
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
	} else {
		sess, ok = s.session(sid)
		if !ok {
			s.badRequest(w, fmt.Sprintf("session=%v not exist", sid))
			return
		}
		if reqTransportName != sess.Transport() {
			s.badRequest(w, fmt.Sprintf("session=%s cannot switch from %s to %s", sid, sess.Transport(), reqTransportName))
			return
		}
	}

	if err := sess.ServeHTTP(w, r); err != nil {
		s.logger.Debugf("session=%s ServeHTTP: %s", sess.id, err.Error())
	}
}

func (s *Server) badRequest(w http.ResponseWriter, errMsg string) {
	s.logger.Error(errMsg)
	http.Error(w, errMsg, http.StatusBadRequest)
}

func (s *Server) Accept() <-chan *Session {
	return s.sessCh
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessMap)
}

// Close closes every live session.
func (s *Server) Close() error {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessMap))
	for _, sess := range s.sessMap {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}
	return nil
}

type HandshakeConfig struct {
	Sid          string   `json:"sid"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	Upgrades     []string `json:"upgrades"`
	MaxPayload   int64    `json:"maxPayload"`
}

func (s *Server) newSession(r *http.Request, protocol int, codec transport.Codec, t transport.Transport) (*Session, error) {
	sid, err := s.idGen.NextID()
	if err != nil {
		return nil, err
	}

	sess := newSession(s, sid, protocol, &HandshakeConfig{
		Sid:          sid,
		PingInterval: s.pingInterval.Milliseconds(),
		PingTimeout:  s.pingTimeout.Milliseconds(),
		Upgrades:     s.transports.Upgradable(t.Name()),
		MaxPayload:   s.maxPayload,
	})

	conn, err := t.Accept(r, sess, &transport.Config{
		Codec:          codec,
		SupportsBinary: r.URL.Query().Get("b64") == "",
		MaxPayload:     s.maxPayload,
		Headers:        s.headers,
		Logger:         sess.logger,
	})
	if err != nil {
		return nil, err
	}
	sess.conn = conn

	s.mu.Lock()
	s.sessMap[sid] = sess
	s.mu.Unlock()

	sess.Init()
	go sess.writeLoop()
	go sess.Ping()

	go func() {
		select {
		case s.sessCh <- sess:
		case <-sess.closeCh:
		}
	}()

	return sess, nil
}

func (s *Server) session(sid string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessMap[sid]
	return sess, ok
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessMap, sess.id)
}
