// Package ws handles websocket connection management: upgrading HTTP
// requests, authenticating connections, reading frames through epoll and a
// bounded worker pool, and writing through per-connection queues.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/metrics"
	"github.com/heartline/matchcore/internal/protocol"
)

// Close reasons, used as metric labels and in logs.
const (
	ReasonClient      = "client"
	ReasonReadError   = "read_error"
	ReasonIdle        = "idle"
	ReasonAuthFailed  = "auth_failed"
	ReasonAuthTimeout = "auth_timeout"
	ReasonOverflow    = "overflow"
	ReasonWriteError  = "write_error"
	ReasonProtocol    = "protocol"
	ReasonShutdown    = "shutdown"
)

// Authenticator resolves session tokens to user ids.
type Authenticator interface {
	ValidateSession(token string) (string, error)
	TokenFromRequest(r *http.Request) string
}

// ServerConfig holds tunable parameters for the websocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for a frame read after epoll readiness
	WriteTimeout   time.Duration // timeout for a single frame write
	OutboundQueue  int           // per-connection outbound queue length
	AuthTimeout    time.Duration // time allowed for connection.auth after upgrade
	MaxFrameSize   int64         // largest accepted frame payload in bytes
}

// DefaultMaxFrameSize fits a maximum-length message body of 4-byte runes
// plus its JSON envelope.
const DefaultMaxFrameSize = 32 << 10

// maxControlPayload is the RFC 6455 limit for control frames.
const maxControlPayload = 125

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		OutboundQueue:  64,
		AuthTimeout:    5 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

// Server is the websocket server built on gobwas/ws and Linux epoll. The
// HTTP listener belongs to the caller; Server only provides the upgrade
// handler.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	log        *zap.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}
	now        func() time.Time

	onMessage       func(conn *Connection, data []byte)
	onAuthenticated func(conn *Connection)
	onActivity      func(conn *Connection)
	onDisconnect    func(conn *Connection)

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from a read worker for
// every complete text frame.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte), log *zap.Logger) *Server {
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = 64
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		config:     config,
		auth:       auth,
		log:        logging.Component(log, "ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// SetOnAuthenticated registers a callback invoked once a connection has a
// user, after connection.ready is queued.
func (s *Server) SetOnAuthenticated(fn func(conn *Connection)) { s.onAuthenticated = fn }

// SetOnActivity registers a callback invoked for every frame read from an
// authenticated connection.
func (s *Server) SetOnActivity(fn func(conn *Connection)) { s.onActivity = fn }

// SetOnDisconnect registers a callback invoked when an authenticated
// connection is removed. It runs synchronously before RemoveConnection
// returns, and may run a second time for a connection closed while its
// authenticated callback ran, so it must tolerate repeats.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Start creates the epoll instance and runs the event loop in the
// background.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = s.now()

	go s.startEventLoop()

	s.log.Info("websocket server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.startedAt)
}

// HandleUpgrade upgrades an HTTP request to a websocket connection. A token
// on the request authenticates the connection immediately; an invalid one
// is refused before upgrading.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var userID string
	if token := s.auth.TokenFromRequest(r); token != "" {
		id, err := s.auth.ValidateSession(token)
		if err != nil {
			metrics.ConnectionsClosed.WithLabelValues(ReasonAuthFailed).Inc()
			s.log.Debug("upgrade refused", zap.Error(err))
			http.Error(w, apperr.Message(err), apperr.HTTPStatus(err))
			return
		}
		userID = id
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	s.Attach(conn, userID)
}

// Attach registers an upgraded connection. With a userID the connection is
// authenticated at once; otherwise it waits AuthTimeout for connection.auth.
// Connections without a pollable file descriptor are read by a dedicated
// goroutine.
func (s *Server) Attach(conn net.Conn, userID string) *Connection {
	fd := socketFD(conn)
	c := newConnection(uuid.NewString(), conn, fd, s.config.OutboundQueue, s.config.WriteTimeout, s.now())
	c.onOverflow = func(c *Connection) {
		// Overflow is raised from senders that may hold broker locks.
		go s.RemoveConnection(c, ReasonOverflow)
	}

	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()
	go c.writeLoop(func(c *Connection, err error) {
		s.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.RemoveConnection(c, ReasonWriteError)
	})

	if userID != "" {
		s.authenticated(c, userID)
	} else {
		c.authTimer.Store(time.AfterFunc(s.config.AuthTimeout, func() {
			if State(c.state.Load()) == StateConnecting {
				s.log.Debug("auth timeout", zap.String("conn_id", c.ID))
				s.RemoveConnection(c, ReasonAuthTimeout)
			}
		}))
	}

	if fd >= 0 && s.epoll != nil {
		if err := s.epoll.Add(conn); err != nil {
			s.log.Warn("epoll add failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c, ReasonReadError)
			return c
		}
	} else {
		go s.readLoop(c)
	}

	s.log.Debug("new connection",
		zap.String("conn_id", c.ID),
		zap.Int("fd", fd),
		zap.Int("total", s.conns.Count()))
	return c
}

// Authenticate validates a connection.auth token. A failure is reported to
// the client and the connection is closed.
func (s *Server) Authenticate(c *Connection, ref, token string) {
	userID, err := s.auth.ValidateSession(token)
	if err != nil {
		if frame, ferr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Ref:     ref,
			Code:    apperr.Code(err),
			Message: apperr.Message(err),
		}); ferr == nil {
			_ = c.writeNow(frame)
		}
		s.RemoveConnection(c, ReasonAuthFailed)
		return
	}
	s.authenticated(c, userID)
}

func (s *Server) authenticated(c *Connection, userID string) {
	if !c.authenticate(userID) {
		return
	}
	if t := c.authTimer.Load(); t != nil {
		t.Stop()
	}
	s.conns.Bind(c)
	c.SendMessage(protocol.TypeReady, protocol.ReadyMsg{ConnectionID: c.ID, UserID: userID})
	if s.onAuthenticated != nil {
		s.onAuthenticated(c)
		// A failed ready write can remove the connection while the hook
		// runs; release whatever the hook registered after that cleanup.
		if c.State() == StateClosed && s.onDisconnect != nil {
			s.onDisconnect(c)
			return
		}
	}
	s.log.Debug("connection authenticated", zap.String("conn_id", c.ID), zap.String("user_id", userID))
}

// startEventLoop runs the epoll wait loop and hands ready connections to
// the bounded worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from an epoll-ready connection. The CAS guard
// keeps a connection's frames in order when level-triggered epoll reports
// it again before the previous read finished.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(s.now().Add(s.config.ReadTimeout))
	}
	s.readFrame(c, true)
}

// readLoop reads frames from a connection that cannot be polled.
func (s *Server) readLoop(c *Connection) {
	for s.readFrame(c, false) {
	}
}

// readFrame reads and dispatches a single frame. It reports false once the
// connection has been removed.
func (s *Server) readFrame(c *Connection, polled bool) bool {
	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout after epoll readiness means a stale dispatch; the
		// heartbeat takes care of dead peers.
		var netErr net.Error
		if polled && errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		reason := ReasonReadError
		if errors.Is(err, io.EOF) {
			reason = ReasonClient
		}
		s.RemoveConnection(c, reason)
		return false
	}
	if polled {
		_ = c.Conn.SetReadDeadline(time.Time{})
	}

	c.touch(s.now())
	if c.Authenticated() && s.onActivity != nil {
		s.onActivity(c)
	}

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c, ReasonClient)
			return false
		}
		if header.Length > maxControlPayload {
			s.rejectFrame(c, header)
			return false
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c, ReasonReadError)
			return false
		}
		if header.OpCode == ws.OpPing {
			c.enqueue(outFrame{op: ws.OpPong, data: payload})
		}
		return true
	}

	if header.Length > s.config.MaxFrameSize {
		s.rejectFrame(c, header)
		return false
	}
	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c, ReasonReadError)
			return false
		}
	}
	if len(data) == 0 {
		return true
	}
	if s.onMessage != nil {
		s.onMessage(c, data)
	}
	return State(c.state.Load()) != StateClosed
}

// rejectFrame closes a connection whose frame header announces a payload
// larger than the server accepts. The payload is never read.
func (s *Server) rejectFrame(c *Connection, header ws.Header) {
	s.log.Debug("frame too large",
		zap.String("conn_id", c.ID),
		zap.Int64("length", header.Length),
		zap.Int64("limit", s.config.MaxFrameSize))
	_ = c.writeFrame(outFrame{op: ws.OpClose, data: ws.NewCloseFrameBody(ws.StatusMessageTooBig, "frame too large")})
	s.RemoveConnection(c, ReasonProtocol)
}

// RemoveConnection unregisters a connection and closes it. Room membership,
// user registration and presence are released by the disconnect callback
// before this returns. Concurrent calls for the same connection run the
// cleanup once.
func (s *Server) RemoveConnection(c *Connection, reason string) {
	if s.epoll != nil && c.Fd >= 0 {
		_ = s.epoll.Remove(c.Conn)
	}
	if _, ok := s.conns.Remove(c.ID); !ok {
		return
	}
	prev, _ := c.markClosed()
	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosed.WithLabelValues(reason).Inc()

	if prev != StateConnecting && s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Debug("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID()),
		zap.String("reason", reason),
		zap.Int("total", s.conns.Count()))
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and closes every connection.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		s.log.Info("shutting down websocket server")
		close(s.done)
		for _, c := range s.conns.All() {
			s.RemoveConnection(c, ReasonShutdown)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("websocket server stopped")
	})
	return nil
}
