package ws

import (
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/metrics"
	"github.com/heartline/matchcore/internal/protocol"
)

// MessageHandler handles a parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client frames to registered handlers. It owns
// the connection.auth and ping frames and enforces that nothing else is
// accepted before a connection is authenticated.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *zap.Logger
}

// NewMessageDispatcher creates a MessageDispatcher bound to server, which
// may be nil and set later with SetServer.
func NewMessageDispatcher(server *Server, log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      logging.Component(log, "dispatcher"),
	}
}

// SetServer assigns the Server. NewServer needs Dispatch as its callback,
// so the dispatcher is usually created first.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback. While a connection is connecting the
// only accepted frame is connection.auth; anything else closes it.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if !conn.Authenticated() {
			d.server.RemoveConnection(conn, ReasonProtocol)
			return
		}
		d.log.Debug("parse error", zap.String("conn_id", conn.ID), zap.Error(err))
		conn.SendError("", "validation", "invalid message format")
		return
	}
	metrics.FramesReceived.WithLabelValues(msgType).Inc()

	if !conn.Authenticated() {
		auth, ok := msg.(protocol.AuthMsg)
		if !ok {
			d.log.Debug("frame before auth", zap.String("conn_id", conn.ID), zap.String("type", msgType))
			d.server.RemoveConnection(conn, ReasonProtocol)
			return
		}
		d.server.Authenticate(conn, auth.Ref, auth.Token)
		return
	}

	switch m := msg.(type) {
	case protocol.AuthMsg:
		conn.SendError(m.Ref, "validation", "connection already authenticated")
		return
	case protocol.PingMsg:
		conn.SendMessage(protocol.TypePong, protocol.PongMsg{Ref: m.Ref})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn_id", conn.ID))
		conn.SendError(protocol.Ref(msg), "validation", "unsupported message type")
		return
	}
	handler(conn, msg)
}
