package ws

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/heartline/matchcore/internal/protocol"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	default:
		return "closed"
	}
}

type outFrame struct {
	op   ws.OpCode
	data []byte
}

// Connection represents a single websocket client with its authenticated
// user, joined rooms and a bounded outbound queue drained by a dedicated
// writer goroutine.
type Connection struct {
	ID        string   // connection ID (UUID)
	Conn      net.Conn // underlying network connection
	Fd        int      // file descriptor for epoll lookups, -1 when not pollable
	CreatedAt time.Time

	state        atomic.Int32
	userID       atomic.Pointer[string]
	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	processing   int32        // atomic flag: 0 = idle, 1 = being read

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	out          chan outFrame
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex
	writeTimeout time.Duration
	authTimer    atomic.Pointer[time.Timer]
	onOverflow   func(*Connection)
}

func newConnection(id string, conn net.Conn, fd int, queue int, writeTimeout time.Duration, now time.Time) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    now,
		rooms:        make(map[string]struct{}),
		out:          make(chan outFrame, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.touch(now)
	return c
}

// ConnectionID returns the connection's id.
func (c *Connection) ConnectionID() string { return c.ID }

// UserID returns the authenticated user, or "" while connecting.
func (c *Connection) UserID() string {
	if p := c.userID.Load(); p != nil {
		return *p
	}
	return ""
}

// State returns the connection's lifecycle stage.
func (c *Connection) State() State {
	s := State(c.state.Load())
	if s != StateAuthenticated {
		return s
	}
	c.roomsMu.Lock()
	joined := len(c.rooms) > 0
	c.roomsMu.Unlock()
	if joined {
		return StateJoined
	}
	return s
}

// Authenticated reports whether the connection has a user.
func (c *Connection) Authenticated() bool {
	return State(c.state.Load()) == StateAuthenticated
}

func (c *Connection) authenticate(userID string) bool {
	c.userID.Store(&userID)
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
}

// JoinRoom records membership of room. It reports false if the
// connection was already a member or is closed.
func (c *Connection) JoinRoom(room string) bool {
	if !c.Authenticated() {
		return false
	}
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// LeaveRoom removes membership of room. It reports whether the connection
// was a member.
func (c *Connection) LeaveRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// InRoom reports membership of room.
func (c *Connection) InRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns the joined rooms in sorted order.
func (c *Connection) Rooms() []string {
	c.roomsMu.Lock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.roomsMu.Unlock()
	sort.Strings(out)
	return out
}

func (c *Connection) touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send queues a text frame. It never blocks: when the queue is full the
// connection is dropped and Send reports false.
func (c *Connection) Send(data []byte) bool {
	return c.enqueue(outFrame{op: ws.OpText, data: data})
}

// SendMessage encodes and queues a server frame.
func (c *Connection) SendMessage(msgType string, payload any) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return false
	}
	return c.Send(data)
}

// SendError queues an error frame.
func (c *Connection) SendError(ref, code, message string) bool {
	return c.SendMessage(protocol.TypeError, protocol.ErrorMsg{Ref: ref, Code: code, Message: message})
}

func (c *Connection) enqueue(f outFrame) bool {
	if State(c.state.Load()) == StateClosed {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		if c.onOverflow != nil {
			c.onOverflow(c)
		}
		return false
	}
}

// writeLoop drains the outbound queue until the connection closes or a
// write fails.
func (c *Connection) writeLoop(onError func(*Connection, error)) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			if err := c.writeFrame(f); err != nil {
				onError(c, err)
				return
			}
		}
	}
}

func (c *Connection) writeFrame(f outFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if f.op == ws.OpText {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, f.data)
	}
	return ws.WriteFrame(c.Conn, ws.NewFrame(f.op, true, f.data))
}

// writeNow bypasses the queue. It is used for the last frame before a
// server-initiated close.
func (c *Connection) writeNow(data []byte) error {
	return c.writeFrame(outFrame{op: ws.OpText, data: data})
}

// markClosed moves the connection to Closed and releases its resources.
// It reports the state the connection was in, and false if it was already
// closed.
func (c *Connection) markClosed() (State, bool) {
	prev := State(c.state.Swap(int32(StateClosed)))
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		if t := c.authTimer.Load(); t != nil {
			t.Stop()
		}
		close(c.done)
		_ = c.Conn.Close()
	})
	return prev, closed
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	c.markClosed()
	return nil
}

// ConnectionManager is a thread-safe registry of connections by id, file
// descriptor and authenticated user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Bind indexes an authenticated connection under its user.
func (cm *ConnectionManager) Bind(conn *Connection) {
	userID := conn.UserID()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byID[conn.ID]; !ok {
		return
	}
	set, ok := cm.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[userID] = set
	}
	set[conn.ID] = conn
}

// Remove unregisters a connection by id. It reports false if the
// connection was already gone.
func (cm *ConnectionManager) Remove(id string) (*Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if !ok {
		return nil, false
	}
	delete(cm.byID, id)
	if conn.Fd >= 0 {
		delete(cm.byFd, conn.Fd)
	}
	if set, ok := cm.byUser[conn.UserID()]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(cm.byUser, conn.UserID())
		}
	}
	return conn, true
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// ByUser returns the connections of userID.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the current number of connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
