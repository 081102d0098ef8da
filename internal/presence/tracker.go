// Package presence tracks which users have a live realtime connection and
// which users are typing in which match. State lives in memory and is
// rebuilt from connections after a restart.
//
// Transitions are applied under one lock and handed, in that order, to a
// worker shard chosen by user id. Each shard resolves the peers and
// publishes sequentially, so observers see a user's transitions in the
// order they happened.
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heartline/matchcore/internal/logging"
)

// Change is a presence transition of one user.
type Change struct {
	UserID     string
	Online     bool
	LastSeenAt time.Time
}

// Typing is a typing transition of one user in one match.
type Typing struct {
	MatchID  string
	UserID   string
	IsTyping bool
}

// Publisher delivers transitions. Calls for one user arrive in order.
type Publisher interface {
	PresenceChanged(ctx context.Context, peers []string, c Change)
	TypingChanged(ctx context.Context, t Typing)
}

// PeerLister resolves the users that share an active match with a user.
type PeerLister interface {
	ActivePeers(ctx context.Context, user string) ([]string, error)
}

// Config tunes the tracker.
type Config struct {
	TypingInterval time.Duration
	TypingExpiry   time.Duration
	Shards         int
	LookupTimeout  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingInterval: 2 * time.Second,
		TypingExpiry:   5 * time.Second,
		Shards:         16,
		LookupTimeout:  5 * time.Second,
	}
}

type connState struct {
	userID   string
	lastSeen time.Time
}

type typingState struct {
	timer     *time.Timer
	gen       uint64
	announced bool
}

// Tracker is the in-process presence registry.
type Tracker struct {
	cfg    Config
	peers  PeerLister
	pub    Publisher
	mirror *Mirror
	now    func() time.Time
	log    *zap.Logger

	mu       sync.Mutex
	conns    map[string]*connState
	users    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	typing   map[string]map[string]*typingState

	// Limiters outlive typingState so a stop does not reset the throttle.
	typingLimits map[string]map[string]*rate.Limiter

	shards []*shard
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror publishes presence into Redis.
func WithMirror(m *Mirror) Option { return func(t *Tracker) { t.mirror = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// NewTracker creates a Tracker and starts its publish workers.
func NewTracker(cfg Config, peers PeerLister, pub Publisher, log *zap.Logger, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = def.TypingInterval
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = def.TypingExpiry
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}

	t := &Tracker{
		cfg:      cfg,
		peers:    peers,
		pub:      pub,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.Component(log, "presence"),
		conns:    make(map[string]*connState),
		users:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]map[string]*typingState),
		done:     make(chan struct{}),

		typingLimits: make(map[string]map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.shards = make([]*shard, cfg.Shards)
	for i := range t.shards {
		t.shards[i] = newShard()
		t.wg.Add(1)
		go t.shards[i].run(t.done, &t.wg)
	}
	return t
}

// SetPublisher installs the publisher. It must be called before the
// tracker sees its first connection.
func (t *Tracker) SetPublisher(pub Publisher) { t.pub = pub }

// Close stops the workers after the queued transitions are published.
func (t *Tracker) Close() {
	t.once.Do(func() {
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Connect registers a connection. The user's first connection announces
// them online to their peers.
func (t *Tracker) Connect(userID, connID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connID]; ok {
		return
	}
	t.conns[connID] = &connState{userID: userID, lastSeen: now}
	set, ok := t.users[userID]
	if !ok {
		set = make(map[string]struct{})
		t.users[userID] = set
	}
	set[connID] = struct{}{}
	first := len(set) == 1

	t.shardFor(userID).push(func() {
		if t.mirror != nil {
			t.mirrorOp("add", func(ctx context.Context) error { return t.mirror.Add(ctx, userID, connID) })
		}
		if first {
			t.publishPresence(Change{UserID: userID, Online: true})
		}
	})
}

// Disconnect removes a connection. The user's last connection announces
// them offline, records their last-seen time and ends their typing.
func (t *Tracker) Disconnect(connID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok {
		return
	}
	delete(t.conns, connID)
	userID := cs.userID
	set := t.users[userID]
	delete(set, connID)
	last := len(set) == 0

	var stopped []Typing
	if last {
		delete(t.users, userID)
		t.lastSeen[userID] = now
		for matchID, st := range t.typing[userID] {
			st.timer.Stop()
			if st.announced {
				stopped = append(stopped, Typing{MatchID: matchID, UserID: userID})
			}
		}
		delete(t.typing, userID)
	}

	t.shardFor(userID).push(func() {
		if t.mirror != nil {
			t.mirrorOp("remove", func(ctx context.Context) error { return t.mirror.Remove(ctx, userID, connID, now) })
		}
		for _, ty := range stopped {
			t.publishTyping(ty)
		}
		if last {
			t.publishPresence(Change{UserID: userID, Online: false, LastSeenAt: now})
		}
	})
}

// Heartbeat refreshes a connection's last-seen time.
func (t *Tracker) Heartbeat(connID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.conns[connID]
	if !ok {
		return
	}
	cs.lastSeen = now
	if t.mirror != nil {
		userID := cs.userID
		t.shardFor(userID).push(func() {
			t.mirrorOp("refresh", func(ctx context.Context) error { return t.mirror.Refresh(ctx, userID) })
		})
	}
}

// Stale returns the connections whose last heartbeat is older than idle.
// It also drops typing limiters that have refilled.
func (t *Tracker) Stale(idle time.Duration) []string {
	cutoff := t.now().Add(-idle)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneTypingLimits()

	var ids []string
	for id, cs := range t.conns {
		if cs.lastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetTyping records whether userID is typing in matchID. Start and refresh
// broadcasts are limited to one per TypingInterval; a start without a
// refresh expires after TypingExpiry. A stop is always broadcast when peers
// were told the user was typing.
func (t *Tracker) SetTyping(userID, matchID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byMatch := t.typing[userID]
	st := byMatch[matchID]

	if !isTyping {
		if st == nil {
			return
		}
		st.timer.Stop()
		delete(byMatch, matchID)
		if len(byMatch) == 0 {
			delete(t.typing, userID)
		}
		if st.announced {
			t.shardFor(userID).push(func() {
				t.publishTyping(Typing{MatchID: matchID, UserID: userID})
			})
		}
		return
	}

	if _, online := t.users[userID]; !online {
		return
	}
	if st == nil {
		st = &typingState{}
		if byMatch == nil {
			byMatch = make(map[string]*typingState)
			t.typing[userID] = byMatch
		}
		byMatch[matchID] = st
	} else {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(t.cfg.TypingExpiry, func() { t.expireTyping(userID, matchID, gen) })

	if t.typingLimiter(userID, matchID).Allow() {
		st.announced = true
		t.shardFor(userID).push(func() {
			t.publishTyping(Typing{MatchID: matchID, UserID: userID, IsTyping: true})
		})
	}
}

// typingLimiter returns the broadcast limiter for userID in matchID. The
// caller holds t.mu.
func (t *Tracker) typingLimiter(userID, matchID string) *rate.Limiter {
	byMatch := t.typingLimits[userID]
	if byMatch == nil {
		byMatch = make(map[string]*rate.Limiter)
		t.typingLimits[userID] = byMatch
	}
	lim := byMatch[matchID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.cfg.TypingInterval), 1)
		byMatch[matchID] = lim
	}
	return lim
}

// pruneTypingLimits drops limiters with a full bucket; a fresh limiter
// behaves the same. The caller holds t.mu.
func (t *Tracker) pruneTypingLimits() {
	for userID, byMatch := range t.typingLimits {
		for matchID, lim := range byMatch {
			if lim.Tokens() >= 1 {
				delete(byMatch, matchID)
			}
		}
		if len(byMatch) == 0 {
			delete(t.typingLimits, userID)
		}
	}
}

func (t *Tracker) expireTyping(userID, matchID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byMatch := t.typing[userID]
	st := byMatch[matchID]
	if st == nil || st.gen != gen {
		return
	}
	delete(byMatch, matchID)
	if len(byMatch) == 0 {
		delete(t.typing, userID)
	}
	if st.announced {
		t.shardFor(userID).push(func() {
			t.publishTyping(Typing{MatchID: matchID, UserID: userID})
		})
	}
}

// IsTyping reports whether userID is currently typing in matchID.
func (t *Tracker) IsTyping(userID, matchID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID][matchID]
	return ok
}

// IsOnline reports whether userID has a live connection on this process or,
// with a mirror configured, on any process.
func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	t.mu.Lock()
	_, local := t.users[userID]
	t.mu.Unlock()
	if local || t.mirror == nil {
		return local
	}
	online, err := t.mirror.IsOnline(ctx, userID)
	if err != nil {
		t.log.Warn("presence mirror lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

// IsOnlineLocal reports whether userID has a live connection on this
// process.
func (t *Tracker) IsOnlineLocal(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// LastSeen returns when userID was last seen. Online users report their
// freshest heartbeat.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	t.mu.Lock()
	var latest time.Time
	for connID := range t.users[userID] {
		if ls := t.conns[connID].lastSeen; ls.After(latest) {
			latest = ls
		}
	}
	if latest.IsZero() {
		latest = t.lastSeen[userID]
	}
	t.mu.Unlock()

	if !latest.IsZero() {
		return latest, true
	}
	if t.mirror == nil {
		return time.Time{}, false
	}
	ts, ok, err := t.mirror.LastSeen(ctx, userID)
	if err != nil {
		t.log.Warn("presence mirror last seen failed", zap.String("user_id", userID), zap.Error(err))
		return time.Time{}, false
	}
	return ts, ok
}

// OnlineCount returns the number of users connected to this process.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// ConnectionCount returns the number of live connections on this process.
func (t *Tracker) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) publishPresence(c Change) {
	if t.pub == nil || t.peers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LookupTimeout)
	defer cancel()

	peers, err := t.peers.ActivePeers(ctx, c.UserID)
	if err != nil {
		t.log.Warn("peer lookup failed", zap.String("user_id", c.UserID), zap.Error(err))
		return
	}
	if len(peers) == 0 {
		return
	}
	t.pub.PresenceChanged(ctx, peers, c)
}

func (t *Tracker) publishTyping(ty Typing) {
	if t.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LookupTimeout)
	defer cancel()
	t.pub.TypingChanged(ctx, ty)
}

func (t *Tracker) mirrorOp(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LookupTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		t.log.Warn("presence mirror update failed", zap.String("op", op), zap.Error(err))
	}
}
