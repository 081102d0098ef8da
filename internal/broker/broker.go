// Package broker is the realtime session broker. It joins connections to
// match rooms after re-checking authorization, turns client frames into
// store calls, and fans match, message, typing and presence events out to
// the connections that should see them. Users who are offline get a
// notification instead.
package broker

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/conversation"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/match"
	"github.com/heartline/matchcore/internal/metrics"
	"github.com/heartline/matchcore/internal/notify"
	"github.com/heartline/matchcore/internal/presence"
	"github.com/heartline/matchcore/internal/protocol"
	"github.com/heartline/matchcore/internal/ratelimit"
)

// Matches authorizes room access.
type Matches interface {
	Authorize(ctx context.Context, matchID, user string) (*database.Match, error)
}

// Conversations is the message store.
type Conversations interface {
	SendMessage(ctx context.Context, matchID, senderID, body string) (database.Message, error)
	MarkDelivered(ctx context.Context, messageIDs []uint64, recipientID string) ([]uint64, error)
	MarkReadInMatch(ctx context.Context, matchID string, messageIDs []uint64, readerID string) ([]uint64, time.Time, error)
	MarkConversationRead(ctx context.Context, matchID, readerID string) ([]uint64, time.Time, error)
}

// Presence tracks connections and typing.
type Presence interface {
	Connect(userID, connID string)
	Disconnect(connID string)
	Heartbeat(connID string)
	SetTyping(userID, matchID string, isTyping bool)
	IsOnline(ctx context.Context, userID string) bool
}

// BlockChecker reports blocks in either direction.
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Limiter meters message sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Notifier hands offline notifications to the push pipeline.
type Notifier interface {
	Notify(p notify.Payload)
}

// Deps are the broker's collaborators. Blocks, Limiter and Notifier are
// optional.
type Deps struct {
	Matches       Matches
	Conversations Conversations
	Presence      Presence
	Blocks        BlockChecker
	Limiter       Limiter
	Notifier      Notifier
	MessageRule   ratelimit.Rule
}

// Broker connects the transport to the match and conversation stores.
type Broker struct {
	hub     *Hub
	deps    Deps
	log     *zap.Logger
	timeout time.Duration
}

// New creates a Broker fanning out through hub.
func New(hub *Hub, deps Deps, log *zap.Logger) *Broker {
	if deps.MessageRule.Key == "" {
		deps.MessageRule = ratelimit.RuleMessage
	}
	return &Broker{
		hub:     hub,
		deps:    deps,
		log:     logging.Component(log, "broker"),
		timeout: 5 * time.Second,
	}
}

// Hub returns the broker's routing table.
func (b *Broker) Hub() *Hub { return b.hub }

func (b *Broker) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connected registers an authenticated connection and marks its user
// online.
func (b *Broker) Connected(c Conn) {
	b.hub.Register(c)
	b.deps.Presence.Connect(c.UserID(), c.ConnectionID())
}

// Activity records that c is alive.
func (b *Broker) Activity(c Conn) {
	b.deps.Presence.Heartbeat(c.ConnectionID())
}

// Disconnected releases every room membership, the user registration and
// the presence of c.
func (b *Broker) Disconnected(c Conn) {
	b.hub.Unregister(c)
	b.deps.Presence.Disconnect(c.ConnectionID())
}

// ---------------------------------------------------------------------------
// Client frames
// ---------------------------------------------------------------------------

// Join subscribes c to a match room. Access is checked against storage on
// every join: the match must be active, c's user a participant, and
// neither side may have blocked the other.
func (b *Broker) Join(ctx context.Context, c Conn, msg protocol.JoinMsg) {
	matchID := strings.TrimSpace(msg.MatchID)
	if matchID == "" {
		b.fail(c, msg.Ref, apperr.Validation("matchId is required"))
		return
	}
	m, err := b.deps.Matches.Authorize(ctx, matchID, c.UserID())
	if err != nil {
		b.fail(c, msg.Ref, err)
		return
	}
	if b.deps.Blocks != nil {
		blocked, err := b.deps.Blocks.IsBlocked(ctx, c.UserID(), m.OtherUser(c.UserID()))
		if err != nil {
			b.fail(c, msg.Ref, err)
			return
		}
		if blocked {
			b.fail(c, msg.Ref, apperr.Unauthorized("conversation is blocked"))
			return
		}
	}
	b.hub.Join(c, matchID)
	b.ack(c, protocol.AckMsg{Ref: msg.Ref})
}

// Leave unsubscribes c from a match room. Leaving a room c is not in is
// acknowledged.
func (b *Broker) Leave(_ context.Context, c Conn, msg protocol.LeaveMsg) {
	if b.hub.Leave(c, msg.MatchID) {
		b.deps.Presence.SetTyping(c.UserID(), msg.MatchID, false)
	}
	b.ack(c, protocol.AckMsg{Ref: msg.Ref})
}

// Send appends a chat message. The message.new fan-out happens in
// MessageAppended, in sequence order; the sender gets an ack.
func (b *Broker) Send(ctx context.Context, c Conn, msg protocol.SendMsg) {
	start := time.Now()
	userID := c.UserID()

	if b.deps.Limiter != nil {
		d, err := b.deps.Limiter.Allow(ctx, userID, b.deps.MessageRule)
		if err != nil {
			b.log.Warn("message rate limit unavailable", zap.String("user_id", userID), zap.Error(err))
		}
		if !d.Allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			sendFrame(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				Ref:        msg.Ref,
				RetryAfter: int(math.Ceil(d.RetryAfter.Seconds())),
			})
			return
		}
	}

	m, err := b.deps.Conversations.SendMessage(ctx, msg.MatchID, userID, msg.Body)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		}
		b.fail(c, msg.Ref, err)
		return
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	b.deps.Presence.SetTyping(userID, msg.MatchID, false)
	created := m.CreatedAt
	b.ack(c, protocol.AckMsg{Ref: msg.Ref, MessageID: m.ID, Seq: m.Seq, CreatedAt: &created})
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// Read marks messages read and sends a receipt to the room. Without ids
// the whole conversation is marked.
func (b *Broker) Read(ctx context.Context, c Conn, msg protocol.ReadMsg) {
	var (
		ids []uint64
		at  time.Time
		err error
	)
	if len(msg.MessageIDs) == 0 {
		ids, at, err = b.deps.Conversations.MarkConversationRead(ctx, msg.MatchID, c.UserID())
	} else {
		ids, at, err = b.deps.Conversations.MarkReadInMatch(ctx, msg.MatchID, msg.MessageIDs, c.UserID())
	}
	if err != nil {
		b.fail(c, msg.Ref, err)
		return
	}
	b.PublishRead(msg.MatchID, c.UserID(), ids, at)
	b.ack(c, protocol.AckMsg{Ref: msg.Ref})
}

// Delivered records delivery of messages to c's user.
func (b *Broker) Delivered(ctx context.Context, c Conn, msg protocol.DeliveredMsg) {
	if _, err := b.deps.Conversations.MarkDelivered(ctx, msg.MessageIDs, c.UserID()); err != nil {
		b.fail(c, msg.Ref, err)
		return
	}
	b.ack(c, protocol.AckMsg{Ref: msg.Ref})
}

// Typing updates c's typing state in a room it has joined.
func (b *Broker) Typing(_ context.Context, c Conn, msg protocol.TypingSetMsg) {
	if !c.InRoom(msg.MatchID) {
		b.fail(c, msg.Ref, apperr.Unauthorized("join the match before typing"))
		return
	}
	b.deps.Presence.SetTyping(c.UserID(), msg.MatchID, msg.IsTyping)
}

// ---------------------------------------------------------------------------
// Event fan-out
// ---------------------------------------------------------------------------

// MessageAppended fans a committed message out to the room and notifies
// the recipient when they are offline.
func (b *Broker) MessageAppended(ctx context.Context, m database.Message, recipientID string) {
	b.hub.BroadcastRoom(m.MatchID, mustFrame(protocol.TypeMessageNew, protocol.MessageNewMsg{
		MatchID:   m.MatchID,
		MessageID: m.ID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}))

	if b.deps.Notifier != nil && !b.deps.Presence.IsOnline(ctx, recipientID) {
		b.deps.Notifier.Notify(notify.Payload{
			Type:       notify.TypeNewMessage,
			UserID:     recipientID,
			MatchID:    m.MatchID,
			FromUserID: m.SenderID,
			Preview:    conversation.Preview(m.Body),
			CreatedAt:  m.CreatedAt,
		})
	}
}

// PublishRead sends a read receipt to the room. Nothing is sent when no
// message changed state.
func (b *Broker) PublishRead(matchID, readerID string, ids []uint64, at time.Time) {
	if len(ids) == 0 {
		return
	}
	b.hub.BroadcastRoom(matchID, mustFrame(protocol.TypeMessageRead, protocol.MessageReadMsg{
		MatchID:    matchID,
		ReaderID:   readerID,
		MessageIDs: ids,
		ReadAt:     at,
	}))
}

// MatchCreated tells both users about a new match, or notifies those who
// are offline.
func (b *Broker) MatchCreated(ctx context.Context, ev match.Created) {
	metrics.MatchEvents.WithLabelValues("created").Inc()
	for _, pair := range [][2]string{{ev.UserA, ev.UserB}, {ev.UserB, ev.UserA}} {
		user, other := pair[0], pair[1]
		b.hub.SendUser(user, mustFrame(protocol.TypeMatchCreated, protocol.MatchCreatedMsg{
			MatchID:     ev.MatchID,
			OtherUserID: other,
			Superlike:   ev.Superlike,
		}))
		if b.deps.Notifier != nil && !b.deps.Presence.IsOnline(ctx, user) {
			b.deps.Notifier.Notify(notify.Payload{
				Type:       notify.TypeNewMatch,
				UserID:     user,
				MatchID:    ev.MatchID,
				FromUserID: other,
				CreatedAt:  ev.CreatedAt,
			})
		}
	}
}

// MatchEnded tells the room the match is over and evicts its members.
func (b *Broker) MatchEnded(_ context.Context, ev match.Ended) {
	metrics.MatchEvents.WithLabelValues("ended").Inc()
	b.hub.CloseRoom(ev.MatchID, mustFrame(protocol.TypeMatchEnded, protocol.MatchEndedMsg{MatchID: ev.MatchID}))
}

// SuperlikeReceived notifies an offline target of a superlike that has
// not turned into a match.
func (b *Broker) SuperlikeReceived(ctx context.Context, from, to string) {
	if b.deps.Notifier == nil || b.deps.Presence.IsOnline(ctx, to) {
		return
	}
	b.deps.Notifier.Notify(notify.Payload{Type: notify.TypeSuperLike, UserID: to, FromUserID: from})
}

// PresenceChanged tells peers that a user came online or went offline.
func (b *Broker) PresenceChanged(_ context.Context, peers []string, ch presence.Change) {
	msg := protocol.PresenceChangedMsg{UserID: ch.UserID, Online: ch.Online}
	if !ch.Online && !ch.LastSeenAt.IsZero() {
		at := ch.LastSeenAt
		msg.LastSeenAt = &at
	}
	frame := mustFrame(protocol.TypePresenceChanged, msg)
	for _, peer := range peers {
		b.hub.SendUser(peer, frame)
	}
}

// TypingChanged relays a typing indicator to the room.
func (b *Broker) TypingChanged(_ context.Context, t presence.Typing) {
	b.hub.BroadcastRoom(t.MatchID, mustFrame(protocol.TypeTypingChanged, protocol.TypingChangedMsg{
		MatchID:  t.MatchID,
		UserID:   t.UserID,
		IsTyping: t.IsTyping,
	}))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (b *Broker) ack(c Conn, ack protocol.AckMsg) {
	sendFrame(c, protocol.TypeAck, ack)
}

func (b *Broker) fail(c Conn, ref string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		b.log.Error("request failed", zap.String("conn_id", c.ConnectionID()), zap.Error(err))
	}
	if apperr.KindOf(err) == apperr.KindRateLimited {
		sendFrame(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{Ref: ref})
		return
	}
	sendFrame(c, protocol.TypeError, protocol.ErrorMsg{
		Ref:     ref,
		Code:    apperr.Code(err),
		Message: apperr.Message(err),
	})
}

func sendFrame(c Conn, msgType string, payload any) {
	c.Send(mustFrame(msgType, payload))
}

func mustFrame(msgType string, payload any) []byte {
	return protocol.MustServerMessage(msgType, payload)
}
