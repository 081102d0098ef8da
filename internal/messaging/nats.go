// Package messaging wraps the NATS connection shared by matchcore
// processes. Realtime servers relay room and user events to each other;
// offline notifications are handed to the notifier.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
)

// Subject prefixes.
const (
	SubjectRoom   = "room"   // + .<match_id>
	SubjectUser   = "user"   // + .<user_id>
	SubjectNotify = "notify" // + .<user_id>
)

// RoomSubject returns the subject carrying events for a match room.
func RoomSubject(matchID string) string { return SubjectRoom + "." + matchID }

// UserSubject returns the subject carrying events for a user.
func UserSubject(userID string) string { return SubjectUser + "." + userID }

// NotifySubject returns the subject carrying notifications for a user.
func NotifySubject(userID string) string { return SubjectNotify + "." + userID }

// Client wraps the NATS connection with keyed subscriptions.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns reconnect-forever defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "matchcore",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect dials NATS and returns a ready client.
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	log = logging.Component(log, "nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return NewClient(nc, log), nil
}

// NewClient wraps an established connection.
func NewClient(nc *nats.Conn, log *zap.Logger) *Client {
	return &Client{conn: nc, log: logging.Component(log, "nats"), subs: make(map[string]*nats.Subscription)}
}

// Publish sends data to subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject under key, replacing any
// subscription already held under that key.
func (c *Client) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

// QueueSubscribe registers handler for subject in a queue group so each
// message reaches one member of the group.
func (c *Client) QueueSubscribe(key, subject, queue string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) { handler(msg.Subject, msg.Data) })
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.store(key, sub)
	return nil
}

func (c *Client) store(key string, sub *nats.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			c.log.Warn("replace subscription", zap.String("key", key), zap.Error(err))
		}
	}
}

// Unsubscribe removes the subscription held under key.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// PublishRoom publishes a room event.
func (c *Client) PublishRoom(matchID string, data []byte) error {
	return c.Publish(RoomSubject(matchID), data)
}

// PublishUser publishes a user event.
func (c *Client) PublishUser(userID string, data []byte) error {
	return c.Publish(UserSubject(userID), data)
}

// PublishNotify hands a notification payload to the notifier.
func (c *Client) PublishNotify(userID string, data []byte) error {
	return c.Publish(NotifySubject(userID), data)
}

// SubscribeNotifications joins the notifier queue group on every user's
// notification subject.
func (c *Client) SubscribeNotifications(queue string, handler func(userID string, data []byte)) error {
	return c.QueueSubscribe("notify", SubjectNotify+".*", queue, func(subject string, data []byte) {
		handler(strings.TrimPrefix(subject, SubjectNotify+"."), data)
	})
}

// Flush round-trips to the server so earlier publishes are processed.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains all subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("key", key), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("drain connection", zap.Error(err))
	}
	c.log.Info("client closed")
}
