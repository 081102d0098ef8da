// Package notify defines the offline notification payload and the
// dispatchers that hand payloads to the push pipeline. Delivery is
// fire-and-forget: a failed hand-off is logged, never surfaced to the
// action that caused it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/metrics"
)

// Type identifies a notification.
type Type string

const (
	TypeNewMatch   Type = "new_match"
	TypeNewMessage Type = "new_message"
	TypeSuperLike  Type = "super_like"
)

// Payload is the notification contract shared with the push pipeline.
type Payload struct {
	Type       Type      `json:"type"`
	UserID     string    `json:"userId"`
	MatchID    string    `json:"matchId,omitempty"`
	FromUserID string    `json:"fromUserId,omitempty"`
	Preview    string    `json:"preview,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Validate checks the fields each type requires.
func (p Payload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("notify: missing user id")
	}
	switch p.Type {
	case TypeNewMatch, TypeNewMessage:
		if p.MatchID == "" {
			return fmt.Errorf("notify: %s requires a match id", p.Type)
		}
	case TypeSuperLike:
		if p.FromUserID == "" {
			return fmt.Errorf("notify: %s requires a sender", p.Type)
		}
	default:
		return fmt.Errorf("notify: unknown type %q", p.Type)
	}
	return nil
}

// Decode parses and validates a payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("notify: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Dispatcher hands a payload to the push pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, p Payload) error
}

// LogDispatcher only logs payloads. It is used when no pipeline is
// configured.
type LogDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: logging.Component(log, "notify")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, p Payload) error {
	d.log.Info("notification",
		zap.String("type", string(p.Type)),
		zap.String("user_id", p.UserID),
		zap.String("match_id", p.MatchID))
	return nil
}

// Notifier sends payloads asynchronously through a Dispatcher. Payloads
// wait in a bounded queue for a fixed set of workers; a full queue drops
// the payload.
type Notifier struct {
	dispatcher Dispatcher
	workers    int
	timeout    time.Duration
	queue      chan Payload
	log        *zap.Logger
}

// NewNotifier wraps dispatcher with the given worker count and queue depth.
// Nothing is dispatched until Run is called.
func NewNotifier(dispatcher Dispatcher, workers, depth int, log *zap.Logger) *Notifier {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 1024
	}
	return &Notifier{
		dispatcher: dispatcher,
		workers:    workers,
		timeout:    5 * time.Second,
		queue:      make(chan Payload, depth),
		log:        logging.Component(log, "notify"),
	}
}

// Notify queues p for dispatch. It never blocks.
func (n *Notifier) Notify(p Payload) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := p.Validate(); err != nil {
		n.log.Warn("dropping invalid notification", zap.Error(err))
		return
	}
	select {
	case n.queue <- p:
	default:
		metrics.NotificationsTotal.WithLabelValues(string(p.Type), "dropped").Inc()
		n.log.Warn("queue full, dropping notification",
			zap.String("type", string(p.Type)),
			zap.String("user_id", p.UserID))
	}
}

// Run dispatches queued payloads until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-n.queue:
					n.dispatch(ctx, p)
				}
			}
		})
	}
	return g.Wait()
}

func (n *Notifier) dispatch(ctx context.Context, p Payload) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.dispatcher.Dispatch(ctx, p); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(p.Type), "failed").Inc()
		n.log.Warn("notification hand-off failed",
			zap.String("type", string(p.Type)),
			zap.String("user_id", p.UserID),
			zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(p.Type), "sent").Inc()
}
