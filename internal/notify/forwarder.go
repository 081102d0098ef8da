package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/metrics"
)

type delivery struct {
	userID string
	data   []byte
}

// Forwarder moves payloads received on notify.<user_id> into a Dispatcher
// using a fixed set of workers. Malformed payloads and payloads whose user
// does not match the subject are dropped.
type Forwarder struct {
	dispatcher Dispatcher
	workers    int
	timeout    time.Duration
	queue      chan delivery
	log        *zap.Logger
}

// NewForwarder creates a Forwarder with the given worker count and queue
// depth.
func NewForwarder(dispatcher Dispatcher, workers, depth int, log *zap.Logger) *Forwarder {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 1024
	}
	return &Forwarder{
		dispatcher: dispatcher,
		workers:    workers,
		timeout:    5 * time.Second,
		queue:      make(chan delivery, depth),
		log:        logging.Component(log, "notify.forwarder"),
	}
}

// Handle queues a raw payload. It never blocks; a full queue drops the
// payload.
func (f *Forwarder) Handle(userID string, data []byte) {
	select {
	case f.queue <- delivery{userID: userID, data: data}:
	default:
		metrics.NotificationsTotal.WithLabelValues("unknown", "dropped").Inc()
		f.log.Warn("queue full, dropping notification", zap.String("user_id", userID))
	}
}

// Run processes queued payloads until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-f.queue:
					f.forward(ctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (f *Forwarder) forward(ctx context.Context, d delivery) {
	p, err := Decode(d.data)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("unknown", "invalid").Inc()
		f.log.Warn("invalid notification", zap.String("user_id", d.userID), zap.Error(err))
		return
	}
	if p.UserID != d.userID {
		metrics.NotificationsTotal.WithLabelValues(string(p.Type), "invalid").Inc()
		f.log.Warn("notification subject mismatch",
			zap.String("subject_user", d.userID),
			zap.String("payload_user", p.UserID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.dispatcher.Dispatch(ctx, p); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(p.Type), "failed").Inc()
		f.log.Warn("forward failed", zap.String("type", string(p.Type)), zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(p.Type), "forwarded").Inc()
}
