package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher is the subset of the NATS client the dispatcher needs.
type Publisher interface {
	PublishNotify(userID string, data []byte) error
}

// NATSDispatcher publishes payloads on notify.<user_id> for the notifier
// process.
type NATSDispatcher struct {
	pub Publisher
}

// NewNATSDispatcher creates a NATSDispatcher.
func NewNATSDispatcher(pub Publisher) *NATSDispatcher {
	return &NATSDispatcher{pub: pub}
}

func (d *NATSDispatcher) Dispatch(_ context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	return d.pub.PublishNotify(p.UserID, data)
}
