package broker

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/messaging"
)

// Sink receives frames from a relay for local delivery.
type Sink interface {
	DeliverRoom(matchID string, frame []byte, evict bool)
	DeliverUser(userID string, frame []byte)
}

// Relay moves room and user frames between processes. Watch calls mark
// the rooms and users this process has local connections for.
type Relay interface {
	Bind(sink Sink)
	PublishRoom(matchID string, frame []byte, evict bool) error
	PublishUser(userID string, frame []byte) error
	WatchRoom(matchID string) error
	UnwatchRoom(matchID string) error
	WatchUser(userID string) error
	UnwatchUser(userID string) error
}

// LocalRelay delivers frames in-process. It is used when no NATS server
// is configured.
type LocalRelay struct {
	sink Sink
}

// NewLocalRelay creates a LocalRelay.
func NewLocalRelay() *LocalRelay { return &LocalRelay{} }

func (r *LocalRelay) Bind(sink Sink) { r.sink = sink }

func (r *LocalRelay) PublishRoom(matchID string, frame []byte, evict bool) error {
	r.sink.DeliverRoom(matchID, frame, evict)
	return nil
}

func (r *LocalRelay) PublishUser(userID string, frame []byte) error {
	r.sink.DeliverUser(userID, frame)
	return nil
}

func (r *LocalRelay) WatchRoom(string) error   { return nil }
func (r *LocalRelay) UnwatchRoom(string) error { return nil }
func (r *LocalRelay) WatchUser(string) error   { return nil }
func (r *LocalRelay) UnwatchUser(string) error { return nil }

// Bus is the subset of the NATS client the relay needs.
type Bus interface {
	Subscribe(key, subject string, handler func(data []byte)) error
	Unsubscribe(key string) error
	PublishRoom(matchID string, data []byte) error
	PublishUser(userID string, data []byte) error
}

// envelope is the relay wire format on room subjects.
type envelope struct {
	Evict bool            `json:"evict,omitempty"`
	Frame json.RawMessage `json:"frame"`
}

// NATSRelay fans frames out over NATS subjects room.<match_id> and
// user.<user_id>. A process subscribes to a subject only while it holds a
// connection that needs it; its own publishes come back through the same
// subscription.
type NATSRelay struct {
	bus  Bus
	sink Sink
	log  *zap.Logger
}

// NewNATSRelay creates a relay over bus.
func NewNATSRelay(bus Bus, log *zap.Logger) *NATSRelay {
	return &NATSRelay{bus: bus, log: logging.Component(log, "relay")}
}

func (r *NATSRelay) Bind(sink Sink) { r.sink = sink }

func (r *NATSRelay) PublishRoom(matchID string, frame []byte, evict bool) error {
	data, err := json.Marshal(envelope{Evict: evict, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: encode: %w", err)
	}
	return r.bus.PublishRoom(matchID, data)
}

func (r *NATSRelay) PublishUser(userID string, frame []byte) error {
	return r.bus.PublishUser(userID, frame)
}

func (r *NATSRelay) WatchRoom(matchID string) error {
	return r.bus.Subscribe(roomKey(matchID), messaging.RoomSubject(matchID), func(data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.log.Warn("dropping malformed room frame", zap.String("match_id", matchID), zap.Error(err))
			return
		}
		r.sink.DeliverRoom(matchID, env.Frame, env.Evict)
	})
}

func (r *NATSRelay) UnwatchRoom(matchID string) error {
	return r.bus.Unsubscribe(roomKey(matchID))
}

func (r *NATSRelay) WatchUser(userID string) error {
	return r.bus.Subscribe(userKey(userID), messaging.UserSubject(userID), func(data []byte) {
		r.sink.DeliverUser(userID, data)
	})
}

func (r *NATSRelay) UnwatchUser(userID string) error {
	return r.bus.Unsubscribe(userKey(userID))
}

func roomKey(matchID string) string { return "room:" + matchID }
func userKey(userID string) string  { return "user:" + userID }
