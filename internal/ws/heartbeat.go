package ws

import (
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval    time.Duration // how often to ping
	IdleTimeout time.Duration // inactivity after which a connection is evicted
	// Stale, when set, reports connection ids idle for longer than the given
	// duration according to the presence tracker.
	Stale func(idle time.Duration) []string
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    20 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those
// that have been idle longer than IdleTimeout. It returns immediately; the
// goroutine exits when the server shuts down.
func (s *Server) StartHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections evicts idle connections and queues a protocol-level
// ping frame on the rest.
func (s *Server) checkConnections(config HeartbeatConfig) {
	stale := make(map[string]struct{})
	if config.Stale != nil {
		for _, id := range config.Stale(config.IdleTimeout) {
			stale[id] = struct{}{}
		}
	}

	now := s.now()
	for _, c := range s.conns.All() {
		_, isStale := stale[c.ID]
		idle := now.Sub(c.LastActivity())
		if isStale || idle > config.IdleTimeout {
			s.log.Debug("heartbeat timeout",
				zap.String("conn_id", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c, ReasonIdle)
			continue
		}
		c.enqueue(outFrame{op: ws.OpPing})
	}
}
