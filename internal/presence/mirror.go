package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix keys a hash of connection id -> server name per user.
	PresencePrefix = "presence:"

	// LastSeenPrefix keys the unix-millisecond last-seen time per user.
	LastSeenPrefix = "lastseen:"

	// DefaultMirrorTTL outlives the idle timeout so live users never expire
	// between refreshes.
	DefaultMirrorTTL = 2 * time.Minute

	lastSeenTTL = 30 * 24 * time.Hour
)

// Mirror publishes this process's presence into Redis so other processes
// can tell whether a user is online anywhere. It is a cache: entries left
// behind by a crashed process expire with their TTL.
type Mirror struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewMirror creates a Mirror writing entries tagged with serverName.
func NewMirror(client *redis.Client, serverName string, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &Mirror{client: client, serverName: serverName, ttl: ttl}
}

// Add records a live connection for userID.
func (m *Mirror) Add(ctx context.Context, userID, connID string) error {
	key := PresencePrefix + userID
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, connID, m.serverName)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add: %w", err)
	}
	return nil
}

// Remove drops a connection. When it was the user's last one anywhere, the
// last-seen time is stored.
func (m *Mirror) Remove(ctx context.Context, userID, connID string, lastSeen time.Time) error {
	key := PresencePrefix + userID
	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, key, connID)
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove: %w", err)
	}
	if remaining.Val() > 0 {
		return nil
	}
	err := m.client.Set(ctx, LastSeenPrefix+userID, lastSeen.UnixMilli(), lastSeenTTL).Err()
	if err != nil {
		return fmt.Errorf("presence: last seen: %w", err)
	}
	return nil
}

// Refresh extends the TTL of the user's entry.
func (m *Mirror) Refresh(ctx context.Context, userID string) error {
	if err := m.client.Expire(ctx, PresencePrefix+userID, m.ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// IsOnline reports whether any process holds a live connection for userID.
func (m *Mirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.client.HLen(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: lookup: %w", err)
	}
	return n > 0, nil
}

// LastSeen returns the stored last-seen time, if any.
func (m *Mirror) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := m.client.Get(ctx, LastSeenPrefix+userID).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence: last seen: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
