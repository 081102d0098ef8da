// Package block provides the block predicate consumed by the match and
// messaging core. Block records are Redis sets keyed by the blocking user:
//
//	Key:     blocks:<user_id>
//	Members: ids of users that user has blocked
package block

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BlocksPrefix is the Redis key prefix for block sets.
const BlocksPrefix = "blocks:"

// Store manages block records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Block records that blocker has blocked blocked. Blocking twice is a no-op.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SAdd(ctx, BlocksPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: add: %w", err)
	}
	return nil
}

// Unblock removes a block immediately.
func (s *Store) Unblock(ctx context.Context, blocker, blocked string) error {
	if err := s.client.SRem(ctx, BlocksPrefix+blocker, blocked).Err(); err != nil {
		return fmt.Errorf("block: remove: %w", err)
	}
	return nil
}

// IsBlocked reports whether either user has blocked the other. Both
// membership checks go out in one pipeline.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	pipe := s.client.Pipeline()
	ab := pipe.SIsMember(ctx, BlocksPrefix+a, b)
	ba := pipe.SIsMember(ctx, BlocksPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("block: check: %w", err)
	}
	return ab.Val() || ba.Val(), nil
}

// BlockedBy returns the ids the user has blocked.
func (s *Store) BlockedBy(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, BlocksPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("block: list: %w", err)
	}
	return ids, nil
}
