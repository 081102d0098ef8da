package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, nil), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "u1", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "event %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	assert.Equal(t, time.Minute, mr.TTL("rl:test:u1"))
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	d, _ := l.Allow(ctx, "u1", rule)
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "u1", rule)
	require.False(t, d.Allowed)

	mr.FastForward(time.Minute + time.Second)

	d, err := l.Allow(ctx, "u1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	d, _ := l.Allow(ctx, "u1", rule)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "u2", rule)
	assert.True(t, d.Allowed)
}

func TestZeroQuotaDeniesEverything(t *testing.T) {
	l, _ := newTestLimiter(t)

	d, err := l.Allow(context.Background(), "u1", SuperlikeRule(0))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRefund(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := SuperlikeRule(1)

	d, _ := l.Allow(ctx, "u1", rule)
	require.True(t, d.Allowed)
	l.Refund(ctx, "u1", rule)
	assert.False(t, mr.Exists("rl:superlike:u1"))

	d, _ = l.Allow(ctx, "u1", rule)
	assert.True(t, d.Allowed)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := MessageRule(5)

	n, err := l.Remaining(ctx, "u1", rule)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for i := 0; i < 7; i++ {
		_, _ = l.Allow(ctx, "u1", rule)
	}
	n, err = l.Remaining(ctx, "u1", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAllowFailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	d, err := l.Allow(context.Background(), "u1", RuleMessage)
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

func TestRuleConstructors(t *testing.T) {
	assert.Equal(t, 30, MessageRule(0).Limit)
	assert.Equal(t, 10, MessageRule(10).Limit)
	assert.Equal(t, time.Minute, MessageRule(10).Window)
	assert.Equal(t, 3, SuperlikeRule(3).Limit)
	assert.Equal(t, 24*time.Hour, SuperlikeRule(3).Window)
}
