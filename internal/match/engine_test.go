package match

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/block"
	"github.com/heartline/matchcore/internal/database/dbtest"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/ratelimit"
)

type recordingSink struct {
	mu         sync.Mutex
	created    []Created
	ended      []Ended
	superlikes [][2]string
}

func (s *recordingSink) MatchCreated(_ context.Context, ev Created) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, ev)
}

func (s *recordingSink) MatchEnded(_ context.Context, ev Ended) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, ev)
}

func (s *recordingSink) SuperlikeReceived(_ context.Context, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.superlikes = append(s.superlikes, [2]string{from, to})
}

type fixture struct {
	engine *Engine
	repo   *Repository
	sink   *recordingSink
	blocks *block.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	blocks := block.NewStore(client)
	repo := NewRepository(db)
	sink := &recordingSink{}
	engine := NewEngine(ledger.New(db, blocks, nil), repo, sink, nil,
		WithBlocker(blocks),
		WithSuperlikeQuota(ratelimit.NewLimiter(client, nil), ratelimit.SuperlikeRule(3)),
	)
	return &fixture{engine: engine, repo: repo, sink: sink, blocks: blocks}
}

func TestOneWayLikeDoesNotMatch(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.RecordInteraction(context.Background(), "alice", "bob", ledger.KindLike)
	require.NoError(t, err)
	assert.False(t, out.MatchCreated)
	assert.Nil(t, out.Match)
	assert.Equal(t, ledger.KindNone, out.Previous)
	assert.Empty(t, f.sink.created)
}

func TestMutualLikeCreatesMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)
	out, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	require.NoError(t, err)

	require.True(t, out.MatchCreated)
	require.NotNil(t, out.Match)
	assert.Equal(t, "alice", out.Match.UserAID)
	assert.Equal(t, "bob", out.Match.UserBID)
	assert.True(t, out.Match.IsActive)

	require.Len(t, f.sink.created, 1)
	assert.Equal(t, out.Match.ID, f.sink.created[0].MatchID)
	assert.False(t, f.sink.created[0].Superlike)

	// A repeated like returns the same match without a second event.
	again, err := f.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)
	assert.False(t, again.MatchCreated)
	assert.Equal(t, out.Match.ID, again.Match.ID)
	assert.Len(t, f.sink.created, 1)
}

func TestPassThenLikeFormsMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindPass)
	require.NoError(t, err)
	_, err = f.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)

	out, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindPass, out.Previous)
	assert.True(t, out.MatchCreated)
}

func TestPassDoesNotEndMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	require.NoError(t, err)
	out, err := f.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)

	_, err = f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindPass)
	require.NoError(t, err)

	m, err := f.repo.Get(ctx, out.Match.ID)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
}

func TestConcurrentMutualLikesCreateOneMatch(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
				ids     = map[string]bool{}
			)
			for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
				wg.Add(1)
				go func(actor, target string) {
					defer wg.Done()
					out, err := f.engine.RecordInteraction(ctx, actor, target, ledger.KindLike)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if out.MatchCreated {
						created++
					}
					if out.Match != nil {
						ids[out.Match.ID] = true
					}
				}(pair[0], pair[1])
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			assert.Len(t, ids, 1)
			assert.Len(t, f.sink.created, 1)
		})
	}
}

func TestCreateIfAbsentRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, ok, err := f.repo.CreateIfAbsent(ctx, fmt.Sprintf("m-%d", i), "zed", "amy", now)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[m.ID] = true
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	m, err := f.repo.FindByPair(ctx, "zed", "amy")
	require.NoError(t, err)
	assert.Equal(t, "amy", m.UserAID)
	assert.Equal(t, "zed", m.UserBID)
}

func matchPair(t *testing.T, f *fixture, a, b string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.RecordInteraction(ctx, a, b, ledger.KindLike)
	require.NoError(t, err)
	out, err := f.engine.RecordInteraction(ctx, b, a, ledger.KindLike)
	require.NoError(t, err)
	require.True(t, out.MatchCreated)
	return out.Match.ID
}

func TestDeactivateMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := matchPair(t, f, "alice", "bob")

	_, err := f.engine.DeactivateMatch(ctx, id, "mallory")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	m, err := f.engine.DeactivateMatch(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, m.IsActive)
	require.NotNil(t, m.UnmatchedBy)
	assert.Equal(t, "bob", *m.UnmatchedBy)
	require.Len(t, f.sink.ended, 1)
	assert.Equal(t, "bob", f.sink.ended[0].Initiator)

	_, err = f.engine.DeactivateMatch(ctx, id, "alice")
	require.NoError(t, err)
	assert.Len(t, f.sink.ended, 1, "second deactivation emits nothing")

	stored, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", *stored.UnmatchedBy)

	_, err = f.engine.DeactivateMatch(ctx, "missing", "alice")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRelikeDoesNotReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := matchPair(t, f, "alice", "bob")

	_, err := f.engine.DeactivateMatch(ctx, id, "alice")
	require.NoError(t, err)

	out, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	require.NoError(t, err)
	assert.False(t, out.MatchCreated)
	require.NotNil(t, out.Match)
	assert.Equal(t, id, out.Match.ID)
	assert.False(t, out.Match.IsActive)
}

func TestSuperlikeQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, target := range []string{"t1", "t2", "t3"} {
		_, err := f.engine.RecordInteraction(ctx, "alice", target, ledger.KindSuperlike)
		require.NoError(t, err)
	}
	// Repeating a superlike does not consume quota.
	_, err := f.engine.RecordInteraction(ctx, "alice", "t1", ledger.KindSuperlike)
	require.NoError(t, err)

	_, err = f.engine.RecordInteraction(ctx, "alice", "t4", ledger.KindSuperlike)
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	kind, err := ledger.New(f.repo.db, nil, nil).GetInteraction(ctx, "alice", "t4")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindNone, kind, "rejected superlike is not written")

	// Likes are not metered.
	_, err = f.engine.RecordInteraction(ctx, "alice", "t4", ledger.KindLike)
	require.NoError(t, err)

	assert.Len(t, f.sink.superlikes, 3)
}

func TestSuperlikeMatchFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindSuperlike)
	require.NoError(t, err)
	out, err := f.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)

	require.True(t, out.MatchCreated)
	require.Len(t, f.sink.created, 1)
	assert.True(t, f.sink.created[0].Superlike)
}

func TestBlockEndsMatchAndPreventsInteraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := matchPair(t, f, "alice", "bob")

	require.NoError(t, f.engine.Block(ctx, "bob", "alice"))

	m, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.IsActive)
	require.Len(t, f.sink.ended, 1)
	assert.Equal(t, "bob", f.sink.ended[0].Initiator)

	_, err = f.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	assert.ErrorIs(t, err, apperr.ErrInvalidTarget)

	_, err = f.engine.Authorize(ctx, id, "alice")
	assert.ErrorIs(t, err, apperr.ErrInactiveMatch)

	assert.ErrorIs(t, f.engine.Block(ctx, "bob", "bob"), apperr.ErrInvalidTarget)
	require.NoError(t, f.engine.Block(ctx, "bob", "stranger"))
}

func TestPeersAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ab := matchPair(t, f, "alice", "bob")
	matchPair(t, f, "carol", "alice")
	ad := matchPair(t, f, "alice", "dave")
	_, err := f.engine.DeactivateMatch(ctx, ad, "dave")
	require.NoError(t, err)

	peers, err := f.engine.ActivePeers(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, peers)

	active, err := f.repo.ListActive(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	m, err := f.engine.Authorize(ctx, ab, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.OtherUser("bob"))

	_, err = f.engine.Authorize(ctx, ab, "carol")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("zoe", "adam")
	assert.Equal(t, "adam", a)
	assert.Equal(t, "zoe", b)
}
