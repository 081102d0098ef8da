package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/matchcore/internal/auth"
	"github.com/heartline/matchcore/internal/block"
	"github.com/heartline/matchcore/internal/broker"
	"github.com/heartline/matchcore/internal/conversation"
	"github.com/heartline/matchcore/internal/database/dbtest"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/match"
	"github.com/heartline/matchcore/internal/moderation"
	"github.com/heartline/matchcore/internal/presence"
	"github.com/heartline/matchcore/internal/protocol"
	"github.com/heartline/matchcore/internal/ratelimit"
	"github.com/heartline/matchcore/internal/ws"
)

type stack struct {
	url    string
	issuer *auth.TokenIssuer
	engine *match.Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := dbtest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	authCfg := auth.Config{SigningSecret: []byte("secret"), Issuer: "matchcore-test"}
	sessions, err := auth.NewSessionValidator(authCfg)
	require.NoError(t, err)

	blocks := block.NewStore(client)
	engine := match.NewEngine(ledger.New(db, blocks, nil), match.NewRepository(db), nil, nil, match.WithBlocker(blocks))
	store := conversation.NewStore(db, moderation.NewFilter(), nil)
	tracker := presence.NewTracker(presence.DefaultConfig(), engine, nil, nil)
	t.Cleanup(tracker.Close)

	b := broker.New(broker.NewHub(nil, nil), broker.Deps{
		Matches:       engine,
		Conversations: store,
		Presence:      tracker,
		Blocks:        blocks,
		Limiter:       ratelimit.NewLimiter(client, nil),
		MessageRule:   ratelimit.MessageRule(30),
	}, nil)
	engine.SetSink(b)
	tracker.SetPublisher(b)
	store.OnAppended(b.MessageAppended)

	d := ws.NewMessageDispatcher(nil, nil)
	cfg := ws.DefaultServerConfig()
	srv := ws.NewServer(cfg, sessions, d.Dispatch, nil)
	d.SetServer(srv)
	b.Attach(srv, d)
	t.Cleanup(func() { _ = srv.Shutdown() })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleUpgrade)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &stack{
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		issuer: auth.NewTokenIssuer(authCfg, time.Hour),
		engine: engine,
	}
}

func (s *stack) dial(t *testing.T, user string) *Client {
	t.Helper()
	token, err := s.issuer.Issue(user)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.url, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WaitReady(ctx))
	return c
}

type frames struct {
	mu  sync.Mutex
	got []map[string]any
}

func (f *frames) record(raw json.RawMessage) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	f.mu.Lock()
	f.got = append(f.got, m)
	f.mu.Unlock()
}

func (f *frames) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *frames) at(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[i]
}

func TestDialWaitsForReady(t *testing.T) {
	s := newStack(t)
	c := s.dial(t, "alice")

	assert.Equal(t, "alice", c.UserID())
	m := c.GetMetrics()
	assert.Positive(t, m.ReadyLatency)
	assert.Equal(t, 1, m.MessagesReceived)
}

func TestDialRejectsBadToken(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, s.url, "garbage")
	assert.Error(t, err)
}

func TestConversationOverWebsocket(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_, err := s.engine.RecordInteraction(ctx, "alice", "bob", ledger.KindLike)
	require.NoError(t, err)
	out, err := s.engine.RecordInteraction(ctx, "bob", "alice", ledger.KindLike)
	require.NoError(t, err)
	matchID := out.Match.ID

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")

	var aliceAcks, bobAcks, bobMessages frames
	alice.On(protocol.TypeAck, aliceAcks.record)
	bob.On(protocol.TypeAck, bobAcks.record)
	bob.On(protocol.TypeMessageNew, bobMessages.record)

	_, err = alice.Send(protocol.TypeJoin, map[string]any{"matchId": matchID})
	require.NoError(t, err)
	_, err = bob.Send(protocol.TypeJoin, map[string]any{"matchId": matchID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return aliceAcks.len() == 1 && bobAcks.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	ref, err := alice.Send(protocol.TypeSend, map[string]any{"matchId": matchID, "body": "hello bob"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return bobMessages.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := bobMessages.at(0)
	assert.Equal(t, "hello bob", msg["body"])
	assert.Equal(t, "alice", msg["senderId"])
	assert.Equal(t, float64(1), msg["seq"])

	assert.Eventually(t, func() bool { return aliceAcks.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ref, aliceAcks.at(1)["ref"])
	assert.Equal(t, 2, alice.GetMetrics().MessagesSent)
}
