package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/heartline/matchcore/internal/auth"
	"github.com/heartline/matchcore/internal/block"
	"github.com/heartline/matchcore/internal/conversation"
	"github.com/heartline/matchcore/internal/database/dbtest"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/match"
	"github.com/heartline/matchcore/internal/moderation"
	"github.com/heartline/matchcore/internal/presence"
)

type readCall struct {
	matchID string
	reader  string
	ids     []uint64
}

type recordingReads struct {
	mu    sync.Mutex
	calls []readCall
}

func (r *recordingReads) PublishRead(matchID, readerID string, ids []uint64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, readCall{matchID: matchID, reader: readerID, ids: ids})
}

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	engine  *match.Engine
	store   *conversation.Store
	tracker *presence.Tracker
	reads   *recordingReads
	logs    *observer.ObservedLogs
	checks  map[string]func(ctx context.Context) error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	authCfg := auth.Config{SigningSecret: []byte("test-secret"), Issuer: "matchcore-test"}
	sessions, err := auth.NewSessionValidator(authCfg)
	require.NoError(t, err)

	blocks := block.NewStore(client)
	interactions := ledger.New(db, blocks, nil)
	engine := match.NewEngine(interactions, match.NewRepository(db), nil, nil, match.WithBlocker(blocks))
	store := conversation.NewStore(db, moderation.NewFilter(), nil)
	tracker := presence.NewTracker(presence.DefaultConfig(), engine, nil, nil)
	t.Cleanup(tracker.Close)

	core, logs := observer.New(zap.InfoLevel)
	ts := &testServer{
		issuer:  auth.NewTokenIssuer(authCfg, time.Hour),
		engine:  engine,
		store:   store,
		tracker: tracker,
		reads:   &recordingReads{},
		logs:    logs,
		checks:  map[string]func(ctx context.Context) error{},
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:      sessions,
		Engine:        engine,
		Interactions:  interactions,
		Matches:       engine.Repository(),
		Conversations: store,
		Presence:      tracker,
		Reads:         ts.reads,
		WebSocket: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
		Checks: ts.checks,
		Logger: zap.New(core),
	})
	require.NoError(t, err)
	ts.handler = handler
	return ts
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		token, err := s.issuer.Issue(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) matchUsers(t *testing.T, a, b string) string {
	t.Helper()
	rec := s.do(t, a, http.MethodPost, "/v1/interactions", gin.H{"targetId": b, "kind": "like"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, b, http.MethodPost, "/v1/interactions", gin.H{"targetId": a, "kind": "like"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, true, body["matchCreated"])
	return body["matchId"].(string)
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	assert.ErrorIs(t, err, errMissingSessions)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodGet, "/v1/matches", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["error"])

	req := httptest.NewRequest(http.MethodGet, "/v1/matches", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, s.logs.FilterMessage("token validation failed").Len())
}

func TestRecordInteractionCreatesMatchOnMutualLike(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "alice", http.MethodPost, "/v1/interactions", gin.H{"targetId": "bob", "kind": "like"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "recorded", body["status"])
	assert.Equal(t, false, body["matchCreated"])
	assert.Equal(t, "none", body["previousKind"])
	assert.NotContains(t, body, "matchId")

	rec = s.do(t, "bob", http.MethodPost, "/v1/interactions", gin.H{"targetId": "alice", "kind": "superlike"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["matchCreated"])
	assert.Equal(t, "superlike", body["kind"])
	assert.NotEmpty(t, body["matchId"])

	rec = s.do(t, "alice", http.MethodGet, "/v1/interactions/bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "like", decode(t, rec)["kind"])

	rec = s.do(t, "alice", http.MethodGet, "/v1/interactions/carol", nil)
	assert.Equal(t, "none", decode(t, rec)["kind"])
}

func TestRecordInteractionRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		code int
		err  string
	}{
		{"missing target", gin.H{"kind": "like"}, http.StatusBadRequest, "validation"},
		{"unknown kind", gin.H{"targetId": "bob", "kind": "wink"}, http.StatusBadRequest, "validation"},
		{"self", gin.H{"targetId": "alice", "kind": "like"}, http.StatusBadRequest, "invalid_target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, "alice", http.MethodPost, "/v1/interactions", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.err, decode(t, rec)["error"])
		})
	}
}

func TestPendingLikes(t *testing.T) {
	s := newTestServer(t)
	for _, u := range []string{"bob", "carol", "dave"} {
		rec := s.do(t, u, http.MethodPost, "/v1/interactions", gin.H{"targetId": "alice", "kind": "like"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, "alice", http.MethodPost, "/v1/interactions", gin.H{"targetId": "dave", "kind": "pass"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "alice", http.MethodGet, "/v1/likes/pending?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["items"], 1)
	cursor := body["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	rec = s.do(t, "alice", http.MethodGet, "/v1/likes/pending?limit=1&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Len(t, body["items"], 1)
	assert.Empty(t, body["nextCursor"])

	rec = s.do(t, "alice", http.MethodGet, "/v1/likes/pending?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMatchesIncludesSummaryAndPresence(t *testing.T) {
	s := newTestServer(t)
	matchID := s.matchUsers(t, "alice", "bob")

	_, err := s.store.SendMessage(context.Background(), matchID, "bob", "hi alice")
	require.NoError(t, err)
	s.tracker.Connect("bob", "conn-bob")

	rec := s.do(t, "alice", http.MethodGet, "/v1/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 1)

	m := items[0].(map[string]any)
	assert.Equal(t, matchID, m["matchId"])
	assert.Equal(t, "bob", m["otherUserId"])
	assert.Equal(t, float64(1), m["unreadCount"])
	assert.Equal(t, true, m["online"])
	assert.Equal(t, "hi alice", m["lastMessage"].(map[string]any)["body"])
}

func TestMessagesAndMarkRead(t *testing.T) {
	s := newTestServer(t)
	matchID := s.matchUsers(t, "alice", "bob")
	ctx := context.Background()
	for _, body := range []string{"one", "two", "three"} {
		_, err := s.store.SendMessage(ctx, matchID, "bob", body)
		require.NoError(t, err)
	}

	rec := s.do(t, "alice", http.MethodGet, "/v1/matches/"+matchID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "three", items[0].(map[string]any)["body"])
	assert.NotEmpty(t, body["nextCursor"])

	rec = s.do(t, "mallory", http.MethodGet, "/v1/matches/"+matchID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "alice", http.MethodPost, "/v1/matches/"+matchID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["messageIds"], 3)

	rec = s.do(t, "alice", http.MethodPost, "/v1/matches/"+matchID+"/read", gin.H{"messageIds": []uint64{1}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["messageIds"])

	s.reads.mu.Lock()
	defer s.reads.mu.Unlock()
	require.Len(t, s.reads.calls, 2)
	assert.Equal(t, "alice", s.reads.calls[0].reader)
	assert.Len(t, s.reads.calls[0].ids, 3)
	assert.Empty(t, s.reads.calls[1].ids)
}

func TestUnmatchAndBlock(t *testing.T) {
	s := newTestServer(t)
	matchID := s.matchUsers(t, "alice", "bob")

	rec := s.do(t, "mallory", http.MethodDelete, "/v1/matches/"+matchID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "alice", http.MethodDelete, "/v1/matches/"+matchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["isActive"])

	rec = s.do(t, "bob", http.MethodGet, "/v1/matches", nil)
	assert.Empty(t, decode(t, rec)["items"])

	other := s.matchUsers(t, "alice", "carol")
	rec = s.do(t, "carol", http.MethodPost, "/v1/blocks", gin.H{"targetId": "alice"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	m, err := s.engine.Repository().Get(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, m.IsActive)

	rec = s.do(t, "alice", http.MethodPost, "/v1/interactions", gin.H{"targetId": "carol", "kind": "like"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "carol", http.MethodPost, "/v1/blocks", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsFailingChecks(t *testing.T) {
	s := newTestServer(t)
	s.tracker.Connect("alice", "c1")

	rec := s.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["online"])

	s.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec = s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode(t, rec)["checks"].(map[string]any)["redis"])
}

func TestMetricsAndWebSocketRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "matchcore_")

	rec = s.do(t, "", http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
