// Package api exposes the interaction, match and conversation operations
// over HTTP and mounts the websocket upgrade, health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/conversation"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/match"
	"github.com/heartline/matchcore/internal/metrics"
)

const userIDContextKey = "matchcore_user_id"

var (
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingEngine        = errors.New("match engine dependency required")
	errMissingInteractions  = errors.New("interaction ledger dependency required")
	errMissingMatches       = errors.New("match repository dependency required")
	errMissingConversations = errors.New("conversation store dependency required")
	errMissingPresence      = errors.New("presence dependency required")
)

// SessionValidator resolves the caller from a request.
type SessionValidator interface {
	ValidateSession(token string) (string, error)
	TokenFromRequest(r *http.Request) string
}

// Engine records interactions and ends matches.
type Engine interface {
	RecordInteraction(ctx context.Context, actor, target string, kind ledger.Kind) (match.Outcome, error)
	DeactivateMatch(ctx context.Context, matchID, initiator string) (*database.Match, error)
	Block(ctx context.Context, blocker, blocked string) error
}

// Interactions reads the ledger.
type Interactions interface {
	GetInteraction(ctx context.Context, a, b string) (ledger.Kind, error)
	PendingLikers(ctx context.Context, user, cursor string, limit int) (ledger.Page, error)
}

// Matches lists a user's matches.
type Matches interface {
	ListActive(ctx context.Context, user string) ([]database.Match, error)
}

// Conversations reads and marks messages.
type Conversations interface {
	ListMessages(ctx context.Context, matchID, viewerID, cursor string, limit int) (conversation.Page, error)
	MarkReadInMatch(ctx context.Context, matchID string, messageIDs []uint64, readerID string) ([]uint64, time.Time, error)
	MarkConversationRead(ctx context.Context, matchID, readerID string) ([]uint64, time.Time, error)
	Summaries(ctx context.Context, userID string, matchIDs []string) (map[string]conversation.Summary, error)
}

// Presence answers online questions for the match list and health.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
	LastSeen(ctx context.Context, userID string) (time.Time, bool)
	OnlineCount() int
	ConnectionCount() int
}

// ReadPublisher sends read receipts to connected clients.
type ReadPublisher interface {
	PublishRead(matchID, readerID string, ids []uint64, at time.Time)
}

// Dependencies are the collaborators of the HTTP handler. Reads,
// WebSocket, Checks and Logger are optional.
type Dependencies struct {
	Sessions       SessionValidator
	Engine         Engine
	Interactions   Interactions
	Matches        Matches
	Conversations  Conversations
	Presence       Presence
	Reads          ReadPublisher
	WebSocket      http.HandlerFunc
	Checks         map[string]func(ctx context.Context) error
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Engine == nil:
		return nil, errMissingEngine
	case deps.Interactions == nil:
		return nil, errMissingInteractions
	case deps.Matches == nil:
		return nil, errMissingMatches
	case deps.Conversations == nil:
		return nil, errMissingConversations
	case deps.Presence == nil:
		return nil, errMissingPresence
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	h := &httpHandler{
		sessions:      deps.Sessions,
		engine:        deps.Engine,
		interactions:  deps.Interactions,
		matches:       deps.Matches,
		conversations: deps.Conversations,
		presence:      deps.Presence,
		reads:         deps.Reads,
		checks:        deps.Checks,
		logger:        logging.Component(deps.Logger, "api"),
	}

	router.GET("/health", h.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if deps.WebSocket != nil {
		router.GET("/ws", gin.WrapF(deps.WebSocket))
	}

	v1 := router.Group("/v1")
	v1.Use(h.authorizeRequest)
	v1.POST("/interactions", h.handleRecordInteraction)
	v1.GET("/interactions/:targetId", h.handleGetInteraction)
	v1.GET("/likes/pending", h.handlePendingLikes)
	v1.GET("/matches", h.handleListMatches)
	v1.DELETE("/matches/:matchId", h.handleUnmatch)
	v1.GET("/matches/:matchId/messages", h.handleListMessages)
	v1.POST("/matches/:matchId/read", h.handleMarkRead)
	v1.POST("/blocks", h.handleBlock)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions      SessionValidator
	engine        Engine
	interactions  Interactions
	matches       Matches
	conversations Conversations
	presence      Presence
	reads         ReadPublisher
	checks        map[string]func(ctx context.Context) error
	logger        *zap.Logger
}

// authorizeRequest resolves the caller's user id from the session token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.sessions.TokenFromRequest(c.Request)
	if token == "" {
		h.abort(c, apperr.Unauthenticated(errors.New("missing session token")))
		return
	}
	userID, err := h.sessions.ValidateSession(token)
	if err != nil {
		h.logger.Info("token validation failed", zap.Error(err))
		h.abort(c, err)
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      state,
		"checks":      checks,
		"connections": h.presence.ConnectionCount(),
		"online":      h.presence.OnlineCount(),
	})
}

// writeError renders err with the status and code of its kind. Internal
// errors are logged and never leak their cause.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Code(err), "message": apperr.Message(err)})
}

func (h *httpHandler) abort(c *gin.Context, err error) {
	h.writeError(c, err)
	c.Abort()
}
