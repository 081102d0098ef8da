package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/metrics"
)

type interactionRequest struct {
	TargetID string `json:"targetId" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
}

type interactionResponse struct {
	Status       string      `json:"status"`
	Kind         ledger.Kind `json:"kind"`
	PreviousKind ledger.Kind `json:"previousKind"`
	MatchCreated bool        `json:"matchCreated"`
	MatchID      string      `json:"matchId,omitempty"`
}

type likerView struct {
	UserID  string      `json:"userId"`
	Kind    ledger.Kind `json:"kind"`
	LikedAt time.Time   `json:"likedAt"`
}

type messageView struct {
	ID          uint64     `json:"id"`
	MatchID     string     `json:"matchId"`
	Seq         uint64     `json:"seq"`
	SenderID    string     `json:"senderId"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

type matchView struct {
	MatchID        string       `json:"matchId"`
	OtherUserID    string       `json:"otherUserId"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	LastMessage    *messageView `json:"lastMessage,omitempty"`
	UnreadCount    int64        `json:"unreadCount"`
	Online         bool         `json:"online"`
	LastSeenAt     *time.Time   `json:"lastSeenAt,omitempty"`
}

type readRequest struct {
	MessageIDs []uint64 `json:"messageIds"`
}

type blockRequest struct {
	TargetID string `json:"targetId" binding:"required"`
}

func newMessageView(m database.Message) messageView {
	return messageView{
		ID:          m.ID,
		MatchID:     m.MatchID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}
}

func (h *httpHandler) handleRecordInteraction(c *gin.Context) {
	var req interactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("targetId and kind are required"))
		return
	}
	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out, err := h.engine.RecordInteraction(c.Request.Context(), c.GetString(userIDContextKey), req.TargetID, kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.InteractionsTotal.WithLabelValues(string(kind)).Inc()

	resp := interactionResponse{Status: "recorded", Kind: out.Kind, PreviousKind: out.Previous, MatchCreated: out.MatchCreated}
	if out.Match != nil {
		resp.MatchID = out.Match.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *httpHandler) handleGetInteraction(c *gin.Context) {
	kind, err := h.interactions.GetInteraction(c.Request.Context(), c.GetString(userIDContextKey), c.Param("targetId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind})
}

func (h *httpHandler) handlePendingLikes(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, err := h.interactions.PendingLikers(c.Request.Context(), c.GetString(userIDContextKey), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]likerView, 0, len(page.Items))
	for _, l := range page.Items {
		items = append(items, likerView{UserID: l.UserID, Kind: l.Kind, LikedAt: l.LikedAt})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "nextCursor": page.NextCursor})
}

func (h *httpHandler) handleListMatches(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(userIDContextKey)

	matches, err := h.matches.ListActive(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	summaries, err := h.conversations.Summaries(ctx, userID, ids)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]matchView, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		other := m.OtherUser(userID)
		v := matchView{
			MatchID:        m.ID,
			OtherUserID:    other,
			CreatedAt:      m.CreatedAt,
			LastActivityAt: m.LastActivityAt,
			Online:         h.presence.IsOnline(ctx, other),
		}
		if s, ok := summaries[m.ID]; ok {
			v.UnreadCount = s.Unread
			if s.LastMessage != nil {
				lm := newMessageView(*s.LastMessage)
				v.LastMessage = &lm
			}
		}
		if !v.Online {
			if at, ok := h.presence.LastSeen(ctx, other); ok {
				v.LastSeenAt = &at
			}
		}
		items = append(items, v)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleUnmatch(c *gin.Context) {
	m, err := h.engine.DeactivateMatch(c.Request.Context(), c.Param("matchId"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matchId": m.ID, "isActive": m.IsActive, "unmatchedAt": m.UnmatchedAt})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, err := h.conversations.ListMessages(c.Request.Context(), c.Param("matchId"), c.GetString(userIDContextKey), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]messageView, 0, len(page.Messages))
	for _, m := range page.Messages {
		items = append(items, newMessageView(m))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "nextCursor": page.NextCursor})
}

// handleMarkRead marks the listed messages read, or the whole conversation
// when no ids are given, and pushes the receipt to connected clients.
func (h *httpHandler) handleMarkRead(c *gin.Context) {
	var req readRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.writeError(c, apperr.Validation("messageIds must be a list of ids"))
			return
		}
	}

	ctx := c.Request.Context()
	matchID := c.Param("matchId")
	userID := c.GetString(userIDContextKey)

	var (
		ids []uint64
		at  time.Time
		err error
	)
	if len(req.MessageIDs) == 0 {
		ids, at, err = h.conversations.MarkConversationRead(ctx, matchID, userID)
	} else {
		ids, at, err = h.conversations.MarkReadInMatch(ctx, matchID, req.MessageIDs, userID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if h.reads != nil {
		h.reads.PublishRead(matchID, userID, ids, at)
	}
	if ids == nil {
		ids = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"messageIds": ids, "readAt": at})
}

func (h *httpHandler) handleBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("targetId is required"))
		return
	}
	if err := h.engine.Block(c.Request.Context(), c.GetString(userIDContextKey), req.TargetID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperr.Validation("limit must be a non-negative integer")
	}
	return limit, nil
}
