// Package conversation stores the messages exchanged inside a match. Every
// message gets a per-match sequence number assigned in the same transaction
// that inserts it, so (match_id, seq) is the total order of a conversation.
package conversation

import (
	"context"
	"errors"
	"hash/fnv"
	"iter"
	"sync"
	"time"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/pagination"
)

const lockStripes = 64

// Sanitizer normalizes and screens a message body before it is stored.
type Sanitizer interface {
	Sanitize(text string) (string, error)
}

// AppendedFunc is called after a message is committed, in sequence order
// per match, with the participant who did not send it. It must not block.
type AppendedFunc func(ctx context.Context, m database.Message, recipientID string)

// Page is one page of a conversation, newest first.
type Page struct {
	Messages   []database.Message
	NextCursor string
}

// Summary is the match-list view of a conversation.
type Summary struct {
	LastMessage *database.Message
	Unread      int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store persists and reads conversations.
type Store struct {
	db        *gorm.DB
	sanitizer Sanitizer
	retry     database.RetryPolicy
	now       func() time.Time
	log       *zap.Logger

	locks    [lockStripes]sync.Mutex
	appended AppendedFunc
}

// NewStore creates a Store. sanitizer may be nil, in which case bodies are
// only validated.
func NewStore(db *gorm.DB, sanitizer Sanitizer, log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:        db,
		sanitizer: sanitizer,
		retry:     database.DefaultRetryPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.Component(log, "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAppended installs the hook that fans new messages out. It must be
// called before the store serves traffic.
func (s *Store) OnAppended(fn AppendedFunc) { s.appended = fn }

func (s *Store) lockFor(matchID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(matchID))
	return &s.locks[h.Sum32()%lockStripes]
}

// SendMessage appends a message from senderID to the match.
func (s *Store) SendMessage(ctx context.Context, matchID, senderID, body string) (database.Message, error) {
	clean, err := s.clean(body)
	if err != nil {
		return database.Message{}, err
	}

	mu := s.lockFor(matchID)
	mu.Lock()
	defer mu.Unlock()

	var (
		msg       database.Message
		recipient string
	)
	err = database.Retry(ctx, s.retry, func() error {
		msg = database.Message{MatchID: matchID, SenderID: senderID, Body: clean}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var m database.Match
			err := tx.Where("id = ?", matchID).Take(&m).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("match not found")
			}
			if err != nil {
				return err
			}
			if !m.HasUser(senderID) {
				return apperr.Unauthorized("not a participant of this match")
			}
			if !m.IsActive {
				return apperr.InactiveMatch("match has ended")
			}
			recipient = m.OtherUser(senderID)

			// The conditional increment is the sequence point; it fails if
			// the match was ended after the read above. The row stays locked
			// until commit, so the timestamp below is taken in seq order
			// across processes too.
			res := tx.Model(&database.Match{}).
				Where("id = ? AND is_active = ?", matchID, true).
				Update("last_seq", gorm.Expr("last_seq + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.InactiveMatch("match has ended")
			}
			if err := tx.Model(&database.Match{}).Select("last_seq").Where("id = ?", matchID).Scan(&msg.Seq).Error; err != nil {
				return err
			}
			createdAt, err := s.nextCreatedAt(tx, matchID, msg.Seq)
			if err != nil {
				return err
			}
			msg.CreatedAt = createdAt
			if err := tx.Model(&database.Match{}).Where("id = ?", matchID).Update("last_activity_at", createdAt).Error; err != nil {
				return err
			}
			return tx.Create(&msg).Error
		})
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return database.Message{}, err
		}
		s.log.Error("send message failed", zap.String("match_id", matchID), zap.Error(err))
		return database.Message{}, pkgerrors.Wrap(err, "send message")
	}

	if s.appended != nil {
		s.appended(ctx, msg, recipient)
	}
	return msg, nil
}

// nextCreatedAt returns the timestamp for message seq. It never precedes the
// previous message's, so created_at order follows seq even when process
// clocks disagree.
func (s *Store) nextCreatedAt(tx *gorm.DB, matchID string, seq uint64) (time.Time, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	if seq <= 1 {
		return now, nil
	}
	var prev database.Message
	err := tx.Select("created_at").Where("match_id = ? AND seq = ?", matchID, seq-1).Take(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if prev.CreatedAt.After(now) {
		return prev.CreatedAt.UTC(), nil
	}
	return now, nil
}

func (s *Store) clean(body string) (string, error) {
	if !utf8.ValidString(body) {
		return "", apperr.Validation("message contains invalid UTF-8")
	}
	if s.sanitizer != nil {
		clean, err := s.sanitizer.Sanitize(body)
		if err != nil {
			return "", apperr.Validation("message was rejected")
		}
		body = clean
	}
	if err := ValidateBody(body); err != nil {
		return "", err
	}
	return body, nil
}

// participantOf returns the match and fails unless user belongs to it.
// Ended matches stay readable.
func (s *Store) participantOf(ctx context.Context, matchID, user string) (*database.Match, error) {
	var m database.Match
	err := s.db.WithContext(ctx).Where("id = ?", matchID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("match not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load match")
	}
	if !m.HasUser(user) {
		return nil, apperr.Unauthorized("not a participant of this match")
	}
	return &m, nil
}

// matchesOf is a subquery selecting the ids of every match user belongs to.
func (s *Store) matchesOf(user string) *gorm.DB {
	return s.db.Model(&database.Match{}).
		Select("id").
		Where("user_a_id = ? OR user_b_id = ?", user, user)
}

type markScope struct {
	matchID string
	ids     []uint64
	all     bool
}

// MarkDelivered records delivery of messages addressed to recipientID. Ids
// that are unknown, already delivered, sent by the recipient or outside the
// recipient's matches are ignored. It returns the ids that transitioned.
func (s *Store) MarkDelivered(ctx context.Context, messageIDs []uint64, recipientID string) ([]uint64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	return s.mark(ctx, markScope{ids: messageIDs}, recipientID, "delivered_at", map[string]any{
		"delivered_at": now,
	})
}

// MarkRead records that readerID read the messages. It is forward-only and
// idempotent, and read implies delivered. It returns the ids that
// transitioned and the read time applied to them.
func (s *Store) MarkRead(ctx context.Context, messageIDs []uint64, readerID string) ([]uint64, time.Time, error) {
	if len(messageIDs) == 0 {
		return nil, time.Time{}, nil
	}
	return s.markRead(ctx, markScope{ids: messageIDs}, readerID)
}

// MarkReadInMatch is MarkRead restricted to one match.
func (s *Store) MarkReadInMatch(ctx context.Context, matchID string, messageIDs []uint64, readerID string) ([]uint64, time.Time, error) {
	if len(messageIDs) == 0 {
		return nil, time.Time{}, nil
	}
	return s.markRead(ctx, markScope{matchID: matchID, ids: messageIDs}, readerID)
}

// MarkConversationRead marks every unread message from the peer as read.
func (s *Store) MarkConversationRead(ctx context.Context, matchID, readerID string) ([]uint64, time.Time, error) {
	if _, err := s.participantOf(ctx, matchID, readerID); err != nil {
		return nil, time.Time{}, err
	}
	return s.markRead(ctx, markScope{matchID: matchID, all: true}, readerID)
}

func (s *Store) markRead(ctx context.Context, scope markScope, readerID string) ([]uint64, time.Time, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	ids, err := s.mark(ctx, scope, readerID, "read_at", map[string]any{
		"read_at":      now,
		"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", now),
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return ids, now, nil
}

// mark sets the columns in updates on every message in scope that is
// addressed to user and still has a NULL guard column.
func (s *Store) mark(ctx context.Context, scope markScope, user, guard string, updates map[string]any) ([]uint64, error) {
	var ids []uint64
	err := database.Retry(ctx, s.retry, func() error {
		ids = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.Model(&database.Message{}).
				Where("sender_id <> ? AND "+guard+" IS NULL", user).
				Where("match_id IN (?)", s.matchesOf(user))
			if scope.matchID != "" {
				q = q.Where("match_id = ?", scope.matchID)
			}
			if !scope.all {
				q = q.Where("id IN ?", scope.ids)
			}
			if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			return tx.Model(&database.Message{}).
				Where("id IN ? AND "+guard+" IS NULL", ids).
				Updates(updates).Error
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "mark %s", guard)
	}
	return ids, nil
}

// ListMessages returns one page of the conversation, newest first. The
// cursor is the NextCursor of the previous page, or empty for the newest.
func (s *Store) ListMessages(ctx context.Context, matchID, viewerID, cursor string, limit int) (Page, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return Page{}, apperr.Validation("%s", err.Error())
	}
	if _, err := s.participantOf(ctx, matchID, viewerID); err != nil {
		return Page{}, err
	}
	limit = pagination.ClampLimit(limit)

	q := s.db.WithContext(ctx).Where("match_id = ?", matchID)
	if cur.Seq > 0 {
		q = q.Where("seq < ?", cur.Seq)
	}
	var msgs []database.Message
	if err := q.Order("seq DESC").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return Page{}, pkgerrors.Wrap(err, "list messages")
	}

	page := Page{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		next, err := pagination.Encode(pagination.Cursor{Seq: page.Messages[limit-1].Seq})
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = next
	}
	return page, nil
}

// Pages walks the conversation from the newest message backwards, one page
// at a time. Iteration stops after the oldest page or the first error.
func (s *Store) Pages(ctx context.Context, matchID, viewerID string, limit int) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		cursor := ""
		for {
			page, err := s.ListMessages(ctx, matchID, viewerID, cursor, limit)
			if err != nil {
				yield(Page{}, err)
				return
			}
			if !yield(page, nil) || page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// Summaries returns the last message and the unread count for each of the
// given matches, as seen by userID.
func (s *Store) Summaries(ctx context.Context, userID string, matchIDs []string) (map[string]Summary, error) {
	out := make(map[string]Summary, len(matchIDs))
	if len(matchIDs) == 0 {
		return out, nil
	}

	var last []database.Message
	err := s.db.WithContext(ctx).
		Where("match_id IN ?", matchIDs).
		Where("match_id IN (?)", s.matchesOf(userID)).
		Where("seq = (SELECT last_seq FROM matches WHERE matches.id = messages.match_id)").
		Find(&last).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "load last messages")
	}
	for i := range last {
		out[last[i].MatchID] = Summary{LastMessage: &last[i]}
	}

	var counts []struct {
		MatchID string
		Unread  int64
	}
	err = s.db.WithContext(ctx).Model(&database.Message{}).
		Select("match_id, COUNT(*) AS unread").
		Where("match_id IN ?", matchIDs).
		Where("match_id IN (?)", s.matchesOf(userID)).
		Where("sender_id <> ? AND read_at IS NULL", userID).
		Group("match_id").
		Scan(&counts).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "count unread")
	}
	for _, c := range counts {
		sum := out[c.MatchID]
		sum.Unread = c.Unread
		out[c.MatchID] = sum
	}
	return out, nil
}
