package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/database/dbtest"
	"github.com/heartline/matchcore/internal/moderation"
)

func seedMatch(t *testing.T, db *gorm.DB, id, a, b string, active bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&database.Match{
		ID: id, UserAID: a, UserBID: b, IsActive: true, LastActivityAt: now,
	}).Error)
	if !active {
		require.NoError(t, db.Model(&database.Match{}).Where("id = ?", id).Update("is_active", false).Error)
	}
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	seedMatch(t, db, "m1", "alice", "bob", true)
	return NewStore(db, moderation.NewFilter(), nil), db
}

func TestSendMessageAssignsSequence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var hooked []uint64
	s.OnAppended(func(_ context.Context, m database.Message, _ string) { hooked = append(hooked, m.Seq) })

	first, err := s.SendMessage(ctx, "m1", "alice", "hello")
	require.NoError(t, err)
	second, err := s.SendMessage(ctx, "m1", "bob", "world")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, []uint64{1, 2}, hooked)

	page, err := s.ListMessages(ctx, "m1", "bob", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "world", page.Messages[0].Body)
	assert.Equal(t, "hello", page.Messages[1].Body)
}

func TestCreatedAtFollowsSequenceAcrossClocks(t *testing.T) {
	db := dbtest.New(t)
	seedMatch(t, db, "m1", "alice", "bob", true)
	ctx := context.Background()

	t0 := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	ahead := NewStore(db, nil, nil, WithClock(func() time.Time { return t0 }))
	behind := NewStore(db, nil, nil, WithClock(func() time.Time { return t0.Add(-time.Hour) }))

	first, err := ahead.SendMessage(ctx, "m1", "alice", "hello")
	require.NoError(t, err)
	second, err := behind.SendMessage(ctx, "m1", "bob", "world")
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	var m database.Match
	require.NoError(t, db.Where("id = ?", "m1").Take(&m).Error)
	assert.True(t, m.LastActivityAt.Equal(second.CreatedAt))
}

func TestSendMessageErrors(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, db, "ended", "alice", "carol", false)

	_, err := s.SendMessage(ctx, "m1", "mallory", "hi")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = s.SendMessage(ctx, "ended", "alice", "hi")
	assert.ErrorIs(t, err, apperr.ErrInactiveMatch)

	_, err = s.SendMessage(ctx, "missing", "alice", "hi")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.SendMessage(ctx, "m1", "alice", "   \n\t ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.SendMessage(ctx, "m1", "alice", "<b></b>")
	assert.ErrorIs(t, err, apperr.ErrValidation, "empty after sanitization")

	_, err = s.SendMessage(ctx, "m1", "alice", strings.Repeat("ab ", 2000))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.SendMessage(ctx, "m1", "alice", "bad \xff bytes")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.SendMessage(ctx, "m1", "alice", "free bitcoin here")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	var n int64
	require.NoError(t, db.Model(&database.Message{}).Count(&n).Error)
	assert.Zero(t, n, "failed sends leave no rows")

	var m database.Match
	require.NoError(t, db.Where("id = ?", "ended").Take(&m).Error)
	assert.Zero(t, m.LastSeq)
}

func TestSendMessageStoresSanitizedBody(t *testing.T) {
	s, _ := newTestStore(t)

	msg, err := s.SendMessage(context.Background(), "m1", "alice", "  <i>hey</i>   there\n\n\n\nyou ")
	require.NoError(t, err)
	assert.Equal(t, "hey there\n\nyou", msg.Body)
}

func TestConcurrentSendsGetDistinctOrderedSeqs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		hooked []uint64
	)
	s.OnAppended(func(_ context.Context, m database.Message, _ string) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, m.Seq)
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			_, err := s.SendMessage(ctx, "m1", sender, fmt.Sprintf("msg %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, hooked, 20)
	for i, seq := range hooked {
		assert.Equal(t, uint64(i+1), seq, "appended hook runs in sequence order")
	}
}

func TestSequentialSendsKeepOrderForReaders(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, "m1", "alice", "hello")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, "m1", "alice", "world")
	require.NoError(t, err)

	for _, viewer := range []string{"alice", "bob"} {
		page, err := s.ListMessages(ctx, "m1", viewer, "", 0)
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, []string{"world", "hello"}, []string{page.Messages[0].Body, page.Messages[1].Body})
	}
}

func TestMarkReadIsIdempotentAndForwardOnly(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	m1, err := s.SendMessage(ctx, "m1", "alice", "one")
	require.NoError(t, err)
	m2, err := s.SendMessage(ctx, "m1", "alice", "two")
	require.NoError(t, err)
	own, err := s.SendMessage(ctx, "m1", "bob", "mine")
	require.NoError(t, err)

	ids, readAt, err := s.MarkRead(ctx, []uint64{m1.ID, m2.ID, own.ID}, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint64{m1.ID, m2.ID}, ids, "own messages are skipped")
	assert.False(t, readAt.IsZero())

	var stored database.Message
	require.NoError(t, db.Where("id = ?", m1.ID).Take(&stored).Error)
	require.NotNil(t, stored.ReadAt)
	require.NotNil(t, stored.DeliveredAt, "read implies delivered")
	firstRead := *stored.ReadAt

	ids, _, err = s.MarkRead(ctx, []uint64{m1.ID, m2.ID}, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, db.Where("id = ?", m1.ID).Take(&stored).Error)
	assert.True(t, firstRead.Equal(*stored.ReadAt))

	// Delivery after read does not move anything.
	ids, err = s.MarkDelivered(ctx, []uint64{m1.ID}, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMarkDelivered(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, db, "m2", "carol", "dave", true)

	msg, err := s.SendMessage(ctx, "m1", "alice", "hi")
	require.NoError(t, err)
	other, err := s.SendMessage(ctx, "m2", "carol", "hey")
	require.NoError(t, err)

	ids, err := s.MarkDelivered(ctx, []uint64{msg.ID, other.ID, 9999}, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint64{msg.ID}, ids, "only messages in the recipient's matches")

	ids, err = s.MarkDelivered(ctx, []uint64{msg.ID}, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	var stored database.Message
	require.NoError(t, db.Where("id = ?", msg.ID).Take(&stored).Error)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Nil(t, stored.ReadAt)
}

func TestMarkConversationRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		_, err := s.SendMessage(ctx, "m1", "alice", body)
		require.NoError(t, err)
	}
	_, err := s.SendMessage(ctx, "m1", "bob", "reply")
	require.NoError(t, err)

	sums, err := s.Summaries(ctx, "bob", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sums["m1"].Unread)
	require.NotNil(t, sums["m1"].LastMessage)
	assert.Equal(t, "reply", sums["m1"].LastMessage.Body)

	ids, _, err := s.MarkConversationRead(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	sums, err = s.Summaries(ctx, "bob", []string{"m1"})
	require.NoError(t, err)
	assert.Zero(t, sums["m1"].Unread)

	_, _, err = s.MarkConversationRead(ctx, "m1", "mallory")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestMarkReadInMatchIgnoresOtherMatches(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, db, "m2", "bob", "carol", true)

	a, err := s.SendMessage(ctx, "m1", "alice", "from alice")
	require.NoError(t, err)
	c, err := s.SendMessage(ctx, "m2", "carol", "from carol")
	require.NoError(t, err)

	ids, _, err := s.MarkReadInMatch(ctx, "m1", []uint64{a.ID, c.ID}, "bob")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID}, ids)
}

func TestListMessagesPagination(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		_, err := s.SendMessage(ctx, "m1", "alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	var seqs []uint64
	pages := 0
	for page, err := range s.Pages(ctx, "m1", "bob", 3) {
		require.NoError(t, err)
		pages++
		for _, m := range page.Messages {
			seqs = append(seqs, m.Seq)
		}
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []uint64{7, 6, 5, 4, 3, 2, 1}, seqs)

	// Inserts between pages do not shift the next page.
	first, err := s.ListMessages(ctx, "m1", "bob", "", 3)
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, "m1", "alice", "late")
	require.NoError(t, err)
	second, err := s.ListMessages(ctx, "m1", "bob", first.NextCursor, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), second.Messages[0].Seq)
}

func TestListMessagesAccess(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	seedMatch(t, db, "ended", "alice", "carol", false)

	_, err := s.ListMessages(ctx, "m1", "mallory", "", 10)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = s.ListMessages(ctx, "m1", "alice", "not-a-cursor!", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	page, err := s.ListMessages(ctx, "ended", "carol", "", 10)
	require.NoError(t, err, "ended conversations stay readable")
	assert.Empty(t, page.Messages)

	for _, err := range s.Pages(ctx, "m1", "mallory", 10) {
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	}
}

func TestValidateBodyAndPreview(t *testing.T) {
	assert.NoError(t, ValidateBody(strings.Repeat("é", MaxBodyChars)))
	assert.ErrorIs(t, ValidateBody(strings.Repeat("é", MaxBodyChars+1)), apperr.ErrValidation)

	assert.Equal(t, "short", Preview("short"))
	long := Preview(strings.Repeat("x", 150))
	assert.Equal(t, PreviewChars, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "…"))
}
