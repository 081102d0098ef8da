// Package ledger records the latest directional interaction (like,
// superlike or pass) between two users. A later interaction overwrites the
// earlier one; rows are never deleted.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/pagination"
)

// Kind is an interaction kind. KindNone is reported for pairs without a
// recorded interaction.
type Kind string

const (
	KindNone      Kind = "none"
	KindLike      Kind = "like"
	KindSuperlike Kind = "superlike"
	KindPass      Kind = "pass"
)

// ParseKind validates a client-supplied kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLike, KindSuperlike, KindPass:
		return k, nil
	default:
		return "", apperr.Validation("unknown interaction kind %q", s)
	}
}

// Positive reports whether k counts toward a match.
func (k Kind) Positive() bool {
	return k == KindLike || k == KindSuperlike
}

// BlockChecker reports whether either user has blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Liker is one entry of the pending likes list.
type Liker struct {
	UserID  string
	Kind    Kind
	LikedAt time.Time
}

// Page is a page of pending likers, newest first.
type Page struct {
	Items      []Liker
	NextCursor string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p database.RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// Ledger is the interaction store.
type Ledger struct {
	db     *gorm.DB
	blocks BlockChecker
	retry  database.RetryPolicy
	now    func() time.Time
	log    *zap.Logger
}

// New creates a Ledger. blocks may be nil when no block collaborator is
// configured.
func New(db *gorm.DB, blocks BlockChecker, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		blocks: blocks,
		retry:  database.DefaultRetryPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		log:    logging.Component(log, "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordInteraction upserts actor's interaction toward target and returns
// the kind it replaced, or KindNone.
func (l *Ledger) RecordInteraction(ctx context.Context, actor, target string, kind Kind) (Kind, error) {
	if err := l.checkPair(ctx, actor, target); err != nil {
		return "", err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}

	// Timestamps are millisecond precision so they round-trip through
	// pagination cursors.
	now := l.now().UTC().Truncate(time.Millisecond)
	rec := database.Interaction{
		ActorID:   actor,
		TargetID:  target,
		Kind:      string(kind),
		CreatedAt: now,
		UpdatedAt: now,
	}

	previous := KindNone
	err := database.Retry(ctx, l.retry, func() error {
		previous = KindNone
		return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing database.Interaction
			err := tx.Where("actor_id = ? AND target_id = ?", actor, target).Take(&existing).Error
			switch {
			case err == nil:
				previous = Kind(existing.Kind)
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "actor_id"}, {Name: "target_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"kind", "updated_at"}),
			}).Create(&rec).Error
		})
	})
	if err != nil {
		return "", errors.Wrap(err, "record interaction")
	}

	l.log.Debug("interaction recorded",
		zap.String("actor", actor),
		zap.String("target", target),
		zap.String("kind", string(kind)),
		zap.String("previous", string(previous)))
	return previous, nil
}

func (l *Ledger) checkPair(ctx context.Context, actor, target string) error {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(target) == "" {
		return apperr.InvalidTarget("user ids must not be blank")
	}
	if actor == target {
		return apperr.InvalidTarget("cannot interact with yourself")
	}
	if l.blocks == nil {
		return nil
	}
	blocked, err := l.blocks.IsBlocked(ctx, actor, target)
	if err != nil {
		return errors.Wrap(err, "check block")
	}
	if blocked {
		return apperr.InvalidTarget("target is not available")
	}
	return nil
}

// GetInteraction returns a's latest interaction toward b, or KindNone.
func (l *Ledger) GetInteraction(ctx context.Context, a, b string) (Kind, error) {
	var rec database.Interaction
	err := l.db.WithContext(ctx).
		Where("actor_id = ? AND target_id = ?", a, b).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNone, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get interaction")
	}
	return Kind(rec.Kind), nil
}

// IsMutual reports whether both users currently like or superlike each
// other.
func (l *Ledger) IsMutual(ctx context.Context, a, b string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&database.Interaction{}).
		Where("((actor_id = ? AND target_id = ?) OR (actor_id = ? AND target_id = ?)) AND kind IN ?",
			a, b, b, a, []string{string(KindLike), string(KindSuperlike)}).
		Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "check mutual")
	}
	return n == 2, nil
}

// PendingLikers lists users whose latest interaction toward user is a like
// or superlike and toward whom user has not acted yet, newest first.
func (l *Ledger) PendingLikers(ctx context.Context, user, cursor string, limit int) (Page, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return Page{}, apperr.Validation("%s", err.Error())
	}
	limit = pagination.ClampLimit(limit)

	answered := l.db.Table("interactions AS r").
		Select("1").
		Where("r.actor_id = ? AND r.target_id = i.actor_id", user)

	q := l.db.WithContext(ctx).Table("interactions AS i").
		Select("i.actor_id, i.kind, i.updated_at").
		Where("i.target_id = ? AND i.kind IN ?", user, []string{string(KindLike), string(KindSuperlike)}).
		Where("NOT EXISTS (?)", answered)
	if !cur.IsZero() {
		ts := time.UnixMilli(cur.UnixMilli).UTC()
		q = q.Where("(i.updated_at < ? OR (i.updated_at = ? AND i.actor_id < ?))", ts, ts, cur.ID)
	}

	var rows []database.Interaction
	err = q.Order("i.updated_at DESC").Order("i.actor_id DESC").Limit(limit + 1).Scan(&rows).Error
	if err != nil {
		return Page{}, errors.Wrap(err, "list pending likers")
	}

	var page Page
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next, err := pagination.Encode(pagination.Cursor{UnixMilli: last.UpdatedAt.UnixMilli(), ID: last.ActorID})
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = next
	}

	page.Items = make([]Liker, 0, len(rows))
	for _, r := range rows {
		page.Items = append(page.Items, Liker{UserID: r.ActorID, Kind: Kind(r.Kind), LikedAt: r.UpdatedAt})
	}
	return page, nil
}
