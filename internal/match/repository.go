package match

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
)

// CanonicalPair orders two user ids so the smaller one comes first.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Repository persists matches.
type Repository struct {
	db    *gorm.DB
	retry database.RetryPolicy
}

// NewRepository creates a Repository over db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, retry: database.DefaultRetryPolicy()}
}

// CreateIfAbsent inserts an active match for the pair unless one already
// exists. It returns the stored match and whether this call created it.
// Concurrent callers for the same pair all receive the same row.
func (r *Repository) CreateIfAbsent(ctx context.Context, id, a, b string, now time.Time) (*database.Match, bool, error) {
	userA, userB := CanonicalPair(a, b)
	m := database.Match{
		ID:             id,
		UserAID:        userA,
		UserBID:        userB,
		IsActive:       true,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var created bool
	err := database.Retry(ctx, r.retry, func() error {
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_a_id"}, {Name: "user_b_id"}},
			DoNothing: true,
		}).Create(&m)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "create match")
	}
	if created {
		return &m, true, nil
	}

	existing, err := r.FindByPair(ctx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get loads a match by id.
func (r *Repository) Get(ctx context.Context, id string) (*database.Match, error) {
	var m database.Match
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("match not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "get match")
	}
	return &m, nil
}

// FindByPair loads the match between two users in either order.
func (r *Repository) FindByPair(ctx context.Context, a, b string) (*database.Match, error) {
	userA, userB := CanonicalPair(a, b)
	var m database.Match
	err := r.db.WithContext(ctx).
		Where("user_a_id = ? AND user_b_id = ?", userA, userB).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("match not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "find match")
	}
	return &m, nil
}

// Deactivate ends a match on behalf of initiator. It returns the match and
// whether this call performed the transition; ending an ended match is a
// no-op.
func (r *Repository) Deactivate(ctx context.Context, id, initiator string, now time.Time) (*database.Match, bool, error) {
	var (
		m       database.Match
		changed bool
	)
	err := database.Retry(ctx, r.retry, func() error {
		changed = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("id = ?", id).Take(&m).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("match not found")
			}
			if err != nil {
				return err
			}
			if !m.HasUser(initiator) {
				return apperr.Unauthorized("not a participant of this match")
			}
			if !m.IsActive {
				return nil
			}

			res := tx.Model(&database.Match{}).
				Where("id = ? AND is_active = ?", id, true).
				Updates(map[string]any{
					"is_active":    false,
					"unmatched_by": initiator,
					"unmatched_at": now,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				changed = true
				m.IsActive = false
				m.UnmatchedBy = &initiator
				m.UnmatchedAt = &now
			}
			return nil
		})
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, false, err
		}
		return nil, false, errors.Wrap(err, "deactivate match")
	}
	return &m, changed, nil
}

// ListActive returns the user's active matches, most recently active first.
func (r *Repository) ListActive(ctx context.Context, user string) ([]database.Match, error) {
	var ms []database.Match
	err := r.db.WithContext(ctx).
		Where("(user_a_id = ? OR user_b_id = ?) AND is_active = ?", user, user, true).
		Order("last_activity_at DESC").Order("id DESC").
		Find(&ms).Error
	if err != nil {
		return nil, errors.Wrap(err, "list matches")
	}
	return ms, nil
}

// ActivePeers returns the ids of users sharing an active match with user.
func (r *Repository) ActivePeers(ctx context.Context, user string) ([]string, error) {
	var peers []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_b_id FROM matches WHERE user_a_id = ? AND is_active = ?
		 UNION
		 SELECT user_a_id FROM matches WHERE user_b_id = ? AND is_active = ?`,
		user, true, user, true,
	).Scan(&peers).Error
	if err != nil {
		return nil, errors.Wrap(err, "list peers")
	}
	return peers, nil
}

// Authorize loads the match and verifies user is a participant and the
// match is active. It always reads storage.
func (r *Repository) Authorize(ctx context.Context, matchID, user string) (*database.Match, error) {
	m, err := r.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.HasUser(user) {
		return nil, apperr.Unauthorized("not a participant of this match")
	}
	if !m.IsActive {
		return nil, apperr.InactiveMatch("match has ended")
	}
	return m, nil
}
