// Package match turns interactions into matches. A match exists for a pair
// exactly when both users like or superlike each other; it is created once,
// may later be deactivated and is never deleted or reactivated.
package match

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/apperr"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/ratelimit"
)

// Interactions is the ledger as seen by the engine.
type Interactions interface {
	RecordInteraction(ctx context.Context, actor, target string, kind ledger.Kind) (ledger.Kind, error)
	GetInteraction(ctx context.Context, a, b string) (ledger.Kind, error)
}

// Blocker records blocks.
type Blocker interface {
	Block(ctx context.Context, blocker, blocked string) error
}

// Quota meters superlikes.
type Quota interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
	Refund(ctx context.Context, identifier string, rule ratelimit.Rule)
}

// Created describes a newly formed match.
type Created struct {
	MatchID   string
	UserA     string
	UserB     string
	Superlike bool
	CreatedAt time.Time
}

// Ended describes a match that was just deactivated.
type Ended struct {
	MatchID   string
	UserA     string
	UserB     string
	Initiator string
}

// EventSink receives match lifecycle events. Implementations must not block.
type EventSink interface {
	MatchCreated(ctx context.Context, ev Created)
	MatchEnded(ctx context.Context, ev Ended)
	SuperlikeReceived(ctx context.Context, from, to string)
}

// Outcome is the result of recording an interaction.
type Outcome struct {
	Previous     ledger.Kind
	Kind         ledger.Kind
	MatchCreated bool
	Match        *database.Match
}

// Engine evaluates mutuality and manages the match lifecycle.
type Engine struct {
	ledger  Interactions
	repo    *Repository
	sink    EventSink
	blocker Blocker
	quota   Quota
	rule    ratelimit.Rule
	now     func() time.Time
	log     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBlocker enables Block.
func WithBlocker(b Blocker) Option { return func(e *Engine) { e.blocker = b } }

// WithSuperlikeQuota meters superlikes with rule.
func WithSuperlikeQuota(q Quota, rule ratelimit.Rule) Option {
	return func(e *Engine) {
		e.quota = q
		e.rule = rule
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine. sink may be nil.
func NewEngine(l Interactions, repo *Repository, sink EventSink, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger: l,
		repo:   repo,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logging.Component(log, "match"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSink installs the event sink. It must be called before the engine
// serves traffic.
func (e *Engine) SetSink(sink EventSink) { e.sink = sink }

// Repository exposes the match store for read paths.
func (e *Engine) Repository() *Repository { return e.repo }

// RecordInteraction writes actor's interaction toward target and creates
// the match when the interaction completes a mutual like.
func (e *Engine) RecordInteraction(ctx context.Context, actor, target string, kind ledger.Kind) (Outcome, error) {
	kind, err := ledger.ParseKind(string(kind))
	if err != nil {
		return Outcome{}, err
	}

	charged, err := e.chargeSuperlike(ctx, actor, target, kind)
	if err != nil {
		return Outcome{}, err
	}

	prev, err := e.ledger.RecordInteraction(ctx, actor, target, kind)
	if err != nil {
		if charged {
			e.quota.Refund(ctx, actor, e.rule)
		}
		return Outcome{}, err
	}
	out := Outcome{Previous: prev, Kind: kind}
	if !kind.Positive() {
		return out, nil
	}

	// The reverse read happens after our write committed, so of two
	// concurrent likes at least the later one sees the other.
	reverse, err := e.ledger.GetInteraction(ctx, target, actor)
	if err != nil {
		return Outcome{}, err
	}
	if !reverse.Positive() {
		if kind == ledger.KindSuperlike && prev != ledger.KindSuperlike && e.sink != nil {
			e.sink.SuperlikeReceived(ctx, actor, target)
		}
		return out, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Outcome{}, errors.Wrap(err, "generate match id")
	}
	m, created, err := e.repo.CreateIfAbsent(ctx, id.String(), actor, target, e.now())
	if err != nil {
		return Outcome{}, err
	}
	out.Match = m
	out.MatchCreated = created

	if created {
		e.log.Info("match created",
			zap.String("match_id", m.ID),
			zap.String("user_a", m.UserAID),
			zap.String("user_b", m.UserBID))
		if e.sink != nil {
			e.sink.MatchCreated(ctx, Created{
				MatchID:   m.ID,
				UserA:     m.UserAID,
				UserB:     m.UserBID,
				Superlike: kind == ledger.KindSuperlike || reverse == ledger.KindSuperlike,
				CreatedAt: m.CreatedAt,
			})
		}
	}
	return out, nil
}

// chargeSuperlike consumes one unit of the actor's superlike quota when the
// interaction turns into a superlike. Repeating a superlike is free.
func (e *Engine) chargeSuperlike(ctx context.Context, actor, target string, kind ledger.Kind) (bool, error) {
	if kind != ledger.KindSuperlike || e.quota == nil {
		return false, nil
	}
	current, err := e.ledger.GetInteraction(ctx, actor, target)
	if err != nil {
		return false, err
	}
	if current == ledger.KindSuperlike {
		return false, nil
	}

	d, err := e.quota.Allow(ctx, actor, e.rule)
	if err != nil {
		e.log.Warn("superlike quota unavailable", zap.String("user", actor), zap.Error(err))
	}
	if !d.Allowed {
		return false, apperr.RateLimited("superlike quota exhausted, retry in %s", d.RetryAfter.Round(time.Second))
	}
	return true, nil
}

// DeactivateMatch ends a match. Only a participant may end it; ending an
// already ended match succeeds without emitting anything.
func (e *Engine) DeactivateMatch(ctx context.Context, matchID, initiator string) (*database.Match, error) {
	m, changed, err := e.repo.Deactivate(ctx, matchID, initiator, e.now())
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info("match ended", zap.String("match_id", m.ID), zap.String("initiator", initiator))
		if e.sink != nil {
			e.sink.MatchEnded(ctx, Ended{
				MatchID:   m.ID,
				UserA:     m.UserAID,
				UserB:     m.UserBID,
				Initiator: initiator,
			})
		}
	}
	return m, nil
}

// Block records that blocker blocked blocked and ends their match, if any.
func (e *Engine) Block(ctx context.Context, blocker, blocked string) error {
	if strings.TrimSpace(blocker) == "" || strings.TrimSpace(blocked) == "" {
		return apperr.InvalidTarget("user ids must not be blank")
	}
	if blocker == blocked {
		return apperr.InvalidTarget("cannot block yourself")
	}
	if e.blocker == nil {
		return errors.New("block: no block store configured")
	}
	if err := e.blocker.Block(ctx, blocker, blocked); err != nil {
		return errors.Wrap(err, "record block")
	}

	m, err := e.repo.FindByPair(ctx, blocker, blocked)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.DeactivateMatch(ctx, m.ID, blocker)
	return err
}

// Authorize verifies user may act within matchID right now.
func (e *Engine) Authorize(ctx context.Context, matchID, user string) (*database.Match, error) {
	return e.repo.Authorize(ctx, matchID, user)
}

// ActivePeers returns the users sharing an active match with user.
func (e *Engine) ActivePeers(ctx context.Context, user string) ([]string, error) {
	return e.repo.ActivePeers(ctx, user)
}
