// Package duel keeps the in-memory table of proposed duels and resolves them on accept.
package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/axekz/coinyx/pkg/config"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/axekz/coinyx/pkg/stats"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger a duel needs.
type Ledger interface {
	Account(ctx context.Context, id string) (*economy.Account, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferResult, error)
	RecordDuel(ctx context.Context, h economy.DuelHistory) (int64, error)
}

// Deleter removes announcement messages of expired sessions.
type Deleter interface {
	Delete(ctx context.Context, ref gateway.MessageRef) error
}

// Options configures a Registry.
type Options struct {
	TTL       time.Duration
	MinStake  int64
	MaxStake  int64
	TaxRate   float64
	Mode      string
	AllowKick bool
	Now       func() time.Time
}

// OptionsFromConfig maps the process configuration onto registry options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TTL:       cfg.DuelTTL,
		MinStake:  cfg.MinStake,
		MaxStake:  cfg.MaxStake,
		TaxRate:   cfg.DuelTaxRate,
		Mode:      cfg.StatsMode,
		AllowKick: cfg.AllowKick,
	}
}

// Registry is the single owner of live duel sessions.
type Registry struct {
	logger    *zap.Logger
	opts      Options
	ledger    Ledger
	sampler   stats.Sampler
	moderator gateway.Moderator
	deleter   Deleter
	events    *events.Emitter

	sessions *xsync.Map[Key, *Session]
	byRef    *xsync.Map[gateway.MessageRef, Key]
}

// NewRegistry creates an empty registry. moderator, deleter and emitter may be nil.
func NewRegistry(logger *zap.Logger, opts Options, l Ledger, sampler stats.Sampler, moderator gateway.Moderator, deleter Deleter, emitter *events.Emitter) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Mode == "" {
		opts.Mode = "kzt"
	}
	return &Registry{
		logger:    logger.With(zap.String("component", "duel")),
		opts:      opts,
		ledger:    l,
		sampler:   sampler,
		moderator: moderator,
		deleter:   deleter,
		events:    emitter,
		sessions:  xsync.NewMap[Key, *Session](),
		byRef:     xsync.NewMap[gateway.MessageRef, Key](),
	}
}

func (r *Registry) validateStake(s Stake) error {
	switch st := s.(type) {
	case Coins:
		if int64(st) < r.opts.MinStake || int64(st) > r.opts.MaxStake {
			return errs.Validation("stake %d outside [%d, %d]", int64(st), r.opts.MinStake, r.opts.MaxStake)
		}
	case Kick:
		if !r.opts.AllowKick {
			return errs.Validation("kick duels are disabled")
		}
	case Mute:
		if st.Duration <= 0 {
			return errs.Validation("mute duration must be positive")
		}
	default:
		return errs.Validation("unknown stake %T", s)
	}
	return nil
}

// Create proposes a duel. opponent may be empty to let anyone accept. An initiator owns at most
// one live session per channel; a stale one past its TTL is expired inline and replaced.
func (r *Registry) Create(ctx context.Context, initiator, opponent string, stake Stake, channel string) (*Session, error) {
	if initiator == "" || channel == "" {
		return nil, errs.Validation("initiator and channel are required")
	}
	if opponent == initiator {
		return nil, errs.Validation("cannot duel yourself")
	}
	if err := r.validateStake(stake); err != nil {
		return nil, err
	}

	key := Key{Initiator: initiator, Channel: channel}
	now := r.opts.Now()
	created := newSession(key, opponent, stake, now)

	var stale *Session
	r.sessions.Compute(key, func(old *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded {
			if !old.expiredAt(now, r.opts.TTL) || !old.transition(Proposed, Expired) {
				created = nil
				return old, xsync.CancelOp
			}
			stale = old
		}
		return created, xsync.UpdateOp
	})
	if created == nil {
		return nil, fmt.Errorf("%w: %s already has a live duel in %s", errs.ErrConflict, initiator, channel)
	}
	if stale != nil {
		r.dropRef(stale)
		r.deleteAnnouncement(ctx, stale)
	}

	r.logger.Info("Duel proposed",
		zap.String("initiator", initiator),
		zap.String("opponent", opponent),
		zap.String("channel", channel),
		zap.String("stake", stake.String()))
	return created, nil
}

// Announce attaches the announcement message so replies to it find the session.
func (r *Registry) Announce(key Key, ref gateway.MessageRef) error {
	s, ok := r.sessions.Load(key)
	if !ok {
		return fmt.Errorf("%w: no duel for %s in %s", errs.ErrNotFound, key.Initiator, key.Channel)
	}
	s.setAnnouncement(ref)
	r.byRef.Store(ref, key)
	return nil
}

// Lookup finds the live session announced by ref.
func (r *Registry) Lookup(ref gateway.MessageRef) (*Session, bool) {
	key, ok := r.byRef.Load(ref)
	if !ok {
		return nil, false
	}
	s, ok := r.sessions.Load(key)
	if !ok || s.Announcement() != ref {
		return nil, false
	}
	return s, true
}

// Get returns the session for key.
func (r *Registry) Get(key Key) (*Session, bool) {
	return r.sessions.Load(key)
}

// Len returns the number of sessions in the table.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Outcome reports how an Accept ended.
type Outcome struct {
	Session   Snapshot
	Cancelled bool

	Winner string
	Loser  string
	// Samples[0] belongs to the initiator, Samples[1] to the opponent.
	Samples   [2]stats.Sample
	Resampled bool
	TieBroken bool

	Transfer *ledger.TransferResult
	// PenaltyErr is set when the moderation action for a Kick or Mute stake failed.
	PenaltyErr error
	HistoryID  int64
}

// Accept resolves the session announced by ref on behalf of responder. A concurrent or late
// accept observes errs.ErrNotFound. On insufficient funds, a stats failure or a ledger failure
// the session goes back to Proposed so it can be accepted again.
func (r *Registry) Accept(ctx context.Context, responder string, ref gateway.MessageRef) (Outcome, error) {
	s, ok := r.Lookup(ref)
	if !ok || s.State() != Proposed {
		return Outcome{}, fmt.Errorf("%w: duel %s is gone", errs.ErrNotFound, ref)
	}

	if s.expiredAt(r.opts.Now(), r.opts.TTL) {
		if s.transition(Proposed, Expired) {
			r.remove(s)
			r.deleteAnnouncement(ctx, s)
		}
		return Outcome{}, fmt.Errorf("%w: duel %s expired", errs.ErrNotFound, ref)
	}

	if responder == s.Initiator {
		if !s.transition(Proposed, Cancelled) {
			return Outcome{}, fmt.Errorf("%w: duel %s is gone", errs.ErrNotFound, ref)
		}
		r.remove(s)
		r.logger.Info("Duel cancelled by initiator", zap.String("initiator", s.Initiator), zap.String("channel", s.Channel))
		return Outcome{Session: s.Snapshot(), Cancelled: true}, nil
	}

	if opp := s.Opponent(); opp != "" && opp != responder {
		return Outcome{}, fmt.Errorf("%w: duel is reserved for %s", errs.ErrWrongOpponent, opp)
	}

	if !s.transition(Proposed, Matched) {
		return Outcome{}, fmt.Errorf("%w: duel %s is gone", errs.ErrNotFound, ref)
	}

	bound := false
	if s.Opponent() == "" {
		s.setOpponent(responder)
		bound = true
	}
	revert := func() {
		if bound {
			s.setOpponent("")
		}
		s.transition(Matched, Proposed)
	}

	out, err := r.resolve(ctx, s, responder)
	if err != nil {
		revert()
		r.logFailure("Duel accept failed", err, zap.String("initiator", s.Initiator), zap.String("responder", responder))
		return Outcome{}, err
	}

	s.transition(Matched, Resolved)
	r.remove(s)
	out.Session = s.Snapshot()

	r.events.Emit(ctx, events.DuelResolved, events.Duel{
		Channel:   s.Channel,
		Winner:    out.Winner,
		Loser:     out.Loser,
		Metric1:   out.Samples[0].Metric,
		Metric2:   out.Samples[1].Metric,
		StakeKind: string(s.Stake.Kind()),
		Stake:     CoinAmount(s.Stake),
	})
	return out, nil
}

// resolve runs the match for a Matched session. Nothing is committed unless it returns nil.
func (r *Registry) resolve(ctx context.Context, s *Session, opponent string) (Outcome, error) {
	coins := CoinAmount(s.Stake)
	if coins > 0 {
		for _, id := range []string{s.Initiator, opponent} {
			acct, err := r.ledger.Account(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			if acct.Balance < coins {
				return Outcome{}, errs.InsufficientFunds(id, acct.Balance, coins)
			}
		}
	}

	out := Outcome{}
	samples, err := r.sample(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if samples[0].Metric == samples[1].Metric {
		out.Resampled = true
		if samples, err = r.sample(ctx); err != nil {
			return Outcome{}, err
		}
	}
	out.Samples = samples

	switch {
	case samples[0].Metric > samples[1].Metric:
		out.Winner, out.Loser = s.Initiator, opponent
	case samples[1].Metric > samples[0].Metric:
		out.Winner, out.Loser = opponent, s.Initiator
	default:
		out.TieBroken = true
		out.Winner, out.Loser = s.Initiator, opponent
		if opponent < s.Initiator {
			out.Winner, out.Loser = opponent, s.Initiator
		}
	}

	switch st := s.Stake.(type) {
	case Coins:
		res, err := r.ledger.Transfer(ctx, ledger.TransferRequest{
			From:        out.Loser,
			To:          out.Winner,
			Amount:      int64(st),
			TaxRate:     r.opts.TaxRate,
			Reason:      economy.ReasonDuel,
			Description: fmt.Sprintf("duel %s vs %s", s.Initiator, opponent),
		})
		if err != nil {
			return Outcome{}, err
		}
		out.Transfer = &res
	case Kick:
		out.PenaltyErr = r.kick(ctx, s.Channel, out.Loser)
	case Mute:
		out.PenaltyErr = r.mute(ctx, s.Channel, out.Loser, st.Duration)
	}
	if out.PenaltyErr != nil {
		r.logger.Warn("Duel penalty failed", zap.String("loser", out.Loser), zap.Error(out.PenaltyErr))
	}

	// the payout is committed; a lost history row only affects stats
	id, err := r.ledger.RecordDuel(ctx, economy.DuelHistory{
		Player1:   s.Initiator,
		Player2:   opponent,
		Metric1:   samples[0].Metric,
		Metric2:   samples[1].Metric,
		Stake:     coins,
		StakeKind: s.Stake.Kind(),
		Mode:      r.opts.Mode,
		WinnerID:  out.Winner,
		CreatedAt: r.opts.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("Failed to record duel history", zap.String("winner", out.Winner), zap.Error(err))
	}
	out.HistoryID = id

	r.logger.Info("Duel resolved",
		zap.String("winner", out.Winner),
		zap.String("loser", out.Loser),
		zap.Float64("metric1", samples[0].Metric),
		zap.Float64("metric2", samples[1].Metric),
		zap.String("stake", s.Stake.String()),
		zap.Bool("tie_broken", out.TieBroken))
	return out, nil
}

func (r *Registry) sample(ctx context.Context) ([2]stats.Sample, error) {
	samples, err := r.sampler.Samples(ctx, r.opts.Mode, 2)
	if err != nil {
		return [2]stats.Sample{}, errs.ExternalService("duel samples", err)
	}
	if len(samples) != 2 {
		return [2]stats.Sample{}, errs.ExternalService("duel samples", fmt.Errorf("expected 2 samples, got %d", len(samples)))
	}
	return [2]stats.Sample{samples[0], samples[1]}, nil
}

func (r *Registry) kick(ctx context.Context, channel, account string) error {
	if r.moderator == nil {
		return fmt.Errorf("no moderator configured")
	}
	return r.moderator.Kick(ctx, channel, account)
}

func (r *Registry) mute(ctx context.Context, channel, account string, d time.Duration) error {
	if r.moderator == nil {
		return fmt.Errorf("no moderator configured")
	}
	return r.moderator.Mute(ctx, channel, account, d)
}

// Cancel withdraws a proposed session.
func (r *Registry) Cancel(key Key) error {
	s, ok := r.sessions.Load(key)
	if !ok || !s.transition(Proposed, Cancelled) {
		return fmt.Errorf("%w: no open duel for %s in %s", errs.ErrNotFound, key.Initiator, key.Channel)
	}
	r.remove(s)
	return nil
}

// Sweep expires every Proposed session older than the TTL and returns them. Matched sessions are
// left to their in-flight accept.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []*Session {
	var expired []*Session
	r.sessions.Range(func(_ Key, s *Session) bool {
		if s.expiredAt(now, r.opts.TTL) && s.transition(Proposed, Expired) {
			expired = append(expired, s)
		}
		return true
	})

	for _, s := range expired {
		r.remove(s)
		r.deleteAnnouncement(ctx, s)
	}
	if len(expired) > 0 {
		r.logger.Debug("Expired duel sessions", zap.Int("count", len(expired)))
	}
	return expired
}

// remove deletes s from both indexes, leaving a newer session under the same key alone.
func (r *Registry) remove(s *Session) {
	r.sessions.Compute(s.Key, func(cur *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded && cur == s {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	r.dropRef(s)
}

func (r *Registry) dropRef(s *Session) {
	ref := s.Announcement()
	if !ref.Valid() {
		return
	}
	r.byRef.Compute(ref, func(cur Key, loaded bool) (Key, xsync.ComputeOp) {
		if loaded && cur == s.Key {
			return cur, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

func (r *Registry) deleteAnnouncement(ctx context.Context, s *Session) {
	ref := s.Announcement()
	if r.deleter == nil || !ref.Valid() {
		return
	}
	if err := r.deleter.Delete(ctx, ref); err != nil {
		r.logger.Debug("Failed to delete duel announcement", zap.String("ref", ref.String()), zap.Error(err))
	}
}

func (r *Registry) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err), zap.String("kind", string(errs.KindOf(err))))
	switch errs.KindOf(err) {
	case errs.KindPersistence, errs.KindUnknown:
		r.logger.Error(msg, fields...)
	case errs.KindExternalService:
		r.logger.Warn(msg, fields...)
	default:
		r.logger.Debug(msg, fields...)
	}
}
