// Package claim runs the race for the balance of a member who left a channel. The first reply to
// the announcement takes the balance minus tax; an unclaimed window pays the bank on expiry.
package claim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axekz/coinyx/pkg/config"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const expireTimeout = 10 * time.Second

// Ledger is the part of the ledger a claim window needs.
type Ledger interface {
	Account(ctx context.Context, id string) (*economy.Account, error)
	EnsureAccount(ctx context.Context, id, displayName string) (*economy.Account, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferResult, error)
}

// Options configures a Store.
type Options struct {
	TTL     time.Duration
	TaxRate float64
	BankID  string
	Now     func() time.Time
}

// OptionsFromConfig maps the process configuration onto store options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TTL:     cfg.ClaimTTL,
		TaxRate: cfg.ClaimTaxRate,
		BankID:  cfg.BankAccountID,
	}
}

// Departure describes a member leaving a channel with Balance coins.
type Departure struct {
	Account string
	Channel string
	Balance int64
}

// Window is one open claim race. finalized flips exactly once per payout.
type Window struct {
	Departure
	Snapshot int64
	OpenedAt time.Time

	finalized atomic.Bool

	mu    sync.Mutex
	ref   gateway.MessageRef
	timer *time.Timer
}

// Ref returns the announcement the window is keyed by.
func (w *Window) Ref() gateway.MessageRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ref
}

func (w *Window) expiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.OpenedAt) >= ttl
}

func (w *Window) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Payout reports a finalized window.
type Payout struct {
	Channel   string
	Departing string
	// Recipient is the claimer, or the bank when Expired.
	Recipient string
	Snapshot  int64
	Paid      int64
	Net       int64
	Tax       int64
	Expired   bool
	Transfer  *ledger.TransferResult
}

// Store holds the open claim windows keyed by announcement.
type Store struct {
	logger  *zap.Logger
	opts    Options
	ledger  Ledger
	events  *events.Emitter
	windows *xsync.Map[gateway.MessageRef, *Window]
}

// NewStore creates an empty store. emitter may be nil.
func NewStore(logger *zap.Logger, opts Options, l Ledger, emitter *events.Emitter) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.BankID == "" {
		opts.BankID = "bank"
	}
	return &Store{
		logger:  logger.With(zap.String("component", "claim")),
		opts:    opts,
		ledger:  l,
		events:  emitter,
		windows: xsync.NewMap[gateway.MessageRef, *Window](),
	}
}

// Open prepares a window for d. The snapshot never exceeds the ledger balance at open time.
func (s *Store) Open(ctx context.Context, d Departure) (*Window, error) {
	if d.Account == "" || d.Channel == "" {
		return nil, errs.Validation("departure needs account and channel")
	}
	if d.Account == s.opts.BankID {
		return nil, errs.Validation("the bank cannot leave")
	}
	if d.Balance <= 0 {
		return nil, errs.Validation("nothing to claim from %s", d.Account)
	}
	acct, err := s.ledger.Account(ctx, d.Account)
	if err != nil {
		return nil, err
	}
	snapshot := min(d.Balance, acct.Balance)
	if snapshot <= 0 {
		return nil, errs.Validation("nothing to claim from %s", d.Account)
	}
	return &Window{Departure: d, Snapshot: snapshot, OpenedAt: s.opts.Now()}, nil
}

// Announce publishes w under ref and arms its expiry timer.
func (s *Store) Announce(w *Window, ref gateway.MessageRef) error {
	if !ref.Valid() {
		return errs.Validation("announcement reference is incomplete")
	}
	if _, loaded := s.windows.LoadOrStore(ref, w); loaded {
		return fmt.Errorf("%w: %s already announces a claim", errs.ErrConflict, ref)
	}

	w.mu.Lock()
	w.ref = ref
	w.timer = time.AfterFunc(s.opts.TTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()
		if _, err := s.Expire(ctx, ref); err != nil && !errs.Benign(err) {
			s.logFailure("Claim expiry failed", err, zap.String("ref", ref.String()))
		}
	})
	w.mu.Unlock()

	s.logger.Info("Claim window opened",
		zap.String("departing", w.Account),
		zap.String("channel", w.Channel),
		zap.Int64("snapshot", w.Snapshot))
	return nil
}

// Get returns the open window announced by ref.
func (s *Store) Get(ref gateway.MessageRef) (*Window, bool) {
	return s.windows.Load(ref)
}

// Len returns the number of open windows.
func (s *Store) Len() int {
	return s.windows.Size()
}

// Claim pays the window announced by ref to claimer. Only the first caller wins; later ones get
// errs.ErrAlreadyClaimed, and replies after expiry get errs.ErrNotFound.
func (s *Store) Claim(ctx context.Context, claimer, claimerName string, ref gateway.MessageRef) (Payout, error) {
	w, ok := s.windows.Load(ref)
	if !ok {
		return Payout{}, fmt.Errorf("%w: claim %s is gone", errs.ErrNotFound, ref)
	}
	if w.expiredAt(s.opts.Now(), s.opts.TTL) {
		if _, err := s.Expire(ctx, ref); err != nil && !errs.Benign(err) {
			s.logFailure("Inline claim expiry failed", err, zap.String("ref", ref.String()))
		}
		return Payout{}, fmt.Errorf("%w: claim %s expired", errs.ErrNotFound, ref)
	}
	if claimer == w.Account {
		return Payout{}, errs.Validation("%s cannot claim their own balance", claimer)
	}
	if !w.finalized.CompareAndSwap(false, true) {
		return Payout{}, fmt.Errorf("%w: claim %s", errs.ErrAlreadyClaimed, ref)
	}

	p, err := s.pay(ctx, w, claimer, claimerName)
	if err != nil {
		w.finalized.Store(false)
		s.logFailure("Claim payout failed", err, zap.String("claimer", claimer), zap.String("ref", ref.String()))
		return Payout{}, err
	}
	w.stopTimer()
	s.windows.Delete(ref)

	s.logger.Info("Claim resolved",
		zap.String("departing", w.Account),
		zap.String("claimer", claimer),
		zap.Int64("paid", p.Paid),
		zap.Int64("tax", p.Tax))
	s.events.Emit(ctx, events.ClaimResolved, p.event())
	return p, nil
}

func (s *Store) pay(ctx context.Context, w *Window, claimer, claimerName string) (Payout, error) {
	if _, err := s.ledger.EnsureAccount(ctx, claimer, claimerName); err != nil {
		return Payout{}, err
	}
	return s.move(ctx, w, claimer, s.opts.TaxRate, fmt.Sprintf("claimed the balance of %s", w.Account))
}

// move transfers min(snapshot, current balance) from the departing account to recipient. The
// ledger reads the balance under its account lock, so concurrent debits only shrink the payout.
func (s *Store) move(ctx context.Context, w *Window, recipient string, rate float64, description string) (Payout, error) {
	p := Payout{
		Channel:   w.Channel,
		Departing: w.Account,
		Recipient: recipient,
		Snapshot:  w.Snapshot,
	}
	reason := economy.ReasonDuel
	if recipient == s.opts.BankID {
		reason = economy.ReasonTax
	}
	res, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		From:        w.Account,
		To:          recipient,
		Amount:      w.Snapshot,
		UpTo:        true,
		TaxRate:     rate,
		Reason:      reason,
		Description: description,
	})
	if err != nil {
		return Payout{}, err
	}
	if res.Amount == 0 {
		return p, nil
	}
	p.Paid, p.Net, p.Tax, p.Transfer = res.Amount, res.Net, res.Tax, &res
	return p, nil
}

// Expire pays the window announced by ref to the bank without tax.
func (s *Store) Expire(ctx context.Context, ref gateway.MessageRef) (Payout, error) {
	w, ok := s.windows.Load(ref)
	if !ok {
		return Payout{}, fmt.Errorf("%w: claim %s is gone", errs.ErrNotFound, ref)
	}
	if !w.finalized.CompareAndSwap(false, true) {
		return Payout{}, fmt.Errorf("%w: claim %s", errs.ErrAlreadyClaimed, ref)
	}

	p, err := s.move(ctx, w, s.opts.BankID, 0, fmt.Sprintf("unclaimed balance of %s", w.Account))
	if err != nil {
		w.finalized.Store(false)
		return Payout{}, err
	}
	p.Expired = true
	w.stopTimer()
	s.windows.Delete(ref)

	s.logger.Info("Claim expired",
		zap.String("departing", w.Account),
		zap.String("channel", w.Channel),
		zap.Int64("paid", p.Paid))
	s.events.Emit(ctx, events.ClaimExpired, p.event())
	return p, nil
}

// ExpireDue expires every window whose TTL has passed at now.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) []Payout {
	var due []gateway.MessageRef
	s.windows.Range(func(ref gateway.MessageRef, w *Window) bool {
		if w.expiredAt(now, s.opts.TTL) {
			due = append(due, ref)
		}
		return true
	})

	payouts := make([]Payout, 0, len(due))
	for _, ref := range due {
		p, err := s.Expire(ctx, ref)
		if err != nil {
			if !errs.Benign(err) {
				s.logFailure("Claim expiry failed", err, zap.String("ref", ref.String()))
			}
			continue
		}
		payouts = append(payouts, p)
	}
	return payouts
}

// Close stops every pending timer. Open windows are left for the next process to forget.
func (s *Store) Close() {
	s.windows.Range(func(_ gateway.MessageRef, w *Window) bool {
		w.stopTimer()
		return true
	})
}

func (p Payout) event() events.Claim {
	return events.Claim{
		Channel:   p.Channel,
		Departing: p.Departing,
		Recipient: p.Recipient,
		Snapshot:  p.Snapshot,
		Paid:      p.Paid,
		Net:       p.Net,
		Tax:       p.Tax,
	}
}

func (s *Store) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err), zap.String("kind", string(errs.KindOf(err))))
	switch errs.KindOf(err) {
	case errs.KindPersistence, errs.KindUnknown:
		s.logger.Error(msg, fields...)
	default:
		s.logger.Debug(msg, fields...)
	}
}
