package duel

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/axekz/coinyx/pkg/db/models/economy"
	sqlitestore "github.com/axekz/coinyx/pkg/db/sqlite/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/axekz/coinyx/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockSampler is a mock implementation of stats.Sampler for testing
type MockSampler struct {
	mock.Mock
}

func (m *MockSampler) Samples(ctx context.Context, mode string, n int) ([]stats.Sample, error) {
	args := m.Called(ctx, mode, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]stats.Sample), args.Error(1)
}

// MockModerator is a mock implementation of gateway.Moderator for testing
type MockModerator struct {
	mock.Mock
}

func (m *MockModerator) Kick(ctx context.Context, channel, account string) error {
	args := m.Called(ctx, channel, account)
	return args.Error(0)
}

func (m *MockModerator) Mute(ctx context.Context, channel, account string, d time.Duration) error {
	args := m.Called(ctx, channel, account, d)
	return args.Error(0)
}

type deleted struct {
	mu   sync.Mutex
	refs []gateway.MessageRef
}

func (d *deleted) Delete(_ context.Context, ref gateway.MessageRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs = append(d.refs, ref)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	registry  *Registry
	ledger    *ledger.Ledger
	sampler   *MockSampler
	moderator *MockModerator
	deleted   *deleted
	clock     *clock
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	s, err := sqlitestore.Open(ctx, logger, filepath.Join(t.TempDir(), "duel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l := ledger.New(logger, s, ledger.Options{BankID: "bank", BankName: "Central Bank", DailyTaxDivisor: 1000}, nil)
	_, err = l.EnsureBank(ctx)
	require.NoError(t, err)

	f := &fixture{
		ledger:    l,
		sampler:   &MockSampler{},
		moderator: &MockModerator{},
		deleted:   &deleted{},
		clock:     &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		TTL:      2 * time.Minute,
		MinStake: 1,
		MaxStake: 1000,
		TaxRate:  0.05,
		Mode:     "kzt",
		Now:      f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.registry = NewRegistry(logger, opts, l, f.sampler, f.moderator, f.deleted, nil)
	return f
}

func (f *fixture) account(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, id, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Credit(ctx, id, balance, economy.ReasonAdminAdjust, "seed")
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := f.ledger.Account(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

// propose creates and announces a session, returning the announcement reference.
func (f *fixture) propose(t *testing.T, initiator, opponent string, stake Stake) gateway.MessageRef {
	t.Helper()
	s, err := f.registry.Create(context.Background(), initiator, opponent, stake, "g1")
	require.NoError(t, err)
	ref := gateway.MessageRef{Channel: "g1", MessageID: "m-" + initiator}
	require.NoError(t, f.registry.Announce(s.Key, ref))
	return ref
}

func samples(a, b float64) []stats.Sample {
	return []stats.Sample{{Metric: a}, {Metric: b}}
}

func TestAcceptCoinDuelPaysWinner(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(250.5, 248.1), nil).Once()

	ref := f.propose(t, "alice", "", Coins(20))
	out, err := f.registry.Accept(context.Background(), "bob", ref)
	require.NoError(t, err)

	assert.Equal(t, "alice", out.Winner)
	assert.Equal(t, "bob", out.Loser)
	require.NotNil(t, out.Transfer)
	assert.Equal(t, int64(19), out.Transfer.Net)
	assert.Equal(t, int64(1), out.Transfer.Tax)
	assert.Equal(t, int64(119), f.balance(t, "alice"))
	assert.Equal(t, int64(80), f.balance(t, "bob"))
	assert.Equal(t, int64(1), f.balance(t, "bank"))
	assert.Equal(t, Resolved, out.Session.State)
	assert.Equal(t, "bob", out.Session.Opponent)
	assert.NotZero(t, out.HistoryID)
	assert.Equal(t, 0, f.registry.Len())

	st, err := f.ledger.DuelStats(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Matches)
	assert.Equal(t, int64(0), st.Wins)
	f.sampler.AssertExpectations(t)
}

func TestDoubleAcceptResolvesOnce(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)
	f.account(t, "carol", 100)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(240, 230), nil)

	ref := f.propose(t, "alice", "", Coins(20))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, who := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, who string) {
			defer wg.Done()
			_, results[i] = f.registry.Accept(context.Background(), who, ref)
		}(i, who)
	}
	wg.Wait()

	var ok, gone int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrWrongOpponent):
			gone++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, gone)
	// one stake of 20 moved, 1 of it to the bank
	assert.Equal(t, int64(119), f.balance(t, "alice"))
	assert.Equal(t, int64(299), f.balance(t, "alice")+f.balance(t, "bob")+f.balance(t, "carol"))
	assert.Equal(t, int64(1), f.balance(t, "bank"))
}

func TestAcceptAfterTTLIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)

	ref := f.propose(t, "alice", "bob", Coins(20))

	f.clock.advance(121 * time.Second)
	expired := f.registry.Sweep(context.Background(), f.clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, Expired, expired[0].State())
	assert.Equal(t, []gateway.MessageRef{ref}, f.deleted.refs)

	f.clock.advance(time.Second)
	_, err := f.registry.Accept(context.Background(), "bob", ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, int64(100), f.balance(t, "alice"))
	assert.Equal(t, int64(100), f.balance(t, "bob"))
	f.sampler.AssertNotCalled(t, "Samples", mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptPastTTLWithoutSweepExpiresInline(t *testing.T) {
	f := newFixture(t)
	ref := f.propose(t, "alice", "", Coins(20))

	f.clock.advance(3 * time.Minute)
	_, err := f.registry.Accept(context.Background(), "bob", ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 0, f.registry.Len())
}

func TestSweepKeepsFreshSessions(t *testing.T) {
	f := newFixture(t)
	f.propose(t, "alice", "", Coins(20))
	f.clock.advance(time.Minute)
	f.propose(t, "bob", "", Coins(20))

	f.clock.advance(90 * time.Second)
	expired := f.registry.Sweep(context.Background(), f.clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].Initiator)
	assert.Equal(t, 1, f.registry.Len())
}

func TestWrongOpponentLeavesSessionOpen(t *testing.T) {
	f := newFixture(t)
	ref := f.propose(t, "alice", "bob", Coins(20))

	_, err := f.registry.Accept(context.Background(), "carol", ref)
	assert.ErrorIs(t, err, errs.ErrWrongOpponent)

	s, ok := f.registry.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, Proposed, s.State())
}

func TestInitiatorReplyCancels(t *testing.T) {
	f := newFixture(t)
	ref := f.propose(t, "alice", "bob", Coins(20))

	out, err := f.registry.Accept(context.Background(), "alice", ref)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, Cancelled, out.Session.State)
	assert.Equal(t, 0, f.registry.Len())

	_, err = f.registry.Accept(context.Background(), "bob", ref)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTieResamplesOnce(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(240, 240), nil).Once()
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(239, 241), nil).Once()

	ref := f.propose(t, "alice", "bob", Coins(10))
	out, err := f.registry.Accept(context.Background(), "bob", ref)
	require.NoError(t, err)

	assert.True(t, out.Resampled)
	assert.False(t, out.TieBroken)
	assert.Equal(t, "bob", out.Winner)
	f.sampler.AssertNumberOfCalls(t, "Samples", 2)
}

func TestDoubleTieGoesToSmallerID(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(240, 240), nil).Twice()

	ref := f.propose(t, "bob", "alice", Coins(10))
	out, err := f.registry.Accept(context.Background(), "alice", ref)
	require.NoError(t, err)

	assert.True(t, out.TieBroken)
	assert.Equal(t, "alice", out.Winner)
	assert.Equal(t, "bob", out.Loser)
}

func TestInsufficientFundsRevertsAndUnbinds(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 5)

	ref := f.propose(t, "alice", "", Coins(20))
	_, err := f.registry.Accept(context.Background(), "bob", ref)
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	s, ok := f.registry.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, Proposed, s.State())
	assert.Empty(t, s.Opponent())

	// someone else can still take it
	f.account(t, "carol", 50)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(200, 210), nil).Once()
	out, err := f.registry.Accept(context.Background(), "carol", ref)
	require.NoError(t, err)
	assert.Equal(t, "carol", out.Winner)
	assert.Equal(t, int64(5), f.balance(t, "bob"))
}

func TestStatsFailureRevertsSession(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice", 100)
	f.account(t, "bob", 100)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(nil, errors.New("timeout")).Once()

	ref := f.propose(t, "alice", "bob", Coins(20))
	_, err := f.registry.Accept(context.Background(), "bob", ref)
	assert.ErrorIs(t, err, errs.ErrExternalService)

	s, ok := f.registry.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, Proposed, s.State())
	assert.Equal(t, "bob", s.Opponent())
	assert.Equal(t, int64(100), f.balance(t, "alice"))
}

func TestCreateConflictAndStaleReplacement(t *testing.T) {
	f := newFixture(t)
	f.propose(t, "alice", "", Coins(20))

	_, err := f.registry.Create(context.Background(), "alice", "", Coins(30), "g1")
	assert.ErrorIs(t, err, errs.ErrConflict)

	// another channel is independent
	_, err = f.registry.Create(context.Background(), "alice", "", Coins(30), "g2")
	require.NoError(t, err)

	f.clock.advance(3 * time.Minute)
	s, err := f.registry.Create(context.Background(), "alice", "", Coins(30), "g1")
	require.NoError(t, err)
	assert.Equal(t, Coins(30), s.Stake)
	assert.Len(t, f.deleted.refs, 1)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "alice", "alice", Coins(20), "g1")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.registry.Create(ctx, "alice", "", Coins(0), "g1")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.registry.Create(ctx, "alice", "", Coins(1001), "g1")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.registry.Create(ctx, "alice", "", Kick{}, "g1")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 0, f.registry.Len())
}

func TestMuteStakePenalizesLoser(t *testing.T) {
	f := newFixture(t)
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(230, 245), nil).Once()
	f.moderator.On("Mute", mock.Anything, "g1", "alice", 10*time.Minute).Return(nil).Once()

	ref := f.propose(t, "alice", "bob", Mute{Duration: 10 * time.Minute})
	out, err := f.registry.Accept(context.Background(), "bob", ref)
	require.NoError(t, err)

	assert.Equal(t, "bob", out.Winner)
	assert.Nil(t, out.Transfer)
	assert.NoError(t, out.PenaltyErr)
	f.moderator.AssertExpectations(t)
}

func TestKickFailureStillResolves(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowKick = true })
	f.sampler.On("Samples", mock.Anything, "kzt", 2).Return(samples(250, 245), nil).Once()
	f.moderator.On("Kick", mock.Anything, "g1", "bob").Return(errors.New("no permission")).Once()

	ref := f.propose(t, "alice", "bob", Kick{})
	out, err := f.registry.Accept(context.Background(), "bob", ref)
	require.NoError(t, err)

	assert.Error(t, out.PenaltyErr)
	assert.Equal(t, Resolved, out.Session.State)
	assert.Equal(t, 0, f.registry.Len())
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ref := f.propose(t, "alice", "", Coins(20))

	require.NoError(t, f.registry.Cancel(Key{Initiator: "alice", Channel: "g1"}))
	assert.ErrorIs(t, f.registry.Cancel(Key{Initiator: "alice", Channel: "g1"}), errs.ErrNotFound)
	_, ok := f.registry.Lookup(ref)
	assert.False(t, ok)
}
