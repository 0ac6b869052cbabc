package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/axekz/coinyx/pkg/claim"
	"github.com/axekz/coinyx/pkg/duel"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockDuels struct {
	mock.Mock
}

func (m *MockDuels) Sweep(ctx context.Context, now time.Time) []*duel.Session {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*duel.Session)
}

type MockClaims struct {
	mock.Mock
}

func (m *MockClaims) ExpireDue(ctx context.Context, now time.Time) []claim.Payout {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]claim.Payout)
}

type MockTaxer struct {
	mock.Mock
}

func (m *MockTaxer) DailyTax(ctx context.Context, now time.Time) (ledger.TaxRun, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(ledger.TaxRun), args.Error(1)
}

func TestFastSweepsBothTables(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 2, 1, 0, time.UTC)
	duels, claims := &MockDuels{}, &MockClaims{}
	duels.On("Sweep", mock.Anything, now).Return([]*duel.Session{{}}).Once()
	claims.On("ExpireDue", mock.Anything, now).Return([]claim.Payout{{Paid: 50, Expired: true}}).Once()

	s := New(zaptest.NewLogger(t), duels, claims, nil)
	res := s.Fast(context.Background(), now)

	assert.Len(t, res.Duels, 1)
	require.Len(t, res.Claims, 1)
	assert.Equal(t, int64(50), res.Claims[0].Paid)
	duels.AssertExpectations(t)
	claims.AssertExpectations(t)
}

func TestDailyReportsTaxErrors(t *testing.T) {
	now := time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC)
	taxer := &MockTaxer{}
	taxer.On("DailyTax", mock.Anything, now).Return(ledger.TaxRun{Accounts: 2, Total: 2}, nil).Once()
	taxer.On("DailyTax", mock.Anything, now).Return(ledger.TaxRun{}, errors.New("db down")).Once()

	s := New(zaptest.NewLogger(t), nil, nil, taxer)
	run, err := s.Daily(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Total)

	_, err = s.Daily(context.Background(), now)
	assert.Error(t, err)
}

func TestNilComponentsAreSkipped(t *testing.T) {
	s := New(zaptest.NewLogger(t), nil, nil, nil)
	res := s.Fast(context.Background(), time.Now())
	assert.Empty(t, res.Duels)
	assert.Empty(t, res.Claims)
	_, err := s.Daily(context.Background(), time.Now())
	assert.NoError(t, err)
}

func TestSchedulerRunsFastTick(t *testing.T) {
	duels := &MockDuels{}
	ticked := make(chan struct{}, 8)
	duels.On("Sweep", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		ticked <- struct{}{}
	})

	s := New(zaptest.NewLogger(t), duels, nil, nil)
	require.NoError(t, s.SetupScheduler(context.Background(), cron.DefaultLogger, "@every 1s", "0 0 1 * * *"))
	s.Start()
	defer s.Stop()

	select {
	case <-ticked:
	case <-time.After(3 * time.Second):
		t.Fatal("fast sweep did not run")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(zaptest.NewLogger(t), nil, nil, nil)
	assert.Error(t, s.SetupScheduler(context.Background(), cron.DefaultLogger, "not a spec", "0 0 1 * * *"))
	assert.Error(t, s.SetupScheduler(context.Background(), cron.DefaultLogger, "@every 5s", "61 * * * * *"))
}
