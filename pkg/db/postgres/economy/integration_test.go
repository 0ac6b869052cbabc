//go:build integration

package economy

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	store "github.com/axekz/coinyx/pkg/db"
	economymodels "github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Run with: POSTGRES_URL=postgres://... go test -tags integration ./pkg/db/postgres/economy/

func newIntegrationDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("POSTGRES_URL") == "" {
		t.Skip("POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := New(ctx, zaptest.NewLogger(t), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// integrationBank is shared by every run; the schema allows a single bank.
const integrationBank = "it-bank"

func ensureBank(t *testing.T, db *DB) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertAccount(ctx, economymodels.Account{ID: integrationBank, DisplayName: "Integration Bank", IsBank: true})
		return err
	})
	if errors.Is(err, errs.ErrConflict) {
		t.Skip("database already holds a different bank account")
	}
	require.NoError(t, err)
}

// prefix keeps rows of one run apart from earlier runs against the same database.
func prefix() string {
	return "it-" + uuid.NewString()[:8] + "-"
}

func seed(t *testing.T, db *DB, accounts ...economymodels.Account) {
	t.Helper()
	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, a := range accounts {
			if _, err := tx.InsertAccount(ctx, a); err != nil {
				return err
			}
			if a.Balance > 0 {
				if err := tx.SetBalance(ctx, a.ID, a.Balance); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLockAccountsBlocksSecondUnitOfWork(t *testing.T) {
	db := newIntegrationDB(t)
	p := prefix()
	seed(t, db, economymodels.Account{ID: p + "a", Balance: 10})

	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		held, err := tx.LockAccounts(ctx, p+"a")
		require.NoError(t, err)
		require.Contains(t, held, p+"a")

		waitCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		blocked := db.InTx(waitCtx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.LockAccounts(ctx, p+"a")
			return err
		})
		assert.Error(t, blocked)
		return nil
	})
	require.NoError(t, err)

	err = db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccounts(ctx, p+"a")
		return err
	})
	assert.NoError(t, err)
}

func TestTaxableAccountsSkipsBankAndPoor(t *testing.T) {
	db := newIntegrationDB(t)
	p := prefix()
	ensureBank(t, db)
	seed(t, db,
		economymodels.Account{ID: p + "rich", Balance: 2000},
		economymodels.Account{ID: p + "poor", Balance: 0},
	)

	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.TaxableAccounts(ctx, 1)
		if err != nil {
			return err
		}
		var ours []string
		for _, a := range accounts {
			assert.False(t, a.IsBank)
			if strings.HasPrefix(a.ID, p) {
				ours = append(ours, a.ID)
			}
		}
		assert.Equal(t, []string{p + "rich"}, ours)
		return nil
	})
	require.NoError(t, err)
}

func TestBalanceCheckConstraint(t *testing.T) {
	db := newIntegrationDB(t)
	p := prefix()
	seed(t, db, economymodels.Account{ID: p + "a"})

	err := db.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetBalance(ctx, p+"a", -1)
	})
	assert.Error(t, err)
}

// Two ledgers share the database like two bot processes; only the row locks keep them apart.
func TestConcurrentLedgersKeepBalancesExact(t *testing.T) {
	db := newIntegrationDB(t)
	p := prefix()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	ensureBank(t, db)
	opts := ledger.Options{BankID: integrationBank, BankName: "Integration Bank"}
	first := ledger.New(logger, db, opts, nil)
	second := ledger.New(logger, db, opts, nil)
	before, err := db.Account(ctx, integrationBank)
	require.NoError(t, err)
	seed(t, db,
		economymodels.Account{ID: p + "a", Balance: 1000},
		economymodels.Account{ID: p + "b", Balance: 1000},
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := first.Transfer(ctx, ledger.TransferRequest{From: p + "a", To: p + "b", Amount: 10, TaxRate: 0.01, Reason: economymodels.ReasonTransfer})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := second.Transfer(ctx, ledger.TransferRequest{From: p + "b", To: p + "a", Amount: 10, TaxRate: 0.01, Reason: economymodels.ReasonTransfer})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bank, err := db.Account(ctx, integrationBank)
	require.NoError(t, err)
	collected := bank.Balance - before.Balance
	assert.Equal(t, int64(40), collected)

	total := collected
	for _, id := range []string{p + "a", p + "b"} {
		a, err := db.Account(ctx, id)
		require.NoError(t, err)
		total += a.Balance
	}
	assert.Equal(t, int64(2000), total)
}
