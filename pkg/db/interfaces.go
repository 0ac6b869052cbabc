package db

import (
	"context"
	"errors"

	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/google/uuid"
)

// ErrAccountNotFound is returned by Store.Account for an unknown id.
var ErrAccountNotFound = errors.New("account not found")

// AccountNotFound names the missing id; it matches both ErrAccountNotFound and errs.ErrNotFound.
func AccountNotFound(id string) error {
	return accountNotFoundError(id)
}

type accountNotFoundError string

func (e accountNotFoundError) Error() string { return "account " + string(e) + " not found" }

func (e accountNotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound || target == errs.ErrNotFound
}

// Store is the durable ledger storage. Every balance mutation goes through InTx.
type Store interface {
	// InTx runs fn as one unit of work. An error from fn, a panic or a failed commit rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Account(ctx context.Context, id string) (*economy.Account, error)
	Entries(ctx context.Context, accountID string, limit int) ([]economy.LedgerEntry, error)
	EntriesByTransfer(ctx context.Context, transferID uuid.UUID) ([]economy.LedgerEntry, error)
	DuelStats(ctx context.Context, accountID string) (economy.DuelStats, error)
	// TopAccounts returns up to limit accounts by balance, richest first, ties by id.
	TopAccounts(ctx context.Context, limit int) ([]*economy.Account, error)
	// TotalCoins is the sum of every balance, the bank included.
	TotalCoins(ctx context.Context) (int64, error)
	Close() error
}

// Tx is the write surface available inside a unit of work. Accounts returned by Tx are owned by
// the caller for the duration of the unit of work and must not be retained after it ends.
type Tx interface {
	// LockAccounts loads ids and holds their rows until the unit of work ends.
	// Unknown ids are absent from the result.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*economy.Account, error)
	// InsertAccount creates a, reporting false when the id already exists.
	InsertAccount(ctx context.Context, a economy.Account) (bool, error)
	SetBalance(ctx context.Context, id string, balance int64) error
	SetDisplayName(ctx context.Context, id, name string) error
	AppendEntries(ctx context.Context, entries []economy.LedgerEntry) error
	// TaxableAccounts locks and returns every non-bank account with balance >= minBalance.
	TaxableAccounts(ctx context.Context, minBalance int64) ([]*economy.Account, error)
	InsertDuel(ctx context.Context, h economy.DuelHistory) (int64, error)
	// InsertSignIn records s, reporting false when the account already signed in on s.Day.
	InsertSignIn(ctx context.Context, s economy.SignIn) (bool, error)
	// RichestAccounts locks and returns up to limit non-bank accounts other than exclude with
	// balance >= minBalance, richest first.
	RichestAccounts(ctx context.Context, minBalance int64, exclude string, limit int) ([]*economy.Account, error)
}
