package economy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	economymodels "github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/db/sqlite"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/google/uuid"
)

const (
	accountColumns = `id, balance, display_name, is_bank, created_at, updated_at`
	entryColumns   = `id, transfer_id, account_id, amount, reason, description, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

type tx struct {
	tx *sql.Tx
}

func scanAccount(row rowScanner) (*economymodels.Account, error) {
	var (
		a                economymodels.Account
		isBank           int
		created, updated int64
	)
	if err := row.Scan(&a.ID, &a.Balance, &a.DisplayName, &isBank, &created, &updated); err != nil {
		return nil, err
	}
	a.IsBank = isBank == 1
	a.CreatedAt = sqlite.FromMillis(created)
	a.UpdatedAt = sqlite.FromMillis(updated)
	return &a, nil
}

func collectAccounts(rows *sql.Rows) ([]*economymodels.Account, error) {
	defer rows.Close()
	var out []*economymodels.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func collectEntries(rows *sql.Rows) ([]economymodels.LedgerEntry, error) {
	defer rows.Close()
	var out []economymodels.LedgerEntry
	for rows.Next() {
		var (
			e                  economymodels.LedgerEntry
			transferID, reason string
			created            int64
		)
		if err := rows.Scan(&e.ID, &transferID, &e.AccountID, &e.Amount, &reason, &e.Description, &created); err != nil {
			return nil, errs.Persistence("scan entry", err)
		}
		id, err := uuid.Parse(transferID)
		if err != nil {
			return nil, errs.Persistence("scan entry", err)
		}
		e.TransferID = id
		e.Reason = economymodels.Reason(reason)
		e.CreatedAt = sqlite.FromMillis(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("scan entry", err)
	}
	return out, nil
}

// LockAccounts reads the rows; the immediate transaction already holds the write lock.
func (t *tx) LockAccounts(ctx context.Context, ids ...string) (map[string]*economymodels.Account, error) {
	out := make(map[string]*economymodels.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, errs.Persistence("lock accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("lock accounts", err)
	}
	for _, a := range accounts {
		out[a.ID] = a
	}
	return out, nil
}

func (t *tx) InsertAccount(ctx context.Context, a economymodels.Account) (bool, error) {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	isBank := 0
	if a.IsBank {
		isBank = 1
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, display_name, is_bank, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Balance, a.DisplayName, isBank, sqlite.ToMillis(created), sqlite.ToMillis(created),
	)
	if sqlite.IsConstraint(err) {
		return false, fmt.Errorf("%w: account %s violates a uniqueness rule (second bank?)", errs.ErrConflict, a.ID)
	}
	if err != nil {
		return false, errs.Persistence("insert account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Persistence("insert account", err)
	}
	return n == 1, nil
}

func (t *tx) SetBalance(ctx context.Context, id string, balance int64) error {
	return t.updateOne(ctx, "set balance",
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance, sqlite.ToMillis(time.Now()), id)
}

func (t *tx) SetDisplayName(ctx context.Context, id, name string) error {
	return t.updateOne(ctx, "set display name",
		`UPDATE accounts SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, sqlite.ToMillis(time.Now()), id)
}

func (t *tx) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errs.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Persistence(op, err)
	}
	if n != 1 {
		return errs.Persistence(op, fmt.Errorf("account %v not found", args[len(args)-1]))
	}
	return nil
}

func (t *tx) AppendEntries(ctx context.Context, entries []economymodels.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO ledger_entries (transfer_id, account_id, amount, reason, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.Persistence("append entries", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.TransferID.String(), e.AccountID, e.Amount, string(e.Reason), e.Description, sqlite.ToMillis(e.CreatedAt),
		); err != nil {
			return errs.Persistence("append entries", fmt.Errorf("entry %d failed: %w", i, err))
		}
	}
	return nil
}

func (t *tx) TaxableAccounts(ctx context.Context, minBalance int64) ([]*economymodels.Account, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_bank = 0 AND balance >= ? ORDER BY id`, minBalance)
	if err != nil {
		return nil, errs.Persistence("taxable accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("taxable accounts", err)
	}
	return accounts, nil
}

func (t *tx) InsertDuel(ctx context.Context, h economymodels.DuelHistory) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO duel_history (player1, player2, metric1, metric2, stake, stake_kind, mode, winner_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.Player1, h.Player2, h.Metric1, h.Metric2, h.Stake, string(h.StakeKind), h.Mode, h.WinnerID,
		sqlite.ToMillis(h.CreatedAt),
	)
	if err != nil {
		return 0, errs.Persistence("insert duel", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Persistence("insert duel", err)
	}
	return id, nil
}

func (t *tx) InsertSignIn(ctx context.Context, s economymodels.SignIn) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO sign_ins (account_id, day, donor_id, amount, transfer_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, day) DO NOTHING`,
		s.AccountID, s.Day, s.DonorID, s.Amount, s.TransferID.String(), sqlite.ToMillis(s.CreatedAt),
	)
	if err != nil {
		return false, errs.Persistence("insert sign-in", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Persistence("insert sign-in", err)
	}
	return n == 1, nil
}

func (t *tx) RichestAccounts(ctx context.Context, minBalance int64, exclude string, limit int) ([]*economymodels.Account, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE is_bank = 0 AND balance >= ? AND id <> ?
		 ORDER BY balance DESC, id
		 LIMIT ?`,
		minBalance, exclude, limit)
	if err != nil {
		return nil, errs.Persistence("richest accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("richest accounts", err)
	}
	return accounts, nil
}
