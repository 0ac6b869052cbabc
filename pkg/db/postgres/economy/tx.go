package economy

import (
	"context"
	"fmt"
	"sort"
	"time"

	economymodels "github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/db/postgres"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, balance, display_name, is_bank, created_at, updated_at`

// tx implements db.Tx on top of a pgx transaction.
type tx struct {
	tx pgx.Tx
}

func scanAccount(row pgx.Row) (*economymodels.Account, error) {
	var a economymodels.Account
	if err := row.Scan(&a.ID, &a.Balance, &a.DisplayName, &a.IsBank, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]*economymodels.Account, error) {
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

// LockAccounts selects the rows FOR UPDATE in id order so two units of work never
// wait on each other in opposite directions.
func (t *tx) LockAccounts(ctx context.Context, ids ...string) (map[string]*economymodels.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, ids)
	if err != nil {
		return nil, errs.Persistence("lock accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("lock accounts", err)
	}

	out := make(map[string]*economymodels.Account, len(accounts))
	for _, a := range accounts {
		out[a.ID] = a
	}
	return out, nil
}

func (t *tx) InsertAccount(ctx context.Context, a economymodels.Account) (bool, error) {
	query := `
		INSERT INTO accounts (id, balance, display_name, is_bank, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, query, a.ID, a.Balance, a.DisplayName, a.IsBank, created)
	if postgres.IsUniqueViolation(err) {
		return false, fmt.Errorf("%w: account %s violates a uniqueness rule (second bank?)", errs.ErrConflict, a.ID)
	}
	if err != nil {
		return false, errs.Persistence("insert account", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) SetBalance(ctx context.Context, id string, balance int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	if err != nil {
		return errs.Persistence("set balance", err)
	}
	if tag.RowsAffected() != 1 {
		return errs.Persistence("set balance", fmt.Errorf("account %s not found", id))
	}
	return nil
}

func (t *tx) SetDisplayName(ctx context.Context, id, name string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET display_name = $2, updated_at = NOW() WHERE id = $1`, id, name)
	if err != nil {
		return errs.Persistence("set display name", err)
	}
	if tag.RowsAffected() != 1 {
		return errs.Persistence("set display name", fmt.Errorf("account %s not found", id))
	}
	return nil
}

// AppendEntries inserts entries in one batch round trip
func (t *tx) AppendEntries(ctx context.Context, entries []economymodels.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO ledger_entries (transfer_id, account_id, amount, reason, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, e := range entries {
		batch.Queue(query, e.TransferID, e.AccountID, e.Amount, string(e.Reason), e.Description, e.CreatedAt)
	}

	br := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return errs.Persistence("append entries", fmt.Errorf("batch statement %d failed: %w", i, err))
		}
	}
	if err := br.Close(); err != nil {
		return errs.Persistence("append entries", fmt.Errorf("close batch: %w", err))
	}
	return nil
}

func (t *tx) TaxableAccounts(ctx context.Context, minBalance int64) ([]*economymodels.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE NOT is_bank AND balance >= $1
		ORDER BY id
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, minBalance)
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
	query := `
		INSERT INTO duel_history (player1, player2, metric1, metric2, stake, stake_kind, mode, winner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		h.Player1, h.Player2, h.Metric1, h.Metric2, h.Stake, string(h.StakeKind), h.Mode, h.WinnerID, h.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, errs.Persistence("insert duel", err)
	}
	return id, nil
}

func (t *tx) InsertSignIn(ctx context.Context, s economymodels.SignIn) (bool, error) {
	query := `
		INSERT INTO sign_ins (account_id, day, donor_id, amount, transfer_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, day) DO NOTHING
	`
	tag, err := t.tx.Exec(ctx, query, s.AccountID, s.Day, s.DonorID, s.Amount, s.TransferID, s.CreatedAt)
	if err != nil {
		return false, errs.Persistence("insert sign-in", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RichestAccounts picks the candidates by balance but locks them in id order, like LockAccounts.
func (t *tx) RichestAccounts(ctx context.Context, minBalance int64, exclude string, limit int) ([]*economymodels.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE id IN (
			SELECT id FROM accounts
			WHERE NOT is_bank AND balance >= $1 AND id <> $2
			ORDER BY balance DESC, id
			LIMIT $3
		)
		ORDER BY id
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, minBalance, exclude, limit)
	if err != nil {
		return nil, errs.Persistence("richest accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("richest accounts", err)
	}
	sort.SliceStable(accounts, func(i, j int) bool { return accounts[i].Balance > accounts[j].Balance })
	return accounts, nil
}
