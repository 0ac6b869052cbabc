package economy

import (
	"context"

	store "github.com/axekz/coinyx/pkg/db"
	economymodels "github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/db/postgres"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const entryColumns = `id, transfer_id, account_id, amount, reason, description, created_at`

// Account returns the account for the given id
func (db *DB) Account(ctx context.Context, id string) (*economymodels.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(db.QueryRow(ctx, query, id))
	if postgres.IsNoRows(err) {
		return nil, store.AccountNotFound(id)
	}
	if err != nil {
		return nil, errs.Persistence("get account", err)
	}
	return a, nil
}

// Entries returns the newest entries of an account, newest first
func (db *DB) Entries(ctx context.Context, accountID string, limit int) ([]economymodels.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, errs.Persistence("list entries", err)
	}
	return collectEntries(rows)
}

// EntriesByTransfer returns every entry written by one unit of work
func (db *DB) EntriesByTransfer(ctx context.Context, transferID uuid.UUID) ([]economymodels.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE transfer_id = $1
		ORDER BY id
	`
	rows, err := db.Query(ctx, query, transferID)
	if err != nil {
		return nil, errs.Persistence("list transfer entries", err)
	}
	return collectEntries(rows)
}

// DuelStats aggregates duel_history for one player. Net coins count coin stakes only.
func (db *DB) DuelStats(ctx context.Context, accountID string) (economymodels.DuelStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE winner_id = $1),
			COALESCE(SUM(CASE WHEN winner_id = $1 THEN stake ELSE -stake END), 0),
			COALESCE(AVG(CASE WHEN player1 = $1 THEN metric1 ELSE metric2 END), 0)
		FROM duel_history
		WHERE player1 = $1 OR player2 = $1
	`
	stats := economymodels.DuelStats{AccountID: accountID}
	err := db.QueryRow(ctx, query, accountID).Scan(&stats.Matches, &stats.Wins, &stats.NetCoins, &stats.AvgMetric)
	if err != nil {
		return economymodels.DuelStats{}, errs.Persistence("duel stats", err)
	}
	stats.Finalize()
	return stats, nil
}

// TopAccounts returns the richest accounts first
func (db *DB) TopAccounts(ctx context.Context, limit int) ([]*economymodels.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		ORDER BY balance DESC, id
		LIMIT $1
	`
	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, errs.Persistence("top accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("top accounts", err)
	}
	return accounts, nil
}

// TotalCoins sums every balance
func (db *DB) TotalCoins(ctx context.Context) (int64, error) {
	var total int64
	if err := db.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0)::BIGINT FROM accounts`).Scan(&total); err != nil {
		return 0, errs.Persistence("total coins", err)
	}
	return total, nil
}

func collectEntries(rows pgx.Rows) ([]economymodels.LedgerEntry, error) {
	defer rows.Close()
	var out []economymodels.LedgerEntry
	for rows.Next() {
		var (
			e      economymodels.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Amount, &reason, &e.Description, &e.CreatedAt); err != nil {
			return nil, errs.Persistence("scan entry", err)
		}
		e.Reason = economymodels.Reason(reason)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("scan entry", err)
	}
	return out, nil
}
