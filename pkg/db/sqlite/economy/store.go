// Package economy is the SQLite ledger store, for single-host deployments and tests.
package economy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	store "github.com/axekz/coinyx/pkg/db"
	economymodels "github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/db/sqlite"
	"github.com/axekz/coinyx/pkg/db/sqlite/economy/migrations"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ store.Store = (*Store)(nil)

// Store persists the ledger in SQLite.
type Store struct {
	logger *zap.Logger
	sqlDB  *sql.DB
}

// Open opens a SQLite economy store and applies embedded migrations.
func Open(ctx context.Context, logger *zap.Logger, path string) (*Store, error) {
	sqlDB, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.ApplyMigrations(ctx, logger, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("SQLite economy store ready", zap.String("path", path))
	return &Store{logger: logger, sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InTx runs fn inside BEGIN IMMEDIATE, which takes the write lock up front.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return errs.Persistence("sqlite begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("SQLite rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, &tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return errs.Persistence("sqlite commit", err)
	}
	return nil
}

// Account returns one account by id.
func (s *Store) Account(ctx context.Context, id string) (*economymodels.Account, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.AccountNotFound(id)
	}
	if err != nil {
		return nil, errs.Persistence("get account", err)
	}
	return a, nil
}

// Entries returns the newest entries of an account, newest first.
func (s *Store) Entries(ctx context.Context, accountID string, limit int) ([]economymodels.LedgerEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, errs.Persistence("list entries", err)
	}
	return collectEntries(rows)
}

// EntriesByTransfer returns every entry of one unit of work in insertion order.
func (s *Store) EntriesByTransfer(ctx context.Context, transferID uuid.UUID) ([]economymodels.LedgerEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE transfer_id = ? ORDER BY id`,
		transferID.String(),
	)
	if err != nil {
		return nil, errs.Persistence("list transfer entries", err)
	}
	return collectEntries(rows)
}

// DuelStats aggregates duel_history for one player.
func (s *Store) DuelStats(ctx context.Context, accountID string) (economymodels.DuelStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN winner_id = ?1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN winner_id = ?1 THEN stake ELSE -stake END), 0),
			COALESCE(AVG(CASE WHEN player1 = ?1 THEN metric1 ELSE metric2 END), 0)
		FROM duel_history
		WHERE player1 = ?1 OR player2 = ?1`

	stats := economymodels.DuelStats{AccountID: accountID}
	err := s.sqlDB.QueryRowContext(ctx, query, accountID).
		Scan(&stats.Matches, &stats.Wins, &stats.NetCoins, &stats.AvgMetric)
	if err != nil {
		return economymodels.DuelStats{}, errs.Persistence("duel stats", err)
	}
	stats.Finalize()
	return stats, nil
}

// TopAccounts returns the richest accounts first.
func (s *Store) TopAccounts(ctx context.Context, limit int) ([]*economymodels.Account, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY balance DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Persistence("top accounts", err)
	}
	accounts, err := collectAccounts(rows)
	if err != nil {
		return nil, errs.Persistence("top accounts", err)
	}
	return accounts, nil
}

// TotalCoins sums every balance.
func (s *Store) TotalCoins(ctx context.Context) (int64, error) {
	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return 0, errs.Persistence("total coins", err)
	}
	return total, nil
}
