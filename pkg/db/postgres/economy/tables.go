package economy

import "context"

// initAccounts creates the accounts table. The balance CHECK backs up the ledger's own funds check.
func (db *DB) initAccounts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			display_name TEXT NOT NULL DEFAULT '',
			is_bank BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS accounts_single_bank ON accounts (is_bank) WHERE is_bank;
	`

	return db.Exec(ctx, query)
}

// initLedgerEntries creates the append-only ledger_entries table
func (db *DB) initLedgerEntries(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			transfer_id UUID NOT NULL,
			account_id TEXT NOT NULL REFERENCES accounts (id),
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, id DESC);
		CREATE INDEX IF NOT EXISTS ledger_entries_transfer_idx ON ledger_entries (transfer_id);
	`

	return db.Exec(ctx, query)
}

// initDuelHistory creates the duel_history table
func (db *DB) initDuelHistory(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS duel_history (
			id BIGSERIAL PRIMARY KEY,
			player1 TEXT NOT NULL,
			player2 TEXT NOT NULL,
			metric1 DOUBLE PRECISION NOT NULL,
			metric2 DOUBLE PRECISION NOT NULL,
			stake BIGINT NOT NULL DEFAULT 0,
			stake_kind TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			winner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS duel_history_player1_idx ON duel_history (player1);
		CREATE INDEX IF NOT EXISTS duel_history_player2_idx ON duel_history (player2);
	`

	return db.Exec(ctx, query)
}

// initSignIns creates the sign_ins table; the primary key allows one sign-in per account and day
func (db *DB) initSignIns(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sign_ins (
			account_id TEXT NOT NULL REFERENCES accounts (id),
			day TEXT NOT NULL,
			donor_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			transfer_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, day)
		);
		CREATE INDEX IF NOT EXISTS accounts_balance_idx ON accounts (balance DESC, id);
	`

	return db.Exec(ctx, query)
}
