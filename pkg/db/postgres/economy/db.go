package economy

import (
	"context"

	store "github.com/axekz/coinyx/pkg/db"
	"github.com/axekz/coinyx/pkg/db/postgres"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ store.Store = (*DB)(nil)

// DB is the PostgreSQL ledger store
type DB struct {
	postgres.Client
	Name string
}

// New connects to the economy database and creates its tables.
func New(ctx context.Context, logger *zap.Logger, name string) (*DB, error) {
	return NewWithPoolConfig(ctx, logger, name, postgres.DefaultPoolConfig("economy"))
}

// NewWithPoolConfig creates and initializes an economy database instance with custom pool configuration
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	economyDB := &DB{
		Client: client,
		Name:   name,
	}

	if err := economyDB.InitializeDB(ctx); err != nil {
		economyDB.Client.Close()
		return nil, err
	}

	return economyDB, nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing economy database", zap.String("database", db.Name))

	db.Logger.Debug("Initialize accounts table", zap.String("database", db.Name))
	if err := db.initAccounts(ctx); err != nil {
		return err
	}

	db.Logger.Debug("Initialize ledger_entries table", zap.String("database", db.Name))
	if err := db.initLedgerEntries(ctx); err != nil {
		return err
	}

	db.Logger.Debug("Initialize duel_history table", zap.String("database", db.Name))
	if err := db.initDuelHistory(ctx); err != nil {
		return err
	}

	db.Logger.Debug("Initialize sign_ins table", zap.String("database", db.Name))
	if err := db.initSignIns(ctx); err != nil {
		return err
	}

	return nil
}

// InTx runs fn in a READ COMMITTED transaction. Rows touched through the Tx are locked
// with SELECT ... FOR UPDATE, which is what serializes concurrent units of work.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var fnErr error
	err := db.BeginFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(pgTx pgx.Tx) error {
		fnErr = fn(ctx, &tx{tx: pgTx})
		return fnErr
	})
	// errors from fn are already classified (Tx methods wrap their own failures)
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return errs.Persistence("postgres commit", err)
	}
	return nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Client.Close()
	return nil
}
