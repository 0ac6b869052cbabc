package bot

import (
	"context"
	"fmt"

	"github.com/axekz/coinyx/pkg/config"
	"github.com/axekz/coinyx/pkg/db"
	pgeconomy "github.com/axekz/coinyx/pkg/db/postgres/economy"
	sqliteeconomy "github.com/axekz/coinyx/pkg/db/sqlite/economy"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/events/kafka"
	"github.com/axekz/coinyx/pkg/redis"
	"go.uber.org/zap"
)

// OpenStore opens the ledger store selected by STORE_DRIVER.
func OpenStore(ctx context.Context, logger *zap.Logger, cfg config.Config) (db.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return sqliteeconomy.Open(ctx, logger, cfg.SQLitePath)
	case "postgres":
		return pgeconomy.New(ctx, logger, cfg.Database)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// OpenPublisher opens the event sink selected by EVENTS_SINK. "none" yields a nil publisher.
func OpenPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (events.Publisher, error) {
	switch cfg.EventsSink {
	case "none", "":
		return nil, nil
	case "redis":
		return redis.NewClient(ctx, logger, cfg.EventsTopic)
	case "kafka":
		return kafka.NewPublisher(logger, cfg.KafkaBrokers, cfg.EventsTopic)
	}
	return nil, fmt.Errorf("unsupported events sink %q", cfg.EventsSink)
}
