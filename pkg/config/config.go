// Package config loads the static economy configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read once at process start and never reloaded.
type Config struct {
	// Ephemeral tables
	DuelTTL   time.Duration `env:"DUEL_TTL" envDefault:"120s"`
	ClaimTTL  time.Duration `env:"CLAIM_TTL" envDefault:"60s"`
	SweepSpec string        `env:"SWEEP_SPEC" envDefault:"@every 5s"`

	// Taxes
	TransferTaxRate float64 `env:"TRANSFER_TAX_RATE" envDefault:"0.01"`
	DuelTaxRate     float64 `env:"DUEL_TAX_RATE" envDefault:"0.05"`
	ClaimTaxRate    float64 `env:"CLAIM_TAX_RATE" envDefault:"0.30"`
	DailyTaxDivisor int64   `env:"DAILY_TAX_DIVISOR" envDefault:"1000"`
	DailyTaxSpec    string  `env:"DAILY_TAX_SPEC" envDefault:"0 0 1 * * *"`

	// Duel stakes
	MinStake     int64         `env:"DUEL_MIN_STAKE" envDefault:"1"`
	MaxStake     int64         `env:"DUEL_MAX_STAKE" envDefault:"100000"`
	DefaultStake int64         `env:"DUEL_DEFAULT_STAKE" envDefault:"20"`
	MuteDuration time.Duration `env:"DUEL_MUTE" envDefault:"10m"`
	AllowKick    bool          `env:"DUEL_ALLOW_KICK" envDefault:"false"`

	// Purchases and gifts
	DefaultGift int64 `env:"DEFAULT_GIVE" envDefault:"20"`
	RenamePrice int64 `env:"RENAME_PRICE" envDefault:"20"`

	// Daily sign-in and leaderboard
	SignInMean      float64 `env:"SIGN_IN_MEAN" envDefault:"20"`
	SignInStdDev    float64 `env:"SIGN_IN_STDDEV" envDefault:"5"`
	SignInMinDonor  int64   `env:"SIGN_IN_MIN_DONOR" envDefault:"100"`
	LeaderboardSize int     `env:"LEADERBOARD_SIZE" envDefault:"10"`

	// Bank
	BankAccountID   string `env:"BANK_ACCOUNT_ID" envDefault:"bank"`
	BankDisplayName string `env:"BANK_DISPLAY_NAME" envDefault:"Central Bank"`

	// Storage
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"coinyx.db"`
	Database    string `env:"POSTGRES_DB" envDefault:"coinyx"`

	// Stats service
	StatsEndpoints []string      `env:"STATS_ENDPOINTS" envDefault:"http://127.0.0.1:8000"`
	StatsMode      string        `env:"STATS_MODE" envDefault:"kzt"`
	StatsTimeout   time.Duration `env:"STATS_TIMEOUT" envDefault:"10s"`

	// Gateway
	OneBotURL   string `env:"ONEBOT_URL" envDefault:"ws://127.0.0.1:6700"`
	OneBotToken string `env:"ONEBOT_TOKEN"`

	// Event sink
	EventsSink   string   `env:"EVENTS_SINK" envDefault:"none"`
	EventsTopic  string   `env:"EVENTS_TOPIC" envDefault:"coinyx.economy"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`

	// Runtime
	Workers        int           `env:"WORKERS" envDefault:"0"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	Addr           string        `env:"ADDR" envDefault:":3003"`

	// Admin API. Adjustments are disabled when both are empty.
	AdminToken string `env:"ADMIN_TOKEN"`
	JWTSecret  string `env:"JWT_SECRET"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the economy cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, rate := range map[string]float64{
		"TRANSFER_TAX_RATE": c.TransferTaxRate,
		"DUEL_TAX_RATE":     c.DuelTaxRate,
		"CLAIM_TAX_RATE":    c.ClaimTaxRate,
	} {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, rate))
		}
	}
	if c.DuelTTL <= 0 {
		errs = append(errs, errors.New("DUEL_TTL must be positive"))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, errors.New("CLAIM_TTL must be positive"))
	}
	if c.DailyTaxDivisor <= 0 {
		errs = append(errs, errors.New("DAILY_TAX_DIVISOR must be positive"))
	}
	if c.MinStake < 1 || c.MaxStake < c.MinStake {
		errs = append(errs, fmt.Errorf("stake bounds [%d, %d] are invalid", c.MinStake, c.MaxStake))
	}
	if c.DefaultStake < c.MinStake || c.DefaultStake > c.MaxStake {
		errs = append(errs, fmt.Errorf("DUEL_DEFAULT_STAKE %d is outside [%d, %d]", c.DefaultStake, c.MinStake, c.MaxStake))
	}
	if c.SignInMean < 1 || c.SignInStdDev < 0 {
		errs = append(errs, fmt.Errorf("sign-in draw N(%v, %v) is invalid", c.SignInMean, c.SignInStdDev))
	}
	if c.SignInMinDonor < 1 {
		errs = append(errs, errors.New("SIGN_IN_MIN_DONOR must be positive"))
	}
	if c.LeaderboardSize < 1 || c.LeaderboardSize > 50 {
		errs = append(errs, fmt.Errorf("LEADERBOARD_SIZE %d is outside [1, 50]", c.LeaderboardSize))
	}
	if c.BankAccountID == "" {
		errs = append(errs, errors.New("BANK_ACCOUNT_ID is required"))
	}
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver))
	}
	switch c.EventsSink {
	case "none", "redis", "kafka":
	default:
		errs = append(errs, fmt.Errorf("EVENTS_SINK %q is not supported", c.EventsSink))
	}
	return errors.Join(errs...)
}
