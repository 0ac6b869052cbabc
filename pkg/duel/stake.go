package duel

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
)

// Stake is what the loser of a duel forfeits: Coins, Kick or Mute.
type Stake interface {
	Kind() economy.StakeKind
	String() string
	stake()
}

// Coins is a monetary stake paid through the ledger.
type Coins int64

// Kick removes the loser from the channel.
type Kick struct{}

// Mute silences the loser for Duration.
type Mute struct {
	Duration time.Duration
}

func (Coins) Kind() economy.StakeKind { return economy.StakeCoins }
func (Kick) Kind() economy.StakeKind  { return economy.StakeKick }
func (Mute) Kind() economy.StakeKind  { return economy.StakeMute }

func (c Coins) String() string { return strconv.FormatInt(int64(c), 10) + " coins" }
func (Kick) String() string    { return "loser is kicked" }
func (m Mute) String() string  { return fmt.Sprintf("loser is muted for %s", m.Duration) }

func (Coins) stake() {}
func (Kick) stake()  {}
func (Mute) stake()  {}

// CoinAmount returns the monetary part of s; zero for moderation stakes.
func CoinAmount(s Stake) int64 {
	if c, ok := s.(Coins); ok {
		return int64(c)
	}
	return 0
}

// ParseStake reads a command argument: empty for the default coin stake, "kick", "mute", or a
// positive integer.
func ParseStake(arg string, defaultCoins int64, mute time.Duration) (Stake, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "":
		return Coins(defaultCoins), nil
	case "kick":
		return Kick{}, nil
	case "mute":
		return Mute{Duration: mute}, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return nil, errs.Validation("stake %q is not a number, kick or mute", arg)
	}
	if n < 1 {
		return nil, errs.Validation("stake must be at least 1, got %d", n)
	}
	return Coins(n), nil
}
