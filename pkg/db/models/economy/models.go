package economy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	AccountsTableName      = "accounts"
	LedgerEntriesTableName = "ledger_entries"
	DuelHistoryTableName   = "duel_history"
)

// Reason is the reason code stored on every ledger entry.
type Reason string

const (
	ReasonBetPlaced   Reason = "bet_placed"
	ReasonBetReward   Reason = "bet_reward"
	ReasonBetRefund   Reason = "bet_refund"
	ReasonTax         Reason = "tax"
	ReasonSignIn      Reason = "sign_in"
	ReasonDuel        Reason = "duel"
	ReasonPurchase    Reason = "purchase"
	ReasonTransfer    Reason = "transfer"
	ReasonAdminAdjust Reason = "admin_adjust"
)

var reasons = map[Reason]struct{}{
	ReasonBetPlaced: {}, ReasonBetReward: {}, ReasonBetRefund: {}, ReasonTax: {}, ReasonSignIn: {},
	ReasonDuel: {}, ReasonPurchase: {}, ReasonTransfer: {}, ReasonAdminAdjust: {},
}

// Valid reports whether r is one of the known reason codes.
func (r Reason) Valid() bool {
	_, ok := reasons[r]
	return ok
}

// ParseReason converts a stored reason code back to a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown reason code %q", s)
	}
	return r, nil
}

// Account is a coin holder. Balance is never negative.
type Account struct {
	ID          string    `json:"id"`
	Balance     int64     `json:"balance"`
	DisplayName string    `json:"display_name"`
	IsBank      bool      `json:"is_bank"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerEntry is one signed balance change. Entries are append-only.
type LedgerEntry struct {
	ID          int64     `json:"id"`
	TransferID  uuid.UUID `json:"transfer_id"` // groups the entries of one unit of work
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount"`
	Reason      Reason    `json:"reason"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// SignIn records one daily sign-in. Day is the local calendar date, YYYY-MM-DD; an account
// signs in at most once per Day.
type SignIn struct {
	AccountID  string    `json:"account_id"`
	Day        string    `json:"day"`
	DonorID    string    `json:"donor_id"`
	Amount     int64     `json:"amount"`
	TransferID uuid.UUID `json:"transfer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// StakeKind is the persisted form of a duel stake variant.
type StakeKind string

const (
	StakeCoins StakeKind = "coins"
	StakeKick  StakeKind = "kick"
	StakeMute  StakeKind = "mute"
)

// DuelHistory records one resolved duel.
type DuelHistory struct {
	ID        int64     `json:"id"`
	Player1   string    `json:"player1"`
	Player2   string    `json:"player2"`
	Metric1   float64   `json:"metric1"`
	Metric2   float64   `json:"metric2"`
	Stake     int64     `json:"stake"`
	StakeKind StakeKind `json:"stake_kind"`
	Mode      string    `json:"mode"`
	WinnerID  string    `json:"winner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DuelStats aggregates the duel history of one account.
type DuelStats struct {
	AccountID  string  `json:"account_id"`
	Matches    int64   `json:"matches"`
	Wins       int64   `json:"wins"`
	NetCoins   int64   `json:"net_coins"`
	AvgMetric  float64 `json:"avg_metric"`
	WinRatePct float64 `json:"win_rate_pct"`
}

// Finalize derives WinRatePct from Matches and Wins and rounds the averages for display.
func (s *DuelStats) Finalize() {
	if s.Matches == 0 {
		s.WinRatePct, s.AvgMetric = 0, 0
		return
	}
	s.WinRatePct = math.Round(float64(s.Wins)/float64(s.Matches)*10000) / 100
	s.AvgMetric = math.Round(s.AvgMetric*10000) / 10000
}

// Sum adds up the signed amounts of entries.
func Sum(entries []LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
