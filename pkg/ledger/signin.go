package ledger

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	store "github.com/axekz/coinyx/pkg/db"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SignInDonors is how many of the richest accounts a sign-in may draw from.
	SignInDonors = 3
	// MaxLeaderboard caps Leaderboard sizes.
	MaxLeaderboard = 50
)

// donorWeights favours the richest donor: 3:2:1.
var donorWeights = [SignInDonors]int{3, 2, 1}

// SignInDraw picks a donor index and the amount taken from them. donors is richest first and
// never empty.
type SignInDraw func(donors []*economy.Account) (pick int, amount int64)

// GaussianDraw weights donors 3:2:1 and draws round(N(mean, stddev)), at least 1.
func GaussianDraw(mean, stddev float64) SignInDraw {
	return func(donors []*economy.Account) (int, int64) {
		n := min(len(donors), SignInDonors)
		total := 0
		for _, w := range donorWeights[:n] {
			total += w
		}
		pick, roll := 0, rand.IntN(total)
		for i, w := range donorWeights[:n] {
			if roll < w {
				pick = i
				break
			}
			roll -= w
		}
		amount := int64(math.Round(rand.NormFloat64()*stddev + mean))
		return pick, max(amount, 1)
	}
}

// SignInResult describes a committed sign-in.
type SignInResult struct {
	TransferID   uuid.UUID `json:"transfer_id"`
	Account      string    `json:"account"`
	Donor        string    `json:"donor"`
	DonorName    string    `json:"donor_name"`
	Amount       int64     `json:"amount"`
	Balance      int64     `json:"balance"`
	DonorBalance int64     `json:"donor_balance"`
	Day          string    `json:"day"`
}

// SignIn moves a drawn amount from one of the richest accounts to id, once per local calendar
// day. The amount never exceeds the donor's balance. A second sign-in on the same day fails with
// errs.ErrConflict and nobody rich enough fails with errs.ErrValidation.
func (l *Ledger) SignIn(ctx context.Context, id string) (SignInResult, error) {
	if id == "" {
		return SignInResult{}, errs.Validation("account id is required")
	}
	if id == l.opts.BankID {
		return SignInResult{}, errs.Validation("the bank does not sign in")
	}

	// donors are only known inside the unit of work
	unlock := l.locks.lockAll()
	defer unlock()

	now := l.opts.Now()
	res := SignInResult{TransferID: uuid.New(), Account: id, Day: now.Format(time.DateOnly)}

	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		signer, ok := accounts[id]
		if !ok {
			return store.AccountNotFound(id)
		}

		donors, err := tx.RichestAccounts(ctx, l.opts.SignInMinDonor, id, SignInDonors)
		if err != nil {
			return err
		}
		if len(donors) == 0 {
			return errs.Validation("nobody has %d coins to spare today", l.opts.SignInMinDonor)
		}

		pick, amount := l.opts.SignInDraw(donors)
		if pick < 0 || pick >= len(donors) {
			pick = 0
		}
		donor := donors[pick]
		amount = max(1, min(amount, donor.Balance))
		res.Donor, res.DonorName, res.Amount = donor.ID, donor.DisplayName, amount

		created, err := tx.InsertSignIn(ctx, economy.SignIn{
			AccountID:  id,
			Day:        res.Day,
			DonorID:    donor.ID,
			Amount:     amount,
			TransferID: res.TransferID,
			CreatedAt:  now.UTC(),
		})
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: %s already signed in on %s", errs.ErrConflict, id, res.Day)
		}

		res.Balance = signer.Balance + amount
		res.DonorBalance = donor.Balance - amount
		if err := tx.SetBalance(ctx, donor.ID, res.DonorBalance); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, id, res.Balance); err != nil {
			return err
		}
		return tx.AppendEntries(ctx, []economy.LedgerEntry{
			{TransferID: res.TransferID, AccountID: donor.ID, Amount: -amount, Reason: economy.ReasonSignIn, Description: "sign-in by " + id, CreatedAt: now.UTC()},
			{TransferID: res.TransferID, AccountID: id, Amount: amount, Reason: economy.ReasonSignIn, Description: "sign-in from " + donor.ID, CreatedAt: now.UTC()},
		})
	})
	if err != nil {
		l.logFailure("Sign-in failed", err, zap.String("account", id))
		return SignInResult{}, err
	}

	l.logger.Info("Signed in",
		zap.String("account", id),
		zap.String("donor", res.Donor),
		zap.Int64("amount", res.Amount),
		zap.String("day", res.Day))
	l.events.Emit(ctx, events.TransferCompleted, events.Transfer{
		TransferID: res.TransferID.String(),
		From:       res.Donor,
		To:         id,
		Amount:     res.Amount,
		Net:        res.Amount,
		Reason:     string(economy.ReasonSignIn),
	})
	return res, nil
}

// Leaderboard is a ranking of the richest accounts.
type Leaderboard struct {
	Accounts []*economy.Account `json:"accounts"`
	// Total is the coin supply, every balance including the bank.
	Total int64 `json:"total"`
}

// Share returns the percentage of the supply held by balance.
func (b Leaderboard) Share(balance int64) float64 {
	if b.Total <= 0 {
		return 0
	}
	return float64(balance) / float64(b.Total) * 100
}

// Leaderboard returns the limit richest accounts, clamped to [1, MaxLeaderboard].
func (l *Ledger) Leaderboard(ctx context.Context, limit int) (Leaderboard, error) {
	accounts, err := l.store.TopAccounts(ctx, max(1, min(limit, MaxLeaderboard)))
	if err != nil {
		return Leaderboard{}, err
	}
	total, err := l.store.TotalCoins(ctx)
	if err != nil {
		return Leaderboard{}, err
	}
	return Leaderboard{Accounts: accounts, Total: total}, nil
}
