package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/axekz/coinyx/pkg/claim"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/duel"
	"github.com/axekz/coinyx/pkg/ledger"
)

func duelAnnouncement(s duel.Snapshot, ttl time.Duration, taxRate float64) string {
	var b strings.Builder
	if s.Opponent != "" {
		fmt.Fprintf(&b, "%s challenges %s to a long jump duel!\n", s.Initiator, s.Opponent)
	} else {
		fmt.Fprintf(&b, "%s opens a long jump duel, anyone may accept!\n", s.Initiator)
	}
	fmt.Fprintf(&b, "Stake: %s", s.Stake)
	if duel.CoinAmount(s.Stake) > 0 {
		fmt.Fprintf(&b, " (%.0f%% tax to the bank)", taxRate*100)
	}
	fmt.Fprintf(&b, "\nReply to this message within %s to accept. The challenger may reply to withdraw.", ttl)
	return b.String()
}

func duelResult(out duel.Outcome, balances map[string]int64) string {
	var b strings.Builder
	s := out.Session
	fmt.Fprintf(&b, "%-12s %10s %8s %8s %7s %6s\n", "player", "distance", "max", "pre", "strafes", "sync")
	for i, id := range []string{s.Initiator, s.Opponent} {
		smp := out.Samples[i]
		fmt.Fprintf(&b, "%-12s %10.4f %8.2f %8.2f %7d %5.1f%%\n", id, smp.Metric, smp.MaxSpeed, smp.PreSpeed, smp.Strafes, smp.Sync)
	}
	switch {
	case out.TieBroken:
		b.WriteString("Tied twice, decided by id.\n")
	case out.Resampled:
		b.WriteString("First round tied, jumped again.\n")
	}
	fmt.Fprintf(&b, "Winner: %s\n", out.Winner)

	if out.Transfer != nil {
		fmt.Fprintf(&b, "%s pays %d, %s receives %d, tax %d.\n", out.Loser, out.Transfer.Amount, out.Winner, out.Transfer.Net, out.Transfer.Tax)
	} else if out.PenaltyErr != nil {
		fmt.Fprintf(&b, "Could not apply the penalty to %s.\n", out.Loser)
	} else {
		fmt.Fprintf(&b, "%s: %s.\n", out.Loser, s.Stake)
	}
	for _, id := range []string{out.Winner, out.Loser} {
		if bal, ok := balances[id]; ok {
			fmt.Fprintf(&b, "%s balance: %d\n", id, bal)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func duelStatsText(st economy.DuelStats) string {
	if st.Matches == 0 {
		return fmt.Sprintf("%s has no duels yet.", st.AccountID)
	}
	return fmt.Sprintf("%s: %d duels, %d wins (%.2f%%), net %+d coins, average distance %.4f",
		st.AccountID, st.Matches, st.Wins, st.WinRatePct, st.NetCoins, st.AvgMetric)
}

func claimAnnouncement(acct *economy.Account, snapshot int64, ttl time.Duration, taxRate float64) string {
	name := acct.DisplayName
	if name == "" {
		name = acct.ID
	}
	return fmt.Sprintf("%s left with %d coins. The first to reply to this message within %s takes them (%.0f%% tax). Unclaimed coins go to the bank.",
		name, snapshot, ttl, taxRate*100)
}

func claimResult(p claim.Payout) string {
	if p.Paid == 0 {
		return fmt.Sprintf("%s's purse was already empty.", p.Departing)
	}
	return fmt.Sprintf("%s claimed %d coins from %s: %d received, %d tax.", p.Recipient, p.Paid, p.Departing, p.Net, p.Tax)
}

func transferText(res ledger.TransferResult) string {
	return fmt.Sprintf("Sent %d to %s: %d received, %d tax. Your balance: %d", res.Amount, res.To, res.Net, res.Tax, res.FromBalance)
}

func balanceText(acct *economy.Account) string {
	return fmt.Sprintf("Balance: %d coins", acct.Balance)
}

func entriesText(entries []economy.LedgerEntry) string {
	if len(entries) == 0 {
		return "No transactions yet."
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %+d %s", e.CreatedAt.Format("01-02 15:04"), e.Amount, e.Reason)
		if e.Description != "" {
			fmt.Fprintf(&b, " (%s)", e.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renameText(name string, res ledger.TransferResult) string {
	if res.Amount == 0 {
		return fmt.Sprintf("You are now %s.", name)
	}
	return fmt.Sprintf("You are now %s. Paid %d, balance %d.", name, res.Amount, res.FromBalance)
}

func signInText(res ledger.SignInResult) string {
	donor := res.DonorName
	if donor == "" {
		donor = res.Donor
	}
	return fmt.Sprintf("Signed in, took %d coins from %s. Your balance: %d, %s has %d left.",
		res.Amount, donor, res.Balance, donor, res.DonorBalance)
}

func leaderboardText(board ledger.Leaderboard) string {
	if len(board.Accounts) == 0 {
		return "Nobody has any coins yet."
	}
	var (
		b   strings.Builder
		top int64
	)
	fmt.Fprintf(&b, "Coin leaderboard (supply %d)\n", board.Total)
	for i, acct := range board.Accounts {
		name := acct.DisplayName
		if name == "" {
			name = acct.ID
		}
		fmt.Fprintf(&b, "%d. %s (%s) %d (%.2f%%)\n", i+1, name, acct.ID, acct.Balance, board.Share(acct.Balance))
		top += acct.Balance
	}
	fmt.Fprintf(&b, "These %d hold %.2f%% of all coins.", len(board.Accounts), board.Share(top))
	return b.String()
}
