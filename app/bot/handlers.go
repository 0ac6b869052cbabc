package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/axekz/coinyx/pkg/claim"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/duel"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultHistory = 5
	maxHistory     = 20
)

// Handle routes one inbound event. Unrecognised messages are ignored.
func (a *App) Handle(ctx context.Context, ev gateway.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			a.Logger.Error("Panic in event handler",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
				zap.String("channel", ev.Channel))
		}
	}()

	switch ev.Kind {
	case gateway.EventDeparture:
		a.handleDeparture(ctx, ev)
		return
	case gateway.EventMessage:
	default:
		return
	}

	name, args := ev.Command()
	switch name {
	case "ljpk", "duel":
		if len(args) > 0 && strings.EqualFold(args[0], "stats") {
			a.handleDuelStats(ctx, ev)
			return
		}
		a.handleDuel(ctx, ev, args)
	case "give":
		a.handleGive(ctx, ev, args)
	case "balance", "coins":
		a.handleBalance(ctx, ev)
	case "transactions":
		a.handleTransactions(ctx, ev, args)
	case "rename":
		a.handleRename(ctx, ev, args)
	case "sign", "qd":
		a.handleSignIn(ctx, ev)
	case "top":
		a.handleTop(ctx, ev)
	default:
		if ev.ReplyTo != nil {
			a.handleReply(ctx, ev)
		}
	}
}

// ensureSender creates the sender's account on first contact.
func (a *App) ensureSender(ctx context.Context, ev gateway.Event) bool {
	name := ev.SenderName
	if name == "" {
		name = ev.Sender
	}
	if _, err := a.Ledger.EnsureAccount(ctx, ev.Sender, name); err != nil {
		a.fail(ctx, ev, "Failed to ensure account", err)
		return false
	}
	return true
}

func (a *App) handleDuel(ctx context.Context, ev gateway.Event, args []string) {
	if !a.ensureSender(ctx, ev) {
		return
	}
	opponent := ""
	if len(ev.Mentions) > 0 {
		opponent = ev.Mentions[0]
	}
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	stake, err := duel.ParseStake(arg, a.Config.DefaultStake, a.Config.MuteDuration)
	if err != nil {
		a.fail(ctx, ev, "Invalid stake", err)
		return
	}
	if opponent != "" {
		if _, err := a.Ledger.EnsureAccount(ctx, opponent, opponent); err != nil {
			a.fail(ctx, ev, "Failed to ensure opponent account", err)
			return
		}
	}

	s, err := a.Duels.Create(ctx, ev.Sender, opponent, stake, ev.Channel)
	if err != nil {
		a.fail(ctx, ev, "Failed to create duel", err)
		return
	}
	ref, err := a.Gateway.Reply(ctx, ev.Ref(), ev.Sender, duelAnnouncement(s.Snapshot(), a.Config.DuelTTL, a.Config.DuelTaxRate))
	if err != nil {
		_ = a.Duels.Cancel(s.Key)
		a.Logger.Warn("Failed to announce duel", zap.String("channel", ev.Channel), zap.Error(err))
		return
	}
	if err := a.Duels.Announce(s.Key, ref); err != nil {
		a.Logger.Warn("Failed to attach duel announcement", zap.Error(err))
	}
}

func (a *App) handleDuelStats(ctx context.Context, ev gateway.Event) {
	who := ev.Sender
	if len(ev.Mentions) > 0 {
		who = ev.Mentions[0]
	}
	st, err := a.Ledger.DuelStats(ctx, who)
	if err != nil {
		a.fail(ctx, ev, "Failed to load duel stats", err)
		return
	}
	a.reply(ctx, ev, duelStatsText(st))
}

// handleReply treats a reply to a bot announcement as an accept or a claim.
func (a *App) handleReply(ctx context.Context, ev gateway.Event) {
	ref := *ev.ReplyTo
	if _, ok := a.Duels.Lookup(ref); ok {
		a.handleAccept(ctx, ev, ref)
		return
	}
	if _, ok := a.Claims.Get(ref); ok {
		a.handleClaim(ctx, ev, ref)
		return
	}
	if ev.SelfReply {
		a.reply(ctx, ev, errs.UserMessage(errs.ErrNotFound))
	}
}

func (a *App) handleAccept(ctx context.Context, ev gateway.Event, ref gateway.MessageRef) {
	if !a.ensureSender(ctx, ev) {
		return
	}
	out, err := a.Duels.Accept(ctx, ev.Sender, ref)
	if err != nil {
		a.fail(ctx, ev, "Duel accept failed", err)
		return
	}
	if out.Cancelled {
		a.reply(ctx, ev, "Duel withdrawn.")
		return
	}

	balances := map[string]int64{}
	for _, id := range []string{out.Winner, out.Loser} {
		if acct, err := a.Ledger.Account(ctx, id); err == nil {
			balances[id] = acct.Balance
		}
	}
	a.reply(ctx, ev, duelResult(out, balances))
}

func (a *App) handleClaim(ctx context.Context, ev gateway.Event, ref gateway.MessageRef) {
	p, err := a.Claims.Claim(ctx, ev.Sender, ev.SenderName, ref)
	if err != nil {
		a.fail(ctx, ev, "Claim failed", err)
		return
	}
	a.reply(ctx, ev, claimResult(p))
}

func (a *App) handleDeparture(ctx context.Context, ev gateway.Event) {
	acct, err := a.Ledger.Account(ctx, ev.Sender)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			a.Logger.Error("Failed to load departing account", zap.String("account", ev.Sender), zap.Error(err))
		}
		return
	}
	if acct.Balance <= 0 || acct.IsBank {
		return
	}

	w, err := a.Claims.Open(ctx, claim.Departure{Account: acct.ID, Channel: ev.Channel, Balance: acct.Balance})
	if err != nil {
		a.Logger.Debug("No claim window opened", zap.String("account", acct.ID), zap.Error(err))
		return
	}
	ref, err := a.Gateway.Send(ctx, ev.Channel, claimAnnouncement(acct, w.Snapshot, a.Config.ClaimTTL, a.Config.ClaimTaxRate))
	if err != nil {
		a.Logger.Warn("Failed to announce claim window", zap.String("channel", ev.Channel), zap.Error(err))
		return
	}
	if err := a.Claims.Announce(w, ref); err != nil {
		a.Logger.Warn("Failed to arm claim window", zap.Error(err))
	}
}

func (a *App) handleGive(ctx context.Context, ev gateway.Event, args []string) {
	if len(ev.Mentions) == 0 {
		a.reply(ctx, ev, "Usage: give @someone [amount]")
		return
	}
	if !a.ensureSender(ctx, ev) {
		return
	}
	amount := a.Config.DefaultGift
	if len(args) > 0 {
		n, err := strconv.ParseInt(args[len(args)-1], 10, 64)
		if err != nil {
			a.fail(ctx, ev, "Invalid amount", errs.Validation("amount %q is not a number", args[len(args)-1]))
			return
		}
		amount = n
	}
	to := ev.Mentions[0]
	if _, err := a.Ledger.EnsureAccount(ctx, to, to); err != nil {
		a.fail(ctx, ev, "Failed to ensure recipient", err)
		return
	}

	res, err := a.Ledger.Transfer(ctx, ledger.TransferRequest{
		From:    ev.Sender,
		To:      to,
		Amount:  amount,
		TaxRate: a.Config.TransferTaxRate,
		Reason:  economy.ReasonTransfer,
	})
	if err != nil {
		a.fail(ctx, ev, "Transfer failed", err)
		return
	}
	a.reply(ctx, ev, transferText(res))
}

func (a *App) handleBalance(ctx context.Context, ev gateway.Event) {
	if !a.ensureSender(ctx, ev) {
		return
	}
	acct, err := a.Ledger.Account(ctx, ev.Sender)
	if err != nil {
		a.fail(ctx, ev, "Failed to load balance", err)
		return
	}
	a.reply(ctx, ev, balanceText(acct))
}

func (a *App) handleTransactions(ctx context.Context, ev gateway.Event, args []string) {
	n := defaultHistory
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 || v > maxHistory {
			a.fail(ctx, ev, "Invalid history size", errs.Validation("n must be between 1 and %d", maxHistory))
			return
		}
		n = v
	}
	entries, err := a.Ledger.Entries(ctx, ev.Sender, n)
	if err != nil {
		a.fail(ctx, ev, "Failed to load entries", err)
		return
	}
	a.reply(ctx, ev, entriesText(entries))
}

func (a *App) handleRename(ctx context.Context, ev gateway.Event, args []string) {
	if len(args) == 0 {
		a.reply(ctx, ev, "Usage: rename <name>")
		return
	}
	if !a.ensureSender(ctx, ev) {
		return
	}
	name := strings.Join(args, " ")
	res, err := a.Ledger.Rename(ctx, ev.Sender, name, a.Config.RenamePrice)
	if err != nil {
		a.fail(ctx, ev, "Rename failed", err)
		return
	}
	if err := a.Gateway.SetDisplayName(ctx, ev.Channel, ev.Sender, name); err != nil {
		a.Logger.Warn("Failed to set display name on the platform", zap.String("account", ev.Sender), zap.Error(err))
	}
	a.reply(ctx, ev, renameText(name, res))
}

func (a *App) handleSignIn(ctx context.Context, ev gateway.Event) {
	if !a.ensureSender(ctx, ev) {
		return
	}
	res, err := a.Ledger.SignIn(ctx, ev.Sender)
	if err != nil {
		a.fail(ctx, ev, "Sign-in failed", err)
		return
	}
	a.reply(ctx, ev, signInText(res))
}

func (a *App) handleTop(ctx context.Context, ev gateway.Event) {
	board, err := a.Ledger.Leaderboard(ctx, a.Config.LeaderboardSize)
	if err != nil {
		a.fail(ctx, ev, "Failed to load leaderboard", err)
		return
	}
	a.reply(ctx, ev, leaderboardText(board))
}

func (a *App) reply(ctx context.Context, ev gateway.Event, text string) {
	if _, err := a.Gateway.Reply(ctx, ev.Ref(), ev.Sender, text); err != nil {
		a.Logger.Warn("Failed to reply", zap.String("channel", ev.Channel), zap.Error(err))
	}
}

// fail logs err at the level its kind deserves and tells the user what happened.
func (a *App) fail(ctx context.Context, ev gateway.Event, msg string, err error) {
	fields := []zap.Field{
		zap.String("channel", ev.Channel),
		zap.String("sender", ev.Sender),
		zap.String("kind", string(errs.KindOf(err))),
		zap.Error(err),
	}
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindAlreadyClaimed, errs.KindWrongOpponent:
		a.Logger.Debug(msg, fields...)
	case errs.KindValidation, errs.KindInsufficientFunds, errs.KindConflict:
		a.Logger.Info(msg, fields...)
	case errs.KindExternalService:
		a.Logger.Warn(msg, fields...)
	default:
		a.Logger.Error(msg, fields...)
	}
	a.reply(ctx, ev, errs.UserMessage(err))
}
