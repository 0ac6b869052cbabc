// Package ledger owns every balance mutation. Each operation is one unit of work in the store:
// balances and the entries explaining them commit together or not at all.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/axekz/coinyx/pkg/config"
	store "github.com/axekz/coinyx/pkg/db"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/events"
	"github.com/axekz/coinyx/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxEntriesLimit caps Entries page sizes.
	MaxEntriesLimit = 100
	// MaxDisplayNameLen is counted in runes.
	MaxDisplayNameLen = 32
)

// Options configures a Ledger.
type Options struct {
	BankID          string
	BankName        string
	DailyTaxDivisor int64
	// SignInMinDonor is the balance an account needs before sign-ins draw from it.
	SignInMinDonor int64
	SignInDraw     SignInDraw
	Now            func() time.Time
}

// OptionsFromConfig maps the process configuration onto ledger options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BankID:          cfg.BankAccountID,
		BankName:        cfg.BankDisplayName,
		DailyTaxDivisor: cfg.DailyTaxDivisor,
		SignInMinDonor:  cfg.SignInMinDonor,
		SignInDraw:      GaussianDraw(cfg.SignInMean, cfg.SignInStdDev),
	}
}

// Ledger applies taxed transfers, single-sided adjustments and the daily tax.
type Ledger struct {
	logger *zap.Logger
	store  store.Store
	opts   Options
	locks  *accountLocks
	events *events.Emitter
}

// New creates a Ledger over s. emitter may be nil.
func New(logger *zap.Logger, s store.Store, opts Options, emitter *events.Emitter) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BankID == "" {
		opts.BankID = "bank"
	}
	if opts.DailyTaxDivisor <= 0 {
		opts.DailyTaxDivisor = 1000
	}
	if opts.SignInMinDonor <= 0 {
		opts.SignInMinDonor = 100
	}
	if opts.SignInDraw == nil {
		opts.SignInDraw = GaussianDraw(20, 5)
	}
	return &Ledger{
		logger: logger.With(zap.String("component", "ledger")),
		store:  s,
		opts:   opts,
		locks:  newAccountLocks(),
		events: emitter,
	}
}

// BankID is the id of the bank account.
func (l *Ledger) BankID() string { return l.opts.BankID }

// TransferRequest moves Amount from From to To; To receives Amount minus ceil(Amount*TaxRate)
// and the bank receives the tax. With UpTo set, Amount is a cap: the transfer moves
// min(Amount, balance of From) as read under the account lock, and nothing when that is zero.
type TransferRequest struct {
	From        string
	To          string
	Amount      int64
	UpTo        bool
	TaxRate     float64
	Reason      economy.Reason
	Description string
}

func (r TransferRequest) validate() error {
	switch {
	case r.From == "" || r.To == "":
		return errs.Validation("transfer needs both accounts")
	case r.From == r.To:
		return errs.Validation("cannot transfer from %s to itself", r.From)
	case r.Amount <= 0:
		return errs.Validation("transfer amount must be positive, got %d", r.Amount)
	case r.TaxRate < 0 || r.TaxRate > 1:
		return errs.Validation("tax rate %v outside [0, 1]", r.TaxRate)
	case !r.Reason.Valid():
		return errs.Validation("unknown reason %q", r.Reason)
	}
	return nil
}

// TransferResult describes a committed transfer.
type TransferResult struct {
	TransferID  uuid.UUID             `json:"transfer_id"`
	From        string                `json:"from"`
	To          string                `json:"to"`
	Amount      int64                 `json:"amount"`
	Net         int64                 `json:"net"`
	Tax         int64                 `json:"tax"`
	FromBalance int64                 `json:"from_balance"`
	ToBalance   int64                 `json:"to_balance"`
	Entries     []economy.LedgerEntry `json:"entries"`
}

// leg is one signed balance change inside a unit of work.
type leg struct {
	account     string
	amount      int64
	description string
}

// Transfer debits From by Amount, credits To by the net and the bank by the tax. Entries are
// {-amount, +net, +tax}; a zero tax leg is omitted.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := req.validate(); err != nil {
		return TransferResult{}, err
	}
	return l.transfer(ctx, req, nil)
}

func (l *Ledger) transfer(ctx context.Context, req TransferRequest, then func(ctx context.Context, tx store.Tx) error) (TransferResult, error) {
	res := TransferResult{From: req.From, To: req.To}

	legsFor := func(accounts map[string]*economy.Account) []leg {
		amount := req.Amount
		if req.UpTo {
			if from, ok := accounts[req.From]; ok {
				amount = min(amount, from.Balance)
			}
			if amount <= 0 {
				res.Amount, res.Net, res.Tax = 0, 0, 0
				return nil
			}
		}
		tax := Tax(amount, req.TaxRate)
		res.Amount, res.Net, res.Tax = amount, amount-tax, tax

		legs := []leg{
			{account: req.From, amount: -amount, description: req.Description},
			{account: req.To, amount: res.Net, description: req.Description},
		}
		if tax > 0 {
			legs = append(legs, leg{account: l.opts.BankID, amount: tax, description: fmt.Sprintf("tax on %s from %s", req.Reason, req.From)})
		}
		return legs
	}

	ids := []string{req.From, req.To}
	if req.TaxRate > 0 {
		ids = append(ids, l.opts.BankID)
	}
	posted, err := l.post(ctx, req.Reason, ids, legsFor, then)
	if err != nil {
		l.logFailure("Transfer failed", err,
			zap.String("from", req.From), zap.String("to", req.To), zap.Int64("amount", req.Amount))
		return TransferResult{}, err
	}

	res.FromBalance = posted.balances[req.From]
	res.ToBalance = posted.balances[req.To]
	if len(posted.entries) == 0 {
		l.logger.Debug("Capped transfer found nothing to move", zap.String("from", req.From), zap.String("to", req.To))
		return res, nil
	}
	res.TransferID = posted.transferID
	res.Entries = posted.entries

	l.logger.Debug("Transfer committed",
		zap.String("transfer_id", res.TransferID.String()),
		zap.String("from", res.From),
		zap.String("to", res.To),
		zap.Int64("amount", res.Amount),
		zap.Int64("tax", res.Tax),
		zap.String("reason", string(req.Reason)))

	l.events.Emit(ctx, events.TransferCompleted, events.Transfer{
		TransferID:  res.TransferID.String(),
		From:        res.From,
		To:          res.To,
		Amount:      res.Amount,
		Net:         res.Net,
		Tax:         res.Tax,
		Reason:      string(req.Reason),
		Description: req.Description,
	})
	return res, nil
}

// Adjustment is the result of Credit or Debit.
type Adjustment struct {
	TransferID uuid.UUID           `json:"transfer_id"`
	Account    string              `json:"account"`
	Amount     int64               `json:"amount"`
	Balance    int64               `json:"balance"`
	Entry      economy.LedgerEntry `json:"entry"`
}

// Credit adds amount to account with a single entry (sign-in rewards, admin grants).
func (l *Ledger) Credit(ctx context.Context, account string, amount int64, reason economy.Reason, description string) (Adjustment, error) {
	if amount <= 0 {
		return Adjustment{}, errs.Validation("credit amount must be positive, got %d", amount)
	}
	return l.adjust(ctx, account, amount, reason, description)
}

// Debit removes amount from account with a single entry. The balance never goes below zero.
func (l *Ledger) Debit(ctx context.Context, account string, amount int64, reason economy.Reason, description string) (Adjustment, error) {
	if amount <= 0 {
		return Adjustment{}, errs.Validation("debit amount must be positive, got %d", amount)
	}
	return l.adjust(ctx, account, -amount, reason, description)
}

func (l *Ledger) adjust(ctx context.Context, account string, amount int64, reason economy.Reason, description string) (Adjustment, error) {
	if account == "" {
		return Adjustment{}, errs.Validation("account is required")
	}
	if !reason.Valid() {
		return Adjustment{}, errs.Validation("unknown reason %q", reason)
	}

	legs := []leg{{account: account, amount: amount, description: description}}
	posted, err := l.post(ctx, reason, []string{account}, func(map[string]*economy.Account) []leg { return legs }, nil)
	if err != nil {
		l.logFailure("Adjustment failed", err, zap.String("account", account), zap.Int64("amount", amount))
		return Adjustment{}, err
	}

	adj := Adjustment{
		TransferID: posted.transferID,
		Account:    account,
		Amount:     amount,
		Balance:    posted.balances[account],
		Entry:      posted.entries[0],
	}
	payload := events.Transfer{TransferID: adj.TransferID.String(), Amount: abs(amount), Net: abs(amount), Reason: string(reason), Description: description}
	if amount > 0 {
		payload.To = account
	} else {
		payload.From = account
	}
	l.events.Emit(ctx, events.TransferCompleted, payload)
	return adj, nil
}

type posting struct {
	transferID uuid.UUID
	balances   map[string]int64
	entries    []economy.LedgerEntry
}

// post locks ids, builds the legs from the locked rows and applies them in one unit of work.
// Every account a leg touches must exist and stay non-negative. No legs means no writes.
// then runs inside the same unit of work after the balances are written.
func (l *Ledger) post(ctx context.Context, reason economy.Reason, ids []string, legsFor func(accounts map[string]*economy.Account) []leg, then func(ctx context.Context, tx store.Tx) error) (posting, error) {
	unlock := l.locks.lock(ids...)
	defer unlock()

	out := posting{transferID: uuid.New(), balances: map[string]int64{}}
	now := l.opts.Now().UTC()

	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, ids...)
		if err != nil {
			return err
		}
		for id, a := range accounts {
			out.balances[id] = a.Balance
		}

		legs := legsFor(accounts)
		if len(legs) == 0 {
			return nil
		}

		deltas := map[string]int64{}
		for _, lg := range legs {
			if _, ok := accounts[lg.account]; !ok {
				return store.AccountNotFound(lg.account)
			}
			deltas[lg.account] += lg.amount
		}

		touched := make([]string, 0, len(deltas))
		for id := range deltas {
			touched = append(touched, id)
		}
		sort.Strings(touched)

		for _, id := range touched {
			a := accounts[id]
			next := a.Balance + deltas[id]
			if next < 0 {
				return errs.InsufficientFunds(id, a.Balance, -deltas[id])
			}
			if deltas[id] != 0 {
				if err := tx.SetBalance(ctx, id, next); err != nil {
					return err
				}
			}
			out.balances[id] = next
		}

		entries := make([]economy.LedgerEntry, 0, len(legs))
		for _, lg := range legs {
			if lg.amount == 0 {
				continue
			}
			entries = append(entries, economy.LedgerEntry{
				TransferID:  out.transferID,
				AccountID:   lg.account,
				Amount:      lg.amount,
				Reason:      reason,
				Description: lg.description,
				CreatedAt:   now,
			})
		}
		if err := tx.AppendEntries(ctx, entries); err != nil {
			return err
		}
		out.entries = entries

		if then != nil {
			return then(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return posting{}, err
	}
	return out, nil
}

// TaxRun summarizes one daily tax pass.
type TaxRun struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Accounts   int       `json:"accounts"`
	Total      int64     `json:"total"`
	At         time.Time `json:"at"`
}

// DailyTax charges every non-bank account with a positive balance ceil(balance/divisor) and
// credits the bank once per taxed account, all in one unit of work.
func (l *Ledger) DailyTax(ctx context.Context, now time.Time) (TaxRun, error) {
	unlock := l.locks.lockAll()
	defer unlock()

	run := TaxRun{TransferID: uuid.New(), At: now.UTC()}
	bankID := l.opts.BankID

	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bank, err := tx.LockAccounts(ctx, bankID)
		if err != nil {
			return err
		}
		if _, ok := bank[bankID]; !ok {
			return store.AccountNotFound(bankID)
		}

		accounts, err := tx.TaxableAccounts(ctx, 1)
		if err != nil {
			return err
		}

		entries := make([]economy.LedgerEntry, 0, 2*len(accounts))
		for _, a := range accounts {
			tax := DailyTaxFor(a.Balance, l.opts.DailyTaxDivisor)
			if tax == 0 {
				continue
			}
			if err := tx.SetBalance(ctx, a.ID, a.Balance-tax); err != nil {
				return err
			}
			entries = append(entries,
				economy.LedgerEntry{TransferID: run.TransferID, AccountID: a.ID, Amount: -tax, Reason: economy.ReasonTax, Description: "daily tax", CreatedAt: run.At},
				economy.LedgerEntry{TransferID: run.TransferID, AccountID: bankID, Amount: tax, Reason: economy.ReasonTax, Description: "daily tax from " + a.ID, CreatedAt: run.At},
			)
			run.Accounts++
			run.Total += tax
		}
		if run.Total == 0 {
			return nil
		}

		if err := tx.SetBalance(ctx, bankID, bank[bankID].Balance+run.Total); err != nil {
			return err
		}
		return tx.AppendEntries(ctx, entries)
	})
	if err != nil {
		l.logFailure("Daily tax failed", err)
		return TaxRun{}, err
	}

	l.logger.Info("Daily tax collected",
		zap.String("transfer_id", run.TransferID.String()),
		zap.Int("accounts", run.Accounts),
		zap.Int64("total", run.Total))
	if run.Total > 0 {
		l.events.Emit(ctx, events.TaxCollected, events.Tax{
			TransferID: run.TransferID.String(),
			Accounts:   run.Accounts,
			Total:      run.Total,
		})
	}
	return run, nil
}

// EnsureAccount creates id with a zero balance if it does not exist and returns it.
func (l *Ledger) EnsureAccount(ctx context.Context, id, displayName string) (*economy.Account, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Validation("account id is required")
	}
	return l.ensure(ctx, economy.Account{ID: id, DisplayName: displayName})
}

// EnsureBank creates the bank account on first start. An existing non-bank account with the
// bank id is a configuration error.
func (l *Ledger) EnsureBank(ctx context.Context) (*economy.Account, error) {
	bank, err := l.ensure(ctx, economy.Account{ID: l.opts.BankID, DisplayName: l.opts.BankName, IsBank: true})
	if err != nil {
		return nil, err
	}
	if !bank.IsBank {
		return nil, fmt.Errorf("%w: account %s exists but is not the bank", errs.ErrConflict, bank.ID)
	}
	return bank, nil
}

func (l *Ledger) ensure(ctx context.Context, a economy.Account) (*economy.Account, error) {
	unlock := l.locks.lock(a.ID)
	defer unlock()

	a.CreatedAt = l.opts.Now().UTC()
	var out *economy.Account
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err := tx.InsertAccount(ctx, a)
		if err != nil {
			return err
		}
		accounts, err := tx.LockAccounts(ctx, a.ID)
		if err != nil {
			return err
		}
		out = accounts[a.ID]
		if out == nil {
			return store.AccountNotFound(a.ID)
		}
		if created {
			l.logger.Info("Account created", zap.String("account", a.ID), zap.Bool("bank", a.IsBank))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Account returns the current state of id.
func (l *Ledger) Account(ctx context.Context, id string) (*economy.Account, error) {
	return l.store.Account(ctx, id)
}

// Entries returns up to limit of the newest entries of id; limit is clamped to [1, MaxEntriesLimit].
func (l *Ledger) Entries(ctx context.Context, id string, limit int) ([]economy.LedgerEntry, error) {
	return l.store.Entries(ctx, id, utils.Clamp(limit, 1, MaxEntriesLimit))
}

// Rename charges price to id as a PURCHASE paid to the bank and sets the display name in the
// same unit of work. A zero price only renames.
func (l *Ledger) Rename(ctx context.Context, id, name string, price int64) (TransferResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TransferResult{}, errs.Validation("display name is required")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return TransferResult{}, errs.Validation("display name longer than %d characters", MaxDisplayNameLen)
	}
	if price < 0 {
		return TransferResult{}, errs.Validation("price must not be negative")
	}

	setName := func(ctx context.Context, tx store.Tx) error {
		return tx.SetDisplayName(ctx, id, name)
	}

	if price == 0 {
		unlock := l.locks.lock(id)
		defer unlock()
		err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			accounts, err := tx.LockAccounts(ctx, id)
			if err != nil {
				return err
			}
			if _, ok := accounts[id]; !ok {
				return store.AccountNotFound(id)
			}
			return setName(ctx, tx)
		})
		return TransferResult{From: id}, err
	}

	req := TransferRequest{
		From:        id,
		To:          l.opts.BankID,
		Amount:      price,
		Reason:      economy.ReasonPurchase,
		Description: "rename to " + name,
	}
	if err := req.validate(); err != nil {
		return TransferResult{}, err
	}
	return l.transfer(ctx, req, setName)
}

// RecordDuel stores a resolved duel.
func (l *Ledger) RecordDuel(ctx context.Context, h economy.DuelHistory) (int64, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = l.opts.Now().UTC()
	}
	var id int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		id, err = tx.InsertDuel(ctx, h)
		return err
	})
	return id, err
}

// DuelStats aggregates the duel history of id.
func (l *Ledger) DuelStats(ctx context.Context, id string) (economy.DuelStats, error) {
	return l.store.DuelStats(ctx, id)
}

func (l *Ledger) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err), zap.String("kind", string(errs.KindOf(err))))
	switch errs.KindOf(err) {
	case errs.KindPersistence, errs.KindUnknown:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Debug(msg, fields...)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
