// Package errs holds the error taxonomy shared by the ledger, the duel registry and the claim store.
// Callers branch on the sentinels with errors.Is; every error returned by those packages wraps
// exactly one of them.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-bounds input. No state was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds marks a debit larger than the account balance. No state was mutated.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict marks a duplicate: a second live duel for the same initiator and channel, or a
	// second sign-in on the same day.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an entry that was already resolved, expired, or never existed.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed marks the loser of a finalize race on a claim window.
	ErrAlreadyClaimed = errors.New("already claimed")
	// ErrWrongOpponent marks an accept by someone other than the named opponent.
	ErrWrongOpponent = errors.New("wrong opponent")
	// ErrExternalService marks a stats service failure or timeout.
	ErrExternalService = errors.New("external service error")
	// ErrPersistence marks a failed unit of work. Nothing was committed.
	ErrPersistence = errors.New("persistence error")
)

// Kind names an error class for logs and metrics labels.
type Kind string

const (
	KindNone              Kind = ""
	KindValidation        Kind = "validation"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindAlreadyClaimed    Kind = "already_claimed"
	KindWrongOpponent     Kind = "wrong_opponent"
	KindExternalService   Kind = "external_service"
	KindPersistence       Kind = "persistence"
	KindUnknown           Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrPersistence, KindPersistence},
	{ErrExternalService, KindExternalService},
	{ErrValidation, KindValidation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrConflict, KindConflict},
	{ErrNotFound, KindNotFound},
	{ErrAlreadyClaimed, KindAlreadyClaimed},
	{ErrWrongOpponent, KindWrongOpponent},
}

// KindOf classifies err. Persistence wins over every other class because it is the one that
// needs operator attention.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Benign reports whether err is a "too late" outcome that should not be logged as a failure.
func Benign(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindAlreadyClaimed, KindWrongOpponent:
		return true
	}
	return false
}

// Validation wraps a formatted message with ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InsufficientFunds reports that account holds balance but need was requested.
func InsufficientFunds(account string, balance, need int64) error {
	return fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, account, balance, need)
}

// Persistence wraps a store error so that both ErrPersistence and the cause match errors.Is.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrPersistence, err))
}

// ExternalService wraps a stats service error.
func ExternalService(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrExternalService) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrExternalService, err))
}

// UserMessage renders err for a chat reply. Infrastructure failures are not echoed verbatim.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindValidation, KindInsufficientFunds, KindConflict:
		return err.Error()
	case KindNotFound, KindAlreadyClaimed:
		return "Too late, that one is already gone."
	case KindWrongOpponent:
		return "This duel is reserved for someone else."
	case KindExternalService:
		return "The stats service is not answering, try again later."
	}
	return "Something went wrong, nothing was changed."
}
