package bot

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/axekz/coinyx/pkg/db/models/economy"
	"github.com/axekz/coinyx/pkg/errs"
	"github.com/axekz/coinyx/pkg/ledger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	a.Server = &http.Server{Addr: a.Config.Addr, Handler: a.NewRouter()}
	a.Logger.Info("HTTP server configured", zap.String("addr", a.Config.Addr))
}

// NewRouter returns the health, account lookup and admin routes.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")

	r.HandleFunc("/accounts/{id}", a.HandleAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/entries", a.HandleEntries).Methods("GET")
	r.HandleFunc("/accounts/{id}/duels", a.HandleDuelStats).Methods("GET")
	r.HandleFunc("/leaderboard", a.HandleLeaderboard).Methods("GET")

	r.Handle("/accounts/{id}/adjust", a.RequireAdmin(http.HandlerFunc(a.HandleAdjust))).Methods("POST")
	return r
}

// HandleAccount responds with one account.
func (a *App) HandleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.Ledger.Account(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleEntries responds with the newest ledger entries of an account.
// Query parameters:
//   - limit: max number of entries (default 20, max ledger.MaxEntriesLimit)
func (a *App) HandleEntries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > ledger.MaxEntriesLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if _, err := a.Ledger.Account(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	entries, err := a.Ledger.Entries(r.Context(), id, limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries, "limit": limit})
}

// HandleDuelStats responds with the duel record of an account.
func (a *App) HandleDuelStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Ledger.DuelStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleLeaderboard responds with the richest accounts.
// Query parameters:
//   - limit: number of accounts (default LEADERBOARD_SIZE, max ledger.MaxLeaderboard)
func (a *App) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := a.Config.LeaderboardSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > ledger.MaxLeaderboard {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	board, err := a.Ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

type adjustRequest struct {
	// Amount is signed: positive credits, negative debits.
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// HandleAdjust credits or debits an account as an admin adjustment.
func (a *App) HandleAdjust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	var (
		adj ledger.Adjustment
		err error
	)
	switch {
	case in.Amount > 0:
		adj, err = a.Ledger.Credit(r.Context(), id, in.Amount, economy.ReasonAdminAdjust, in.Description)
	case in.Amount < 0:
		adj, err = a.Ledger.Debit(r.Context(), id, -in.Amount, economy.ReasonAdminAdjust, in.Description)
	default:
		writeError(w, http.StatusBadRequest, "amount must not be zero")
		return
	}
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.Logger.Info("Admin adjustment",
		zap.String("account", id),
		zap.Int64("amount", in.Amount),
		zap.Int64("balance", adj.Balance),
		zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, adj)
}

func (a *App) writeStoreError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		writeError(w, http.StatusNotFound, "account not found")
		return
	case errs.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errs.KindInsufficientFunds:
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	a.Logger.Error("Account query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "query failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
