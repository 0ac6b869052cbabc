package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/axekz/coinyx/pkg/config"
	"github.com/axekz/coinyx/pkg/db/models/economy"
	sqlitestore "github.com/axekz/coinyx/pkg/db/sqlite/economy"
	"github.com/axekz/coinyx/pkg/gateway"
	"github.com/axekz/coinyx/pkg/gateway/gatewaytest"
	"github.com/axekz/coinyx/pkg/stats"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockSampler is a mock implementation of stats.Sampler for testing
type MockSampler struct {
	mock.Mock
}

func (m *MockSampler) Samples(ctx context.Context, mode string, n int) ([]stats.Sample, error) {
	args := m.Called(ctx, mode, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]stats.Sample), args.Error(1)
}

func testConfig() config.Config {
	return config.Config{
		DuelTTL:         2 * time.Minute,
		ClaimTTL:        time.Hour,
		SweepSpec:       "@every 5s",
		TransferTaxRate: 0.01,
		DuelTaxRate:     0.05,
		ClaimTaxRate:    0.30,
		DailyTaxDivisor: 1000,
		DailyTaxSpec:    "0 0 1 * * *",
		MinStake:        1,
		MaxStake:        100000,
		DefaultStake:    20,
		MuteDuration:    10 * time.Minute,
		DefaultGift:     20,
		RenamePrice:     20,
		SignInMean:      20,
		SignInStdDev:    5,
		SignInMinDonor:  100,
		LeaderboardSize: 10,
		AdminToken:      "s3cret",
		JWTSecret:       "jwt-secret",
		BankAccountID:   "bank",
		BankDisplayName: "Central Bank",
		StatsMode:       "kzt",
		Workers:         2,
		HandlerTimeout:  5 * time.Second,
		Addr:            ":0",
	}
}

type harness struct {
	app     *App
	gw      *gatewaytest.Recorder
	sampler *MockSampler
	seq     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	s, err := sqlitestore.Open(ctx, logger, filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{gw: gatewaytest.New(), sampler: &MockSampler{}}
	h.app, err = New(ctx, logger, testConfig(), s, h.gw, h.sampler, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.app.Pool.StopAndWait()
		h.app.Claims.Close()
	})
	return h
}

func (h *harness) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.app.Ledger.EnsureAccount(ctx, id, id)
	require.NoError(t, err)
	_, err = h.app.Ledger.Credit(ctx, id, amount, economy.ReasonAdminAdjust, "seed")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	acct, err := h.app.Ledger.Account(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func (h *harness) say(from, text string, mentions ...string) gateway.Event {
	h.seq++
	ev := gateway.Event{
		Kind:       gateway.EventMessage,
		Channel:    "g1",
		Sender:     from,
		SenderName: from,
		MessageID:  fmt.Sprintf("u-%d", h.seq),
		Text:       text,
		Mentions:   mentions,
		At:         time.Now(),
	}
	h.app.Handle(context.Background(), ev)
	return ev
}

func (h *harness) replyTo(from string, ref gateway.MessageRef, text string) {
	h.app.Handle(context.Background(), gateway.Event{
		Kind:       gateway.EventMessage,
		Channel:    ref.Channel,
		Sender:     from,
		SenderName: from,
		MessageID:  "r-" + from,
		Text:       text,
		ReplyTo:    &ref,
		SelfReply:  true,
		At:         time.Now(),
	})
}

func TestGiveAppliesTransferTax(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)
	h.fund(t, "bob", 100)

	h.say("alice", "give 20", "bob")

	assert.Equal(t, int64(80), h.balance(t, "alice"))
	assert.Equal(t, int64(119), h.balance(t, "bob"))
	assert.Equal(t, int64(1), h.balance(t, "bank"))
	assert.Contains(t, h.gw.Last().Text, "19 received, 1 tax")
	assert.Equal(t, "alice", h.gw.Last().Mention)
}

func TestGiveWithoutFundsReportsIt(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 5)

	h.say("alice", "give", "bob")
	assert.Contains(t, h.gw.Last().Text, "insufficient funds")
	assert.Equal(t, int64(5), h.balance(t, "alice"))
}

func TestDuelFlow(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)
	h.fund(t, "bob", 100)
	h.sampler.On("Samples", mock.Anything, "kzt", 2).
		Return([]stats.Sample{{Metric: 251.2, Strafes: 5}, {Metric: 249.9, Strafes: 6}}, nil).Once()

	h.say("alice", "ljpk 20", "bob")
	announcement := h.gw.Last()
	assert.Contains(t, announcement.Text, "alice challenges bob")
	assert.Contains(t, announcement.Text, "Stake: 20 coins")

	h.replyTo("bob", announcement.Ref, "ok")
	result := h.gw.Last().Text
	assert.Contains(t, result, "Winner: alice")
	assert.Contains(t, result, "bob pays 20, alice receives 19, tax 1")

	assert.Equal(t, int64(119), h.balance(t, "alice"))
	assert.Equal(t, int64(80), h.balance(t, "bob"))

	// a late reply is too late
	h.replyTo("bob", announcement.Ref, "again")
	assert.Equal(t, "Too late, that one is already gone.", h.gw.Last().Text)

	h.say("bob", "ljpk stats")
	assert.Contains(t, h.gw.Last().Text, "bob: 1 duels, 0 wins (0.00%), net -20 coins")
}

func TestDuelConflictIsReported(t *testing.T) {
	h := newHarness(t)
	h.say("alice", "duel")
	h.say("alice", "duel 30")
	assert.Contains(t, h.gw.Last().Text, "already has a live duel")
}

func TestDepartureOpensClaimWindow(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "dave", 50)

	h.app.Handle(context.Background(), gateway.Event{Kind: gateway.EventDeparture, Channel: "g1", Sender: "dave"})
	announcement := h.gw.Last()
	assert.Contains(t, announcement.Text, "dave left with 50 coins")

	h.replyTo("erin", announcement.Ref, "mine")
	assert.Contains(t, h.gw.Last().Text, "erin claimed 50 coins from dave: 35 received, 15 tax")

	h.replyTo("frank", announcement.Ref, "mine too")
	assert.Equal(t, "Too late, that one is already gone.", h.gw.Last().Text)

	assert.Equal(t, int64(35), h.balance(t, "erin"))
	assert.Equal(t, int64(15), h.balance(t, "bank"))
}

func TestDepartureWithEmptyPurseIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "dave", 1)
	_, err := h.app.Ledger.Debit(context.Background(), "dave", 1, economy.ReasonAdminAdjust, "")
	require.NoError(t, err)

	h.app.Handle(context.Background(), gateway.Event{Kind: gateway.EventDeparture, Channel: "g1", Sender: "dave"})
	h.app.Handle(context.Background(), gateway.Event{Kind: gateway.EventDeparture, Channel: "g1", Sender: "stranger"})
	assert.Empty(t, h.gw.Snapshot())
	assert.Equal(t, 0, h.app.Claims.Len())
}

func TestTransactionsAndBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)

	h.say("alice", "coins")
	assert.Equal(t, "Balance: 100 coins", h.gw.Last().Text)

	h.say("alice", "transactions 3")
	assert.Contains(t, h.gw.Last().Text, "+100 admin_adjust")

	h.say("alice", "transactions 50")
	assert.Contains(t, h.gw.Last().Text, "between 1 and 20")
}

func TestRenameChargesAndUpdatesPlatform(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 100)

	h.say("alice", "rename Long Jumper")
	assert.Equal(t, int64(80), h.balance(t, "alice"))
	assert.Equal(t, int64(20), h.balance(t, "bank"))
	assert.Equal(t, "Long Jumper", h.gw.Names["alice"])

	acct, err := h.app.Ledger.Account(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Long Jumper", acct.DisplayName)
}

func TestUnknownMessagesAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.say("alice", "hello there")
	assert.Empty(t, h.gw.Snapshot())
}

func TestRouter(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 42)
	router := h.app.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var acct economy.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, int64(42), acct.Balance)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/alice/entries?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":42`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/alice/entries?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchRunsHandlersOnPool(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.app.Dispatch(ctx)

	h.gw.Push(gateway.Event{Kind: gateway.EventMessage, Channel: "g1", Sender: "alice", MessageID: "1", Text: "balance"})
	assert.Eventually(t, func() bool { return h.gw.Last().Text == "Balance: 10 coins" }, 2*time.Second, 10*time.Millisecond)
}

func TestSignInTakesFromTheRich(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "rich", 1000)

	h.say("alice", "sign")
	assert.Contains(t, h.gw.Last().Text, "Signed in, took")
	got := h.balance(t, "alice")
	assert.GreaterOrEqual(t, got, int64(1))
	assert.Equal(t, int64(1000)-got, h.balance(t, "rich"))

	h.say("alice", "qd")
	assert.Contains(t, h.gw.Last().Text, "already signed in")
	assert.Equal(t, got, h.balance(t, "alice"))
}

func TestSignInWithoutDonors(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 50)

	h.say("alice", "sign")
	assert.Contains(t, h.gw.Last().Text, "nobody has 100 coins to spare today")
	assert.Equal(t, int64(50), h.balance(t, "alice"))
}

func TestTopListsRichestFirst(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 300)
	h.fund(t, "bob", 700)

	h.say("carol", "top")
	text := h.gw.Last().Text
	assert.Contains(t, text, "Coin leaderboard (supply 1000)")
	assert.Contains(t, text, "1. bob (bob) 700 (70.00%)")
	assert.Contains(t, text, "2. alice (alice) 300 (30.00%)")
	assert.Less(t, strings.Index(text, "bob"), strings.Index(text, "alice"))
}

func adminToken(t *testing.T, secret, role string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops",
		"role": role,
		"exp":  exp.Unix(),
		"iat":  time.Now().Unix(),
	})
	ss, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return ss
}

func adjust(router http.Handler, id, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/accounts/"+id+"/adjust", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminAdjust(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 10)
	router := h.app.NewRouter()

	rec := adjust(router, "alice", "s3cret", `{"amount": 40, "description": "event prize"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":50`)
	assert.Equal(t, int64(50), h.balance(t, "alice"))

	rec = adjust(router, "alice", adminToken(t, "jwt-secret", "admin", time.Now().Add(time.Hour)), `{"amount": -20}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(30), h.balance(t, "alice"))

	entries, err := h.app.Ledger.Entries(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, economy.ReasonAdminAdjust, entries[0].Reason)
	assert.Equal(t, int64(-20), entries[0].Amount)

	assert.Equal(t, http.StatusConflict, adjust(router, "alice", "s3cret", `{"amount": -31}`).Code)
	assert.Equal(t, http.StatusBadRequest, adjust(router, "alice", "s3cret", `{"amount": 0}`).Code)
	assert.Equal(t, http.StatusBadRequest, adjust(router, "alice", "s3cret", `not json`).Code)
	assert.Equal(t, http.StatusNotFound, adjust(router, "nobody", "s3cret", `{"amount": 5}`).Code)
	assert.Equal(t, int64(30), h.balance(t, "alice"))
}

func TestAdminAdjustRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 10)
	router := h.app.NewRouter()
	body := `{"amount": 5}`

	assert.Equal(t, http.StatusUnauthorized, adjust(router, "alice", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, adjust(router, "alice", "wrong", body).Code)
	assert.Equal(t, http.StatusUnauthorized, adjust(router, "alice", adminToken(t, "jwt-secret", "viewer", time.Now().Add(time.Hour)), body).Code)
	assert.Equal(t, http.StatusUnauthorized, adjust(router, "alice", adminToken(t, "jwt-secret", "admin", time.Now().Add(-time.Hour)), body).Code)
	assert.Equal(t, http.StatusUnauthorized, adjust(router, "alice", adminToken(t, "other-secret", "admin", time.Now().Add(time.Hour)), body).Code)
	assert.Equal(t, int64(10), h.balance(t, "alice"))

	h.app.Config.AdminToken, h.app.Config.JWTSecret = "", ""
	assert.Equal(t, http.StatusNotFound, adjust(router, "alice", "s3cret", body).Code)
}

func TestLeaderboardRoute(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "alice", 300)
	h.fund(t, "bob", 700)
	router := h.app.NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var board struct {
		Accounts []economy.Account `json:"accounts"`
		Total    int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Len(t, board.Accounts, 1)
	assert.Equal(t, "bob", board.Accounts[0].ID)
	assert.Equal(t, int64(1000), board.Total)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=500", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
