package events

// Transfer is the payload of TransferCompleted.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Net         int64  `json:"net"`
	Tax         int64  `json:"tax"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// Duel is the payload of DuelResolved.
type Duel struct {
	Channel   string  `json:"channel"`
	Winner    string  `json:"winner"`
	Loser     string  `json:"loser"`
	Metric1   float64 `json:"metric1"`
	Metric2   float64 `json:"metric2"`
	StakeKind string  `json:"stake_kind"`
	Stake     int64   `json:"stake"`
}

// Claim is the payload of ClaimResolved and ClaimExpired.
type Claim struct {
	Channel   string `json:"channel"`
	Departing string `json:"departing"`
	Recipient string `json:"recipient"`
	Snapshot  int64  `json:"snapshot"`
	Paid      int64  `json:"paid"`
	Net       int64  `json:"net"`
	Tax       int64  `json:"tax"`
}

// Tax is the payload of TaxCollected.
type Tax struct {
	TransferID string `json:"transfer_id"`
	Accounts   int    `json:"accounts"`
	Total      int64  `json:"total"`
}
