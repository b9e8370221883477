package domain

import "time"

// LedgerReason tags why an account balance moved
type LedgerReason string

const (
	ReasonDuelLoss LedgerReason = "DUEL_LOSS"
	ReasonDuelWin  LedgerReason = "DUEL_WIN"
)

// Account is the minimal character record the engine needs
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerEntry is an immutable audit row for one balance change
type LedgerEntry struct {
	ID            int64        `json:"id"`
	AccountID     string       `json:"account_id"`
	Amount        int64        `json:"amount"`
	Reason        LedgerReason `json:"reason"`
	BalanceBefore int64        `json:"balance_before"`
	BalanceAfter  int64        `json:"balance_after"`
	CorrelationID string       `json:"correlation_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Transfer is the outcome of a two-leg wager movement
type Transfer struct {
	Debit  LedgerEntry `json:"debit"`
	Credit LedgerEntry `json:"credit"`
}

// ReconciliationRecord captures a settlement that needs manual follow-up
type ReconciliationRecord struct {
	DuelID         string            `json:"duel_id"`
	LoserID        string            `json:"loser_id"`
	WinnerID       string            `json:"winner_id"`
	Amount         int64             `json:"amount"`
	Outcome        SettlementOutcome `json:"outcome"`
	DebitEntry     *LedgerEntry      `json:"debit_entry,omitempty"`
	FailureMessage string            `json:"failure_message"`
	RecordedAt     time.Time         `json:"recorded_at"`
}
