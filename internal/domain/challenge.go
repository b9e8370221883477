package domain

import (
	"time"
)

// ChallengeType distinguishes friendly duels from duels with a stake
type ChallengeType string

const (
	ChallengeTypeCasual ChallengeType = "CASUAL"
	ChallengeTypeWager  ChallengeType = "WAGER"
)

// Valid reports whether t is a known challenge type
func (t ChallengeType) Valid() bool {
	return t == ChallengeTypeCasual || t == ChallengeTypeWager
}

// ChallengeStatus represents where a duel is in its lifecycle
type ChallengeStatus string

const (
	StatusPending    ChallengeStatus = "PENDING"
	StatusAccepted   ChallengeStatus = "ACCEPTED"
	StatusInProgress ChallengeStatus = "IN_PROGRESS"
	StatusCompleted  ChallengeStatus = "COMPLETED"
	StatusDeclined   ChallengeStatus = "DECLINED"
	StatusCancelled  ChallengeStatus = "CANCELLED"
	StatusExpired    ChallengeStatus = "EXPIRED"
	StatusVoided     ChallengeStatus = "VOIDED"
)

// ActiveStatuses are the statuses that block a new challenge between the same pair.
var ActiveStatuses = []ChallengeStatus{StatusPending, StatusAccepted, StatusInProgress}

// IsActive reports whether the status is one of ActiveStatuses
func (s ChallengeStatus) IsActive() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusInProgress
}

// IsTerminal reports whether the status can no longer change
func (s ChallengeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusCancelled, StatusExpired, StatusVoided:
		return true
	}
	return false
}

// SettlementOutcome records what happened to the stake at completion
type SettlementOutcome string

const (
	SettlementNoStake      SettlementOutcome = "NO_STAKE"
	SettlementSettled      SettlementOutcome = "SETTLED"
	SettlementDebitFailed  SettlementOutcome = "DEBIT_FAILED"
	SettlementCreditFailed SettlementOutcome = "CREDIT_FAILED"
)

// Challenge is the durable lifecycle record of one duel
type Challenge struct {
	ID           string          `json:"id"`
	ChallengerID string          `json:"challenger_id"`
	ChallengedID string          `json:"challenged_id"`
	Type         ChallengeType   `json:"type"`
	WagerAmount  int64           `json:"wager_amount"`
	Status       ChallengeStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	AcceptedAt   *time.Time      `json:"accepted_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Result       *DuelResult     `json:"result,omitempty"`
}

// DuelResult is populated once a duel reaches COMPLETED
type DuelResult struct {
	WinnerID        string            `json:"winner_id"`
	WinnerName      string            `json:"winner_name"`
	ChallengerScore int64             `json:"challenger_score"`
	ChallengedScore int64             `json:"challenged_score"`
	ChallengerHand  string            `json:"challenger_hand"`
	ChallengedHand  string            `json:"challenged_hand"`
	// GoldTransferred is the gold the winner received. It is 0 on
	// CREDIT_FAILED even though the loser was debited.
	GoldTransferred int64             `json:"gold_transferred"`
	Settlement      SettlementOutcome `json:"settlement"`
}

// PairKey returns the order-independent key for the two participants
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// PairKey returns the unordered pair key of the challenge participants
func (c *Challenge) PairKey() string {
	return PairKey(c.ChallengerID, c.ChallengedID)
}

// IsExpired reports whether a PENDING challenge has outlived its window.
// Challenges in any other status never expire through this check.
func (c *Challenge) IsExpired(now time.Time) bool {
	return c.Status == StatusPending && now.After(c.ExpiresAt)
}

// Involves reports whether characterID is one of the two parties
func (c *Challenge) Involves(characterID string) bool {
	return c.ChallengerID == characterID || c.ChallengedID == characterID
}

// Opponent returns the other party for a participant
func (c *Challenge) Opponent(characterID string) string {
	if c.ChallengerID == characterID {
		return c.ChallengedID
	}
	return c.ChallengerID
}

// CreateChallengeRequest represents a request to open a new challenge
type CreateChallengeRequest struct {
	ChallengerID string        `json:"challenger_id"`
	ChallengedID string        `json:"challenged_id"`
	Type         ChallengeType `json:"type"`
	WagerAmount  int64         `json:"wager_amount"`
}

// DuelStats aggregates a character's completed duels
type DuelStats struct {
	CharacterID string  `json:"character_id"`
	TotalDuels  int64   `json:"total_duels"`
	Wins        int64   `json:"wins"`
	Losses      int64   `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	GoldWon     int64   `json:"gold_won"`
	GoldLost    int64   `json:"gold_lost"`
}
