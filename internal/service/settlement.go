package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/duel-arena/internal/domain"
)

// Settler decides winners and moves wagers between accounts
type Settler struct {
	ledger     Ledger
	accounts   Accounts
	reconciler Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewSettler creates a settler on top of the given ledger
func NewSettler(ledger Ledger, accounts Accounts, logger *slog.Logger) *Settler {
	return &Settler{
		ledger:   ledger,
		accounts: accounts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetReconciler sets where partial settlement failures are recorded
func (st *Settler) SetReconciler(r Reconciler) {
	st.reconciler = r
}

// DetermineWinner compares final scores. Ties go to the challenger.
func DetermineWinner(challengerScore, challengedScore int64) domain.Side {
	if challengedScore > challengerScore {
		return domain.SideChallenged
	}
	return domain.SideChallenger
}

// Settle computes the duel result and, for wagers, moves the stake from the
// loser to the winner. Ledger failures are reported through the result's
// Settlement outcome rather than as an error: the duel is decided either way.
func (st *Settler) Settle(ctx context.Context, c *domain.Challenge, sess *domain.DuelSession) domain.DuelResult {
	challengerResult := trackResult(sess.Challenger)
	challengedResult := trackResult(sess.Challenged)

	winnerID, loserID := c.ChallengerID, c.ChallengedID
	if DetermineWinner(challengerResult.Score, challengedResult.Score) == domain.SideChallenged {
		winnerID, loserID = c.ChallengedID, c.ChallengerID
	}

	result := domain.DuelResult{
		WinnerID:        winnerID,
		WinnerName:      st.displayName(ctx, winnerID),
		ChallengerScore: challengerResult.Score,
		ChallengedScore: challengedResult.Score,
		ChallengerHand:  challengerResult.HandRank,
		ChallengedHand:  challengedResult.HandRank,
		Settlement:      domain.SettlementNoStake,
	}
	if c.Type != domain.ChallengeTypeWager || c.WagerAmount <= 0 {
		return result
	}

	result.GoldTransferred, result.Settlement = st.transfer(ctx, c.ID, loserID, winnerID, c.WagerAmount)
	return result
}

func (st *Settler) transfer(ctx context.Context, duelID, loserID, winnerID string, amount int64) (int64, domain.SettlementOutcome) {
	rec := domain.ReconciliationRecord{
		DuelID:   duelID,
		LoserID:  loserID,
		WinnerID: winnerID,
		Amount:   amount,
	}

	if t, ok := st.ledger.(Transferer); ok {
		if _, err := t.Transfer(ctx, loserID, winnerID, amount, duelID); err != nil {
			st.logger.Error("wager transfer failed",
				"duel_id", duelID,
				"loser_id", loserID,
				"winner_id", winnerID,
				"amount", amount,
				"error", err,
			)
			rec.Outcome = domain.SettlementDebitFailed
			rec.FailureMessage = err.Error()
			st.reconcile(ctx, rec)
			return 0, domain.SettlementDebitFailed
		}
		st.logger.Info("wager settled", "duel_id", duelID, "winner_id", winnerID, "amount", amount)
		return amount, domain.SettlementSettled
	}

	debit, err := st.ledger.Debit(ctx, loserID, amount, domain.ReasonDuelLoss, duelID)
	if err != nil {
		st.logger.Error("wager debit failed",
			"duel_id", duelID,
			"loser_id", loserID,
			"amount", amount,
			"error", err,
		)
		rec.Outcome = domain.SettlementDebitFailed
		rec.FailureMessage = err.Error()
		st.reconcile(ctx, rec)
		return 0, domain.SettlementDebitFailed
	}

	if _, err := st.ledger.Credit(ctx, winnerID, amount, domain.ReasonDuelWin, duelID); err != nil {
		st.logger.Error("wager credit failed after debit, manual reconciliation required",
			"duel_id", duelID,
			"loser_id", loserID,
			"winner_id", winnerID,
			"amount", amount,
			"loser_balance_after", debit.BalanceAfter,
			"error", err,
		)
		rec.Outcome = domain.SettlementCreditFailed
		rec.DebitEntry = &debit
		rec.FailureMessage = err.Error()
		st.reconcile(ctx, rec)
		return 0, domain.SettlementCreditFailed
	}

	st.logger.Info("wager settled", "duel_id", duelID, "winner_id", winnerID, "amount", amount)
	return amount, domain.SettlementSettled
}

func (st *Settler) reconcile(ctx context.Context, rec domain.ReconciliationRecord) {
	if st.reconciler == nil {
		return
	}
	rec.RecordedAt = st.now()
	if err := st.reconciler.RecordReconciliation(ctx, rec); err != nil {
		st.logger.Error("failed to record reconciliation", "duel_id", rec.DuelID, "error", err)
	}
}

func (st *Settler) displayName(ctx context.Context, characterID string) string {
	name, err := st.accounts.DisplayName(ctx, characterID)
	if err != nil || name == "" {
		return characterID
	}
	return name
}

func trackResult(t domain.PlayerTrack) domain.TrackResult {
	if t.Result == nil {
		return domain.TrackResult{}
	}
	return *t.Result
}
