package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duel-arena/internal/domain"
)

const entryColumns = `id, account_id, amount, reason, balance_before, balance_after, correlation_id, created_at`

// UpsertAccount creates an account or overwrites its name and balance
func (s *Store) UpsertAccount(ctx context.Context, a domain.Account) error {
	if a.Balance < 0 {
		return fmt.Errorf("%w: balance must not be negative", domain.ErrInvalidRequest)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id, display_name, balance, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	display_name = excluded.display_name,
	balance = excluded.balance,
	updated_at = excluded.updated_at
`, a.ID, a.DisplayName, a.Balance, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var (
		a         domain.Account
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, balance, updated_at FROM accounts WHERE id = ?`, accountID,
	).Scan(&a.ID, &a.DisplayName, &a.Balance, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// Balance returns the current balance of an account
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// DisplayName returns the account's display name
func (s *Store) DisplayName(ctx context.Context, accountID string) (string, error) {
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.DisplayName, nil
}

// Debit takes amount from an account
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = postTx(ctx, tx, accountID, -amount, reason, correlationID)
		return err
	})
	return entry, err
}

// Credit adds amount to an account
func (s *Store) Credit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = postTx(ctx, tx, accountID, amount, reason, correlationID)
		return err
	})
	return entry, err
}

// Transfer debits one account and credits another in a single transaction
func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount int64, correlationID string) (domain.Transfer, error) {
	var t domain.Transfer
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		debit, err := postTx(ctx, tx, fromID, -amount, domain.ReasonDuelLoss, correlationID)
		if err != nil {
			return err
		}
		credit, err := postTx(ctx, tx, toID, amount, domain.ReasonDuelWin, correlationID)
		if err != nil {
			return err
		}
		t = domain.Transfer{Debit: debit, Credit: credit}
		return nil
	})
	return t, err
}

// LedgerEntries returns every entry posted under a correlation ID
func (s *Store) LedgerEntries(ctx context.Context, correlationID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = ? ORDER BY id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// postTx applies one signed ledger movement inside an immediate transaction.
// A repeated (correlation, account, reason) returns the existing entry.
func postTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	existing, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = ? AND account_id = ? AND reason = ?`,
		correlationID, accountID, string(reason)))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, fmt.Errorf("checking ledger entry: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrAccountNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("reading balance: %w", err)
	}

	after := balance + delta
	if after < 0 {
		return domain.LedgerEntry{}, &domain.InsufficientFundsError{
			CharacterID: accountID,
			Required:    -delta,
			Available:   balance,
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`, after, toMillis(now), accountID); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("updating balance: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries (account_id, amount, reason, balance_before, balance_after, correlation_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, accountID, delta, string(reason), balance, after, correlationID, toMillis(now))
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("recording ledger entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reading ledger entry id: %w", err)
	}

	return domain.LedgerEntry{
		ID:            id,
		AccountID:     accountID,
		Amount:        delta,
		Reason:        reason,
		BalanceBefore: balance,
		BalanceAfter:  after,
		CorrelationID: correlationID,
		CreatedAt:     fromMillis(toMillis(now)),
	}, nil
}

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var (
		e         domain.LedgerEntry
		reason    string
		createdAt int64
	)
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.Amount,
		&reason,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.CorrelationID,
		&createdAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Reason = domain.LedgerReason(reason)
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}
