package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/duel-arena/internal/domain"
)

// UpsertAccount creates an account or overwrites its name and balance
func (r *Repository) UpsertAccount(ctx context.Context, a domain.Account) error {
	if a.Balance < 0 {
		return fmt.Errorf("%w: balance must not be negative", domain.ErrInvalidRequest)
	}
	query := `
		INSERT INTO accounts (id, display_name, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET display_name = $2, balance = $3, updated_at = $4
	`
	if _, err := r.pool.Exec(ctx, query, a.ID, a.DisplayName, a.Balance, time.Now().UTC()); err != nil {
		return fmt.Errorf("upserting account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT id, display_name, balance, updated_at FROM accounts WHERE id = $1`
	var a domain.Account
	err := r.pool.QueryRow(ctx, query, accountID).Scan(&a.ID, &a.DisplayName, &a.Balance, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}

// Balance returns the current balance of an account
func (r *Repository) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// DisplayName returns the account's display name
func (r *Repository) DisplayName(ctx context.Context, accountID string) (string, error) {
	a, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.DisplayName, nil
}

// Debit takes amount from an account
func (r *Repository) Debit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	return r.post(ctx, accountID, -amount, reason, correlationID)
}

// Credit adds amount to an account
func (r *Repository) Credit(ctx context.Context, accountID string, amount int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	return r.post(ctx, accountID, amount, reason, correlationID)
}

// Transfer debits one account and credits another in a single transaction
func (r *Repository) Transfer(ctx context.Context, fromID, toID string, amount int64, correlationID string) (domain.Transfer, error) {
	var t domain.Transfer
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		// Lock both rows in a fixed order so opposing transfers cannot deadlock.
		if _, err := tx.Exec(ctx,
			`SELECT id FROM accounts WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`, fromID, toID); err != nil {
			return fmt.Errorf("locking accounts: %w", err)
		}
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
func (r *Repository) LedgerEntries(ctx context.Context, correlationID string) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, account_id, amount, reason, balance_before, balance_after, correlation_id, created_at
		FROM ledger_entries
		WHERE correlation_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, correlationID)
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

func (r *Repository) post(ctx context.Context, accountID string, delta int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = postTx(ctx, tx, accountID, delta, reason, correlationID)
		return err
	})
	return entry, err
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// postTx applies one signed ledger movement. A repeated (correlation, account,
// reason) returns the entry already posted without touching the balance.
func postTx(ctx context.Context, tx pgx.Tx, accountID string, delta int64, reason domain.LedgerReason, correlationID string) (domain.LedgerEntry, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, domain.ErrAccountNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("locking account: %w", err)
	}

	existing, err := scanEntry(tx.QueryRow(ctx, `
		SELECT id, account_id, amount, reason, balance_before, balance_after, correlation_id, created_at
		FROM ledger_entries
		WHERE correlation_id = $1 AND account_id = $2 AND reason = $3
	`, correlationID, accountID, string(reason)))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, fmt.Errorf("checking ledger entry: %w", err)
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
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`, accountID, after, now); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("updating balance: %w", err)
	}

	entry := domain.LedgerEntry{
		AccountID:     accountID,
		Amount:        delta,
		Reason:        reason,
		BalanceBefore: balance,
		BalanceAfter:  after,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, amount, reason, balance_before, balance_after, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, accountID, delta, string(reason), balance, after, correlationID, now).Scan(&entry.ID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("recording ledger entry: %w", err)
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.Amount,
		&e.Reason,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.CorrelationID,
		&e.CreatedAt,
	)
	return e, err
}
