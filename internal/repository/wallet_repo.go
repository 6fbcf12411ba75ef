package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ichristine180/iproxy-sub001/internal/models"
)

type WalletRepository struct {
	db DB
}

func NewWalletRepository(db DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Get(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	query := `SELECT user_id, balance_cents, currency, updated_at FROM wallets WHERE user_id = $1`
	w := &models.Wallet{}
	err := r.db.QueryRow(ctx, query, userID).Scan(&w.UserID, &w.BalanceCents, &w.Currency, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// Debit takes amount off the balance if it covers it. Returns false on
// insufficient funds.
func (r *WalletRepository) Debit(ctx context.Context, userID uuid.UUID, amountCents int64) (bool, error) {
	query := `
		UPDATE wallets
		SET balance_cents = balance_cents - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance_cents >= $2
	`
	tag, err := r.db.Exec(ctx, query, userID, amountCents)
	if err != nil {
		return false, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *WalletRepository) Credit(ctx context.Context, userID uuid.UUID, amountCents int64) error {
	query := `
		UPDATE wallets
		SET balance_cents = balance_cents + $2, updated_at = NOW()
		WHERE user_id = $1
	`
	_, err := r.db.Exec(ctx, query, userID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	return nil
}
