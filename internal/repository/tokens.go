package repository

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foomin/smarthotel-system/internal/model"
)

// PurchaseTokens проводит синхронную покупку токенов: сумма внесения сверяется
// с точной стоимостью внутри транзакции, при совпадении токены зачисляются.
func (r *PostgresRepository) PurchaseTokens(ctx context.Context, userID, count, deposit int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Цена читается под блокировкой, чтобы сверка не разошлась
		// с параллельной сменой цены владельцем.
		var price int64
		err = tx.QueryRow(ctx, `SELECT token_price FROM hotel_config WHERE id = 1 FOR UPDATE`).Scan(&price)
		if err != nil {
			return fmt.Errorf("get token price: %w", err)
		}

		// Стоимость не должна переполняться: иначе сверка сойдётся на
		// обёрнутом значении при зачислении полного count.
		if count > math.MaxInt64/price {
			return fmt.Errorf("%w: token count %d too large at price %d", ErrInsufficientPayment, count, price)
		}
		if deposit != count*price {
			return fmt.Errorf("%w: got %d, want %d", ErrInsufficientPayment, deposit, count*price)
		}

		purchaseID := uuid.NewString()
		_, err = tx.Exec(ctx,
			`INSERT INTO token_purchases (id, user_id, token_count, expected_value, status, settled_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			purchaseID, userID, count, deposit, string(model.PurchaseStatusConfirmed),
		)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}

		if err := creditTokens(ctx, tx, userID, count, model.LedgerEntryPurchase, purchaseID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreatePendingPurchase регистрирует покупку, ожидающую подтверждения от
// расчётной системы. Токены не зачисляются до подтверждения депозита.
func (r *PostgresRepository) CreatePendingPurchase(ctx context.Context, userID, count int64, depositRef string) (*model.Purchase, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var price int64
	err = tx.QueryRow(ctx, `SELECT token_price FROM hotel_config WHERE id = 1`).Scan(&price)
	if err != nil {
		return nil, fmt.Errorf("get token price: %w", err)
	}

	if count > math.MaxInt64/price {
		return nil, fmt.Errorf("%w: token count %d too large at price %d", ErrInsufficientPayment, count, price)
	}

	p := &model.Purchase{
		ID:            uuid.NewString(),
		UserID:        userID,
		TokenCount:    count,
		ExpectedValue: count * price,
		DepositRef:    depositRef,
		Status:        model.PurchaseStatusPending,
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO token_purchases (id, user_id, token_count, expected_value, deposit_ref, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.UserID, p.TokenCount, p.ExpectedValue, p.DepositRef, string(p.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return p, nil
}

// PendingPurchases возвращает покупки, ожидающие подтверждения депозита.
func (r *PostgresRepository) PendingPurchases(ctx context.Context, limit int) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, token_count, expected_value, COALESCE(deposit_ref, ''), created_at
		 FROM token_purchases
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PurchaseStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		p := model.Purchase{Status: model.PurchaseStatusPending}
		if err := rows.Scan(&p.ID, &p.UserID, &p.TokenCount, &p.ExpectedValue, &p.DepositRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SettlePurchase рассчитывает ожидающую покупку по фактически поступившей
// сумме: точное совпадение зачисляет токены, любое расхождение помечает
// покупку недействительной без зачисления.
func (r *PostgresRepository) SettlePurchase(ctx context.Context, purchaseID string, settledValue int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			userID        int64
			tokenCount    int64
			expectedValue int64
			status        string
		)
		err = tx.QueryRow(ctx,
			`SELECT user_id, token_count, expected_value, status
			 FROM token_purchases WHERE id = $1 FOR UPDATE`,
			purchaseID,
		).Scan(&userID, &tokenCount, &expectedValue, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: purchase %s", ErrPurchaseNotPending, purchaseID)
			}
			return fmt.Errorf("select purchase: %w", err)
		}

		if status != string(model.PurchaseStatusPending) {
			return fmt.Errorf("%w: purchase %s is %s", ErrPurchaseNotPending, purchaseID, status)
		}

		if settledValue != expectedValue {
			_, err = tx.Exec(ctx,
				`UPDATE token_purchases SET status = $2, settled_at = now() WHERE id = $1`,
				purchaseID, string(model.PurchaseStatusInvalid),
			)
			if err != nil {
				return fmt.Errorf("invalidate purchase: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			return fmt.Errorf("%w: got %d, want %d", ErrInsufficientPayment, settledValue, expectedValue)
		}

		_, err = tx.Exec(ctx,
			`UPDATE token_purchases SET status = $2, settled_at = now() WHERE id = $1`,
			purchaseID, string(model.PurchaseStatusConfirmed),
		)
		if err != nil {
			return fmt.Errorf("confirm purchase: %w", err)
		}

		if err := creditTokens(ctx, tx, userID, tokenCount, model.LedgerEntryPurchase, purchaseID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// InvalidatePurchase помечает ожидающую покупку недействительной.
func (r *PostgresRepository) InvalidatePurchase(ctx context.Context, purchaseID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE token_purchases SET status = $2, settled_at = now()
		 WHERE id = $1 AND status = $3`,
		purchaseID, string(model.PurchaseStatusInvalid), string(model.PurchaseStatusPending),
	)
	if err != nil {
		return fmt.Errorf("invalidate purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: purchase %s", ErrPurchaseNotPending, purchaseID)
	}
	return nil
}

// LedgerHistory возвращает движения токенов по счёту пользователя, от недавних
// к ранним, не более limit записей.
func (r *PostgresRepository) LedgerHistory(ctx context.Context, userID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, amount, reference, created_at
		 FROM token_ledger
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e := model.LedgerEntry{UserID: userID}
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.LedgerEntryKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// creditTokens зачисляет токены на счёт и пишет строку журнала движения.
func creditTokens(ctx context.Context, tx pgx.Tx, userID, amount int64, kind model.LedgerEntryKind, reference string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, token_balance) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET token_balance = accounts.token_balance + $2`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("credit tokens: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO token_ledger (id, user_id, kind, amount, reference) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), userID, string(kind), amount, reference,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return nil
}

// debitTokens списывает токены со счёта под блокировкой строки и пишет журнал.
func debitTokens(ctx context.Context, tx pgx.Tx, userID, amount int64, reference string) error {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT token_balance FROM accounts WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no account", ErrInsufficientBalance)
		}
		return fmt.Errorf("lock account: %w", err)
	}

	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET token_balance = token_balance - $2 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("debit tokens: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO token_ledger (id, user_id, kind, amount, reference) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), userID, string(model.LedgerEntrySpend), amount, reference,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return nil
}
