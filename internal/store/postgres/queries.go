package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/magnus5552/stack-exchange/internal/model"
	"github.com/magnus5552/stack-exchange/internal/store"
)

// pqCheckViolation is the postgres error class for CHECK constraint failures;
// on the balances table the only check is the non-negative amount.
const pqCheckViolation = "23514"

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryCreateUser(ctx context.Context, db executor, u *model.User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, name, api_key, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.APIKey, string(u.Role), u.CreatedAt,
	)
	return err
}

func queryGetUserByAPIKey(ctx context.Context, db executor, apiKey string) (*model.User, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, role, created_at FROM users WHERE api_key = $1`, apiKey)

	var u model.User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func queryGetBalances(ctx context.Context, db executor, userID string) ([]*model.Balance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, ticker, amount, updated_at
		FROM balances WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []*model.Balance
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.UserID, &b.Ticker, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

func queryApplyBalanceDelta(ctx context.Context, db executor, userID, ticker string, delta int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO balances (user_id, ticker, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, ticker)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()`,
		userID, ticker, delta,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
			return fmt.Errorf("%w: user %s ticker %s delta %d", store.ErrInsufficientFunds, userID, ticker, delta)
		}
		return err
	}
	return nil
}

func queryRecordTaskOutcome(ctx context.Context, db executor, o *model.TaskOutcome) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO task_outcomes (task_id, kind, status, detail, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO NOTHING`,
		o.TaskID, o.Kind, string(o.Status), o.Detail, o.CompletedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func queryGetTaskOutcome(ctx context.Context, db executor, taskID string) (*model.TaskOutcome, error) {
	row := db.QueryRowContext(ctx, `
		SELECT task_id, kind, status, detail, completed_at
		FROM task_outcomes WHERE task_id = $1`, taskID)

	var o model.TaskOutcome
	if err := row.Scan(&o.TaskID, &o.Kind, &o.Status, &o.Detail, &o.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}
