package store

import (
	"context"
	"errors"

	"github.com/magnus5552/stack-exchange/internal/model"
)

// ErrInsufficientFunds is returned when a balance delta would take the
// amount below zero. It marks a task-level failure, never a transport one.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Store defines the persistence interface for the exchange.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByAPIKey(ctx context.Context, apiKey string) (*model.User, error)

	// Balances
	GetBalances(ctx context.Context, userID string) ([]*model.Balance, error)
	ApplyBalanceDelta(ctx context.Context, userID, ticker string, delta int64) error

	// Task outcomes. RecordTaskOutcome reports whether the row was inserted;
	// false means an outcome for this task already exists, which is how a
	// redelivered task is detected and skipped.
	RecordTaskOutcome(ctx context.Context, outcome *model.TaskOutcome) (bool, error)
	GetTaskOutcome(ctx context.Context, taskID string) (*model.TaskOutcome, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
