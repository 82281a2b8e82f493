// Package model holds the domain types shared between the API, worker, and store.
package model

import "time"

// UserRole restricts what a user may call on the API.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key,omitempty"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is the amount of one instrument held by one user.
type Balance struct {
	UserID    string    `json:"user_id"`
	Ticker    string    `json:"ticker"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutcomeStatus is the terminal result of one task execution attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// TaskOutcome records what happened to a task. The row keyed by TaskID also
// serves as the idempotency guard: a redelivered task whose outcome already
// exists is skipped, not re-applied.
type TaskOutcome struct {
	TaskID      string        `json:"task_id"`
	Kind        string        `json:"kind"`
	Status      OutcomeStatus `json:"status"`
	Detail      string        `json:"detail,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}
