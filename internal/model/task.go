package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task kinds routed through the broker queue.
const (
	TaskBalanceUpdate = "balance.update"
)

// TaskUnit is one opaque unit of asynchronous work passed from the API to a
// worker via the broker. Delivery is at-least-once; handlers must be
// idempotent on ID.
type TaskUnit struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// BalanceUpdate is the payload of a TaskBalanceUpdate task: apply a signed
// delta to one (user, ticker) balance.
type BalanceUpdate struct {
	UserID string `json:"user_id"`
	Ticker string `json:"ticker"`
	Delta  int64  `json:"delta"`
}

// NewBalanceUpdateTask builds a TaskUnit carrying a BalanceUpdate payload.
func NewBalanceUpdateTask(id, userID, ticker string, delta int64) (*TaskUnit, error) {
	payload, err := json.Marshal(BalanceUpdate{UserID: userID, Ticker: ticker, Delta: delta})
	if err != nil {
		return nil, fmt.Errorf("marshal balance update: %w", err)
	}
	return &TaskUnit{
		ID:         id,
		Kind:       TaskBalanceUpdate,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// DecodeTask parses raw broker bytes back into a TaskUnit.
func DecodeTask(data []byte) (*TaskUnit, error) {
	var t TaskUnit
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("decode task: missing id")
	}
	if t.Kind == "" {
		return nil, fmt.Errorf("decode task: missing kind")
	}
	return &t, nil
}

// Encode serializes the task for the broker.
func (t *TaskUnit) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}
