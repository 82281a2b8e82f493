package model

import (
	"encoding/json"
	"testing"
)

func TestNewBalanceUpdateTask(t *testing.T) {
	task, err := NewBalanceUpdateTask("tk-abc", "us-1", "MEMCOIN", -50)
	if err != nil {
		t.Fatalf("NewBalanceUpdateTask() error: %v", err)
	}
	if task.Kind != TaskBalanceUpdate {
		t.Errorf("Kind = %q, want %q", task.Kind, TaskBalanceUpdate)
	}
	if task.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}

	var upd BalanceUpdate
	if err := json.Unmarshal(task.Payload, &upd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if upd.UserID != "us-1" || upd.Ticker != "MEMCOIN" || upd.Delta != -50 {
		t.Errorf("payload = %+v", upd)
	}
}

func TestDecodeTask(t *testing.T) {
	task, err := NewBalanceUpdateTask("tk-abc", "us-1", "MEMCOIN", 10)
	if err != nil {
		t.Fatalf("NewBalanceUpdateTask() error: %v", err)
	}
	data, err := task.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask() error: %v", err)
	}
	if got.ID != task.ID || got.Kind != task.Kind {
		t.Errorf("got %+v, want %+v", got, task)
	}
}

func TestDecodeTask_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{"Garbage", "{not json"},
		{"MissingID", `{"kind":"balance.update","payload":{}}`},
		{"MissingKind", `{"id":"tk-abc","payload":{}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeTask([]byte(tc.data)); err == nil {
				t.Errorf("DecodeTask(%q) = nil error, want error", tc.data)
			}
		})
	}
}
