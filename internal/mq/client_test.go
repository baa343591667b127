package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCallWithIDRejectsConcurrentDuplicate(t *testing.T) {
	c := &Client{
		logger:  zap.NewNop(),
		timeout: time.Second,
		waiters: map[string]chan Response{"X": make(chan Response, 1)},
	}
	// Subscriber already established for this session.
	c.once.Do(func() {})

	_, err := c.CallWithID(context.Background(), "X", "v1", "create_task", nil, "")
	if !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected ErrDuplicateCall, got %v", err)
	}
	if _, ok := c.waiters["X"]; !ok {
		t.Fatal("the in-flight waiter must be left untouched")
	}
	if len(c.waiters) != 1 {
		t.Fatalf("waiter map mutated: %d entries", len(c.waiters))
	}
}
