package types

import (
	"errors"
	"testing"
)

func TestInvalidationEventValidate(t *testing.T) {
	tests := []struct {
		name  string
		event InvalidationEvent
		valid bool
	}{
		{"update", InvalidationEvent{Region: "r", Op: OpUpdate, Key: "k", Origin: "n"}, true},
		{"evict", InvalidationEvent{Region: "r", Op: OpEvict, Key: "k", Origin: "n"}, true},
		{"evict batch", InvalidationEvent{Region: "r", Op: OpEvictBatch, Keys: []string{"a", "b"}, Origin: "n"}, true},
		{"clear", InvalidationEvent{Region: "r", Op: OpClear, Origin: "n"}, true},
		{"no region", InvalidationEvent{Op: OpClear, Origin: "n"}, false},
		{"no origin", InvalidationEvent{Region: "r", Op: OpClear}, false},
		{"update without key", InvalidationEvent{Region: "r", Op: OpUpdate, Origin: "n"}, false},
		{"evict with keys", InvalidationEvent{Region: "r", Op: OpEvict, Key: "k", Keys: []string{"x"}, Origin: "n"}, false},
		{"batch with key", InvalidationEvent{Region: "r", Op: OpEvictBatch, Key: "k", Keys: []string{"x"}, Origin: "n"}, false},
		{"batch empty", InvalidationEvent{Region: "r", Op: OpEvictBatch, Origin: "n"}, false},
		{"batch empty member", InvalidationEvent{Region: "r", Op: OpEvictBatch, Keys: []string{"a", ""}, Origin: "n"}, false},
		{"clear with key", InvalidationEvent{Region: "r", Op: OpClear, Key: "k", Origin: "n"}, false},
		{"unknown op", InvalidationEvent{Region: "r", Op: Operation(9), Key: "k", Origin: "n"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.valid && err != nil {
				t.Fatalf("Expected valid event, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("Expected validation error")
				}
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Expected ErrInvalidEvent, got %v", err)
				}
			}
		})
	}
}

func TestParseOperation(t *testing.T) {
	for _, op := range []Operation{OpUpdate, OpEvict, OpEvictBatch, OpClear} {
		parsed, err := ParseOperation(op.String())
		if err != nil {
			t.Fatalf("ParseOperation(%q) failed: %v", op.String(), err)
		}
		if parsed != op {
			t.Fatalf("Expected %v, got %v", op, parsed)
		}
	}

	if _, err := ParseOperation("set"); err == nil {
		t.Fatal("Expected error for unknown operation")
	}
}
