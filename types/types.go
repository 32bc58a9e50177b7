package types

import (
	"errors"
	"fmt"
)

// Operation identifies what a node did to a region.
type Operation uint8

// Operation values. The numeric values are part of the wire format.
const (
	OpUnknown    Operation = 0
	OpUpdate     Operation = 1
	OpEvict      Operation = 2
	OpEvictBatch Operation = 3
	OpClear      Operation = 4
)

func (o Operation) String() string {
	switch o {
	case OpUpdate:
		return "update"
	case OpEvict:
		return "evict"
	case OpEvictBatch:
		return "evict_batch"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// ParseOperation is the inverse of Operation.String.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "update":
		return OpUpdate, nil
	case "evict":
		return OpEvict, nil
	case "evict_batch":
		return OpEvictBatch, nil
	case "clear":
		return OpClear, nil
	}
	return OpUnknown, fmt.Errorf("unknown operation %q", s)
}

// InvalidationEvent describes a mutation one node made to a region that
// other nodes must apply to their local copy.
type InvalidationEvent struct {
	Region string
	Op     Operation
	Key    string   // set for OpUpdate and OpEvict
	Keys   []string // set for OpEvictBatch
	Origin string   // node id of the publisher
	// Timestamp is the publisher's wall clock in Unix nanoseconds.
	Timestamp int64
}

// EventHandler receives events delivered for a region.
type EventHandler func(event InvalidationEvent)

// ErrInvalidEvent is wrapped by Validate failures.
var ErrInvalidEvent = errors.New("invalid invalidation event")

// Validate checks the key/keys invariant for the event's operation.
func (e InvalidationEvent) Validate() error {
	if e.Region == "" {
		return fmt.Errorf("%w: empty region", ErrInvalidEvent)
	}
	if e.Origin == "" {
		return fmt.Errorf("%w: empty origin", ErrInvalidEvent)
	}
	switch e.Op {
	case OpUpdate, OpEvict:
		if e.Key == "" {
			return fmt.Errorf("%w: %s requires a key", ErrInvalidEvent, e.Op)
		}
		if len(e.Keys) > 0 {
			return fmt.Errorf("%w: %s must not carry keys", ErrInvalidEvent, e.Op)
		}
	case OpEvictBatch:
		if e.Key != "" {
			return fmt.Errorf("%w: %s must not carry a single key", ErrInvalidEvent, e.Op)
		}
		if len(e.Keys) == 0 {
			return fmt.Errorf("%w: %s requires keys", ErrInvalidEvent, e.Op)
		}
		for _, k := range e.Keys {
			if k == "" {
				return fmt.Errorf("%w: %s contains an empty key", ErrInvalidEvent, e.Op)
			}
		}
	case OpClear:
		if e.Key != "" || len(e.Keys) > 0 {
			return fmt.Errorf("%w: clear carries no keys", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidEvent, e.Op)
	}
	return nil
}
