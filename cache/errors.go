package cache

import (
	"fmt"
)

// FailureKind classifies a CacheFailure.
type FailureKind int

const (
	// KindBackingStore wraps any malfunction of the store behind a region.
	KindBackingStore FailureKind = iota + 1
	// KindDestroyed is returned by every operation on a destroyed region.
	KindDestroyed
	// KindInvalidKey is returned for keys the region cannot hold.
	KindInvalidKey
)

func (k FailureKind) String() string {
	switch k {
	case KindBackingStore:
		return "backing store error"
	case KindDestroyed:
		return "region destroyed"
	case KindInvalidKey:
		return "invalid key"
	default:
		return "unknown failure"
	}
}

// CacheFailure is the only error type region operations return. Store
// specific errors are kept in the cause chain.
type CacheFailure struct {
	Kind   FailureKind
	Region string
	Op     string
	Err    error
}

// NewCacheFailure builds a CacheFailure. A cause that already is a
// CacheFailure is returned unchanged.
func NewCacheFailure(kind FailureKind, region, op string, cause error) error {
	if cf, ok := cause.(*CacheFailure); ok {
		return cf
	}
	return &CacheFailure{Kind: kind, Region: region, Op: op, Err: cause}
}

// StoreFailure wraps a backing store error, returning nil for a nil error.
func StoreFailure(region, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewCacheFailure(KindBackingStore, region, op, err)
}

func (e *CacheFailure) Error() string {
	msg := e.Kind.String()
	if e.Region != "" {
		msg = fmt.Sprintf("region %q: %s", e.Region, msg)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CacheFailure) Unwrap() error { return e.Err }

// Is matches any CacheFailure of the same kind, so callers can compare
// against the sentinels below with errors.Is.
func (e *CacheFailure) Is(target error) bool {
	t, ok := target.(*CacheFailure)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Region == "" && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrBackingStore = &CacheFailure{Kind: KindBackingStore}
	ErrDestroyed    = &CacheFailure{Kind: KindDestroyed}
	ErrInvalidKey   = &CacheFailure{Kind: KindInvalidKey}
)

// RegistryFailureKind classifies a RegistryFailure.
type RegistryFailureKind int

const (
	// KindFactoryFailed means the region factory returned an error or panicked.
	KindFactoryFailed RegistryFailureKind = iota + 1
	// KindRegistryStopped means the registry is not running.
	KindRegistryStopped
)

func (k RegistryFailureKind) String() string {
	switch k {
	case KindFactoryFailed:
		return "factory failed"
	case KindRegistryStopped:
		return "registry not running"
	default:
		return "unknown registry failure"
	}
}

// RegistryFailure is returned by Registry.GetOrCreate.
type RegistryFailure struct {
	Kind   RegistryFailureKind
	Region string
	Err    error
}

func (e *RegistryFailure) Error() string {
	msg := e.Kind.String()
	if e.Region != "" {
		msg = fmt.Sprintf("region %q: %s", e.Region, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryFailure) Unwrap() error { return e.Err }

func (e *RegistryFailure) Is(target error) bool {
	t, ok := target.(*RegistryFailure)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Region == "" && t.Err == nil
}

var (
	ErrFactoryFailed   = &RegistryFailure{Kind: KindFactoryFailed}
	ErrRegistryStopped = &RegistryFailure{Kind: KindRegistryStopped}
)

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// ErrClosed is returned when a closed coordinator is used.
var ErrClosed = NewError("cache is closed")

// ErrInvalidRegion is returned for an empty region name.
var ErrInvalidRegion = NewError("invalid region name")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}

// CheckKey rejects keys no region can hold.
func CheckKey(region, op, key string) error {
	if key == "" {
		return &CacheFailure{Kind: KindInvalidKey, Region: region, Op: op, Err: fmt.Errorf("empty key")}
	}
	return nil
}

// CheckKeys applies CheckKey to every key.
func CheckKeys(region, op string, keys []string) error {
	for _, k := range keys {
		if err := CheckKey(region, op, k); err != nil {
			return err
		}
	}
	return nil
}

// DestroyedFailure is the error a destroyed region returns from op.
func DestroyedFailure(region, op string) error {
	return &CacheFailure{Kind: KindDestroyed, Region: region, Op: op}
}
