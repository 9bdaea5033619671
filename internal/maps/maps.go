package maps

import (
	"fmt"
	"sync/atomic"
)

// Implementation names a ConcurrentMap backend.
type Implementation string

const (
	XSync   Implementation = "xsync"
	Sharded Implementation = "sharded"
	Cornelk Implementation = "cornelk"
	Sync    Implementation = "sync"
)

// defaultImplementation controls the map returned by NewConcurrentMap.
var defaultImplementation atomic.Value // Implementation

func init() {
	defaultImplementation.Store(XSync)
}

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap defines a generic, thread-safe map interface for integer keys.
// The process, thread, module and session tables are all built on it so the
// backend can be swapped from configuration.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value, or stores and returns the value
	// built by valueFactory. loaded reports whether the value already existed.
	LoadOrStore(key K, valueFactory func() V) (actual V, loaded bool)
	// Update runs updateFunc on the current entry; returning keep=false
	// deletes it.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

// ParseImplementation validates a backend name. The empty string selects xsync.
func ParseImplementation(name string) (Implementation, error) {
	switch impl := Implementation(name); impl {
	case "":
		return XSync, nil
	case XSync, Sharded, Cornelk, Sync:
		return impl, nil
	default:
		return "", fmt.Errorf("unknown map implementation %q", name)
	}
}

// SetDefaultImplementation changes the backend used by later NewConcurrentMap
// calls. Maps created before the call keep their backend.
func SetDefaultImplementation(impl Implementation) {
	defaultImplementation.Store(impl)
}

// DefaultImplementation returns the backend used by NewConcurrentMap.
func DefaultImplementation() Implementation {
	return defaultImplementation.Load().(Implementation)
}

// NewConcurrentMap returns a map using the default backend.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return New[K, V](DefaultImplementation())
}

// New returns a map using the given backend, falling back to xsync for
// unknown names.
func New[K Integer, V any](impl Implementation) ConcurrentMap[K, V] {
	switch impl {
	case Sharded:
		return NewShardedMap[K, V]()
	case Cornelk:
		return NewCornelkMap[K, V]()
	case Sync:
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
