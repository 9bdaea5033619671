package maps

import (
	"sync"

	"github.com/cornelk/hashmap"
)

// CornelkMap implements ConcurrentMap on cornelk/hashmap. The hashmap has no
// compound operations, so Update and LoadAndDelete serialize on a mutex;
// Load, Store and Range stay lock free.
type CornelkMap[K Integer, V any] struct {
	m  *hashmap.Map[K, V]
	mu sync.Mutex
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) { return m.m.Get(key) }
func (m *CornelkMap[K, V]) Store(key K, value V) { m.m.Set(key, value) }
func (m *CornelkMap[K, V]) Len() int             { return m.m.Len() }

func (m *CornelkMap[K, V]) Delete(key K) {
	m.mu.Lock()
	m.m.Del(key)
	m.mu.Unlock()
}

func (m *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.m.Get(key)
	if ok {
		m.m.Del(key)
	}
	return val, ok
}

func (m *CornelkMap[K, V]) LoadOrStore(key K, valueFactory func() V) (V, bool) {
	if val, ok := m.m.Get(key); ok {
		return val, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m.GetOrInsert(key, valueFactory())
}

func (m *CornelkMap[K, V]) Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, exists := m.m.Get(key)
	newVal, keep := updateFunc(val, exists)
	if keep {
		m.m.Set(key, newVal)
	} else if exists {
		m.m.Del(key)
	}
}

func (m *CornelkMap[K, V]) Range(f func(key K, value V) bool) { m.m.Range(f) }
