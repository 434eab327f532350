// Package session provides page-scoped storage: key/value pairs that survive
// a navigation within one tab (including a round trip through an external
// payment page) but are never shared with other tabs.
package session

import (
	"sort"
	"strings"
	"sync"
)

// DefaultPrefix namespaces tracker keys so they cannot collide with the
// storefront's own session data.
const DefaultPrefix = "adt_"

// Storage is page-scoped key/value storage.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Take returns the value of key and removes it in the same step.
func Take(s Storage, key string) (string, bool) {
	v, ok := s.Get(key)
	if ok {
		s.Delete(key)
	}
	return v, ok
}

// Memory is a Storage backed by a map. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory returns empty storage.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Keys lists stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Namespaced prefixes every key before handing it to the wrapped Storage.
type Namespaced struct {
	inner  Storage
	prefix string
}

// WithPrefix wraps inner so every key is stored as prefix+key. A key that
// already carries the prefix is left alone.
func WithPrefix(inner Storage, prefix string) *Namespaced {
	return &Namespaced{inner: inner, prefix: prefix}
}

func (n *Namespaced) key(k string) string {
	if strings.HasPrefix(k, n.prefix) {
		return k
	}
	return n.prefix + k
}

func (n *Namespaced) Get(key string) (string, bool) { return n.inner.Get(n.key(key)) }
func (n *Namespaced) Set(key, value string)         { n.inner.Set(n.key(key), value) }
func (n *Namespaced) Delete(key string)             { n.inner.Delete(n.key(key)) }
