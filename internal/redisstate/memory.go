package redisstate

import (
	"path"
	"strconv"
	"sync"
	"time"
)

// memoryStore is the process-local fallback used when Redis is down or not
// configured. Map access is guarded by a RWMutex; each entry carries its
// own mutex so value mutations do not serialize across keys.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	mu        sync.Mutex
	floatVal  float64
	intVal    int64
	strVal    string
	set       map[string]struct{}
	hash      map[string]string
	expiresAt time.Time // zero = no expiry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*memEntry)}
}

func (m *memoryStore) entry(key string, create bool) *memEntry {
	m.mu.RLock()
	e := m.entries[key]
	m.mu.RUnlock()
	if e != nil {
		if e.expired() {
			m.mu.Lock()
			if cur := m.entries[key]; cur == e {
				delete(m.entries, key)
			}
			m.mu.Unlock()
			e = nil
		} else {
			return e
		}
	}
	if !create {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.entries[key]; e != nil && !e.expired() {
		return e
	}
	e = &memEntry{}
	m.entries[key] = e
	return e
}

func (e *memEntry) expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (e *memEntry) touchTTL(ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
}

func (m *memoryStore) getFloat(key string) float64 {
	e := m.entry(key, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.floatVal
}

func (m *memoryStore) addFloat(key string, delta float64, ttl time.Duration) {
	e := m.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.floatVal += delta
	e.touchTTL(ttl)
}

func (m *memoryStore) incrInt(key string, ttl time.Duration) int64 {
	e := m.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intVal++
	e.touchTTL(ttl)
	return e.intVal
}

func (m *memoryStore) setAdd(key, member string, ttl time.Duration) {
	e := m.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	e.set[member] = struct{}{}
	e.touchTTL(ttl)
}

func (m *memoryStore) setRemove(key, member string) {
	e := m.entry(key, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.set, member)
}

func (m *memoryStore) setCard(key string) int64 {
	e := m.entry(key, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.set))
}

func (m *memoryStore) setMembers(key string) []string {
	e := m.entry(key, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	return out
}

func (m *memoryStore) hashSet(key string, fields map[string]string, ttl time.Duration) {
	e := m.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hash == nil {
		e.hash = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	e.touchTTL(ttl)
}

func (m *memoryStore) hashGetAll(key string) map[string]string {
	e := m.entry(key, false)
	if e == nil {
		return map[string]string{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out
}

func (m *memoryStore) setString(key, val string, ttl time.Duration) {
	e := m.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strVal = val
	e.touchTTL(ttl)
}

func (m *memoryStore) getString(key string) string {
	e := m.entry(key, false)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strVal
}

func (m *memoryStore) del(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
}

func (m *memoryStore) expire(key string, ttl time.Duration) {
	e := m.entry(key, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touchTTL(ttl)
}

// keys matches against glob patterns the way Redis KEYS does for the small
// pattern set this codebase uses (prefix:* style).
func (m *memoryStore) keys(pattern string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k, e := range m.entries {
		if ok, _ := path.Match(pattern, k); ok && !e.expired() {
			out = append(out, k)
		}
	}
	return out
}

// itoa mirrors the formatting Redis uses for integer hash fields.
func itoa(v int64) string { return strconv.FormatInt(v, 10) }
