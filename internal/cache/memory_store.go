package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内的 Storage，主要用于测试与无持久化部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	closed bool
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	seq     uint64
	entries map[string]memoryEntry
	deleted bool
}

type memoryEntry struct {
	seq  uint64
	resp *Response
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	store, ok := s.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[string]memoryEntry)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)

	store.mu.Lock()
	store.deleted = true
	store.entries = make(map[string]memoryEntry)
	store.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Match(ctx context.Context, key string) (*Response, error) {
	return matchAcross(ctx, s, key)
}

func (s *memoryStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (m *memoryStore) Name() string {
	return m.name
}

func (m *memoryStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (m *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidKey
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return ErrStoreDeleted
	}
	m.seq++
	m.entries[key] = memoryEntry{seq: m.seq, resp: stored}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	ordered := make([]keySeq, 0, len(m.entries))
	for key, entry := range m.entries {
		ordered = append(ordered, keySeq{key: key, seq: entry.seq})
	}
	m.mu.RUnlock()
	return sortKeys(ordered), nil
}
