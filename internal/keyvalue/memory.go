package keyvalue

import (
	"context"
	"sync"
)

type valueItem struct {
	value  []byte
	expire uint64
}

// MemoryStore is the in-process Store backend, the default for workers
// without an external cache. Expired values are dropped lazily on read.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]valueItem
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]valueItem)}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	item, ok := ns[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	if item.expire > 0 && item.expire < nowUnix() {
		delete(ns, key)
		return nil, 0, ErrKeyNotFound
	}
	return item.value, item.expire, nil
}

func (s *MemoryStore) Set(_ context.Context, namespace, key string, value []byte, expire uint64) error {
	if err := checkSizes(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]valueItem)
		s.data[namespace] = ns
	}
	ns[key] = valueItem{value: value, expire: expire}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, nil
	}
	now := nowUnix()
	keys := make([]string, 0, len(ns))
	for k, item := range ns {
		if item.expire > 0 && item.expire < now {
			delete(ns, k)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
