package cache

import (
	"slices"
	"sort"
	"sync"
)

// MemoryCache implements GenericCache in process memory
type MemoryCache struct {
	mutex   *sync.RWMutex
	entries map[string][]byte
}

func (m *MemoryCache) Get(key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(value), nil
}

func (m *MemoryCache) Set(key string, value []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[key] = slices.Clone(value)
	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryCache) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryCache) Init() error {
	return nil
}

// MemoryStorage keeps named stores in memory. Nothing survives a restart.
type MemoryStorage struct {
	mutex  sync.Mutex
	stores map[string]*MemoryCache
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		stores: make(map[string]*MemoryCache),
	}
}

func (s *MemoryStorage) Open(name string) (GenericCache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = &MemoryCache{
			mutex:   &sync.RWMutex{},
			entries: make(map[string][]byte),
		}
		s.stores[name] = store
	}
	return store, nil
}

func (s *MemoryStorage) Names() ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.stores, name)
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
