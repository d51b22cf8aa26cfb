package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memStore struct {
	id string
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an in-process store for one fresh user context.
func NewMemory() Store {
	return newMemory(uuid.NewString())
}

func newMemory(id string) Store {
	return &memStore{id: id, m: map[string]string{}}
}

func (s *memStore) ContextID() string { return s.id }

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = map[string]string{}
	return nil
}

type memProvider struct {
	mu     sync.Mutex
	stores map[string]Store
}

// NewMemoryProvider keeps a store per context id in process memory.
func NewMemoryProvider() Provider {
	return &memProvider{stores: map[string]Store{}}
}

func (p *memProvider) ForContext(id string) Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[id]; ok {
		return s
	}
	s := newMemory(id)
	p.stores[id] = s
	return s
}
