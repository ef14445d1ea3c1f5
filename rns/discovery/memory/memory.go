package memory

import (
	"sync"

	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/identity"
)

// Store is an in-memory resolver.
// It is the default for a node and is useful for tests and examples.
type Store struct {
	mu    sync.RWMutex
	known map[identity.Hash]discovery.Known
}

func New() *Store {
	return &Store{known: map[identity.Hash]discovery.Known{}}
}

func (s *Store) Remember(k discovery.Known) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[k.Destination] = k.Clone()
	return nil
}

func (s *Store) Recall(dest identity.Hash) (discovery.Known, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.known[dest]
	if !ok {
		return discovery.Known{}, discovery.ErrNotFound
	}
	return k.Clone(), nil
}

func (s *Store) List() ([]discovery.Known, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Known, 0, len(s.known))
	for _, k := range s.known {
		out = append(out, k.Clone())
	}
	return out, nil
}
