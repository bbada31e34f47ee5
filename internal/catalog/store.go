package catalog

import "sync/atomic"

// Store publishes the active catalog. Readers take a snapshot with Current
// and keep using it for the whole request; reloads replace it with Swap.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore returns a store holding c, which may be nil.
func NewStore(c *Catalog) *Store {
	s := &Store{}
	if c != nil {
		s.current.Store(c)
	}
	return s
}

// Current returns the active catalog or nil.
func (s *Store) Current() *Catalog {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Swap installs next and returns the catalog it replaced. A nil next is ignored.
func (s *Store) Swap(next *Catalog) *Catalog {
	if next == nil {
		return s.current.Load()
	}
	return s.current.Swap(next)
}
