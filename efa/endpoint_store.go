package efa

import (
	"sync"

	"go.uber.org/multierr"
)

// EndpointStore maps peer NIC paths to endpoints. The store holds one
// reference on every endpoint it contains.
type EndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewEndpointStore returns an empty store.
func NewEndpointStore() *EndpointStore {
	return &EndpointStore{endpoints: make(map[string]*Endpoint)}
}

// Get returns the endpoint for peerNICPath, or nil.
func (s *EndpointStore) Get(peerNICPath string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[peerNICPath]
}

// Add stores ep under peerNICPath, taking over the caller's reference. A
// previously stored endpoint for the same path is released.
func (s *EndpointStore) Add(peerNICPath string, ep *Endpoint) {
	s.mu.Lock()
	prev := s.endpoints[peerNICPath]
	s.endpoints[peerNICPath] = ep
	s.mu.Unlock()
	if prev != nil && prev != ep {
		prev.Release()
	}
}

// Remove drops the entry for peerNICPath and releases the store's reference.
func (s *EndpointStore) Remove(peerNICPath string) {
	s.mu.Lock()
	ep, ok := s.endpoints[peerNICPath]
	delete(s.endpoints, peerNICPath)
	s.mu.Unlock()
	if ok {
		ep.Release()
	}
}

// DisconnectAll disconnects every endpoint without removing it.
func (s *EndpointStore) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		ep.Disconnect()
	}
}

// Size reports the number of stored endpoints.
func (s *EndpointStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// destroyAll empties the store and destroys every endpoint regardless of
// outstanding references.
func (s *EndpointStore) destroyAll() error {
	s.mu.Lock()
	endpoints := s.endpoints
	s.endpoints = make(map[string]*Endpoint)
	s.mu.Unlock()

	var errs error
	for _, ep := range endpoints {
		errs = multierr.Append(errs, ep.destroy())
	}
	return errs
}
