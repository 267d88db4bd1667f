// Package memory keeps number mappings in process memory for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/accurate-migrator/internal/clock/system"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
)

type key struct {
	databaseID int64
	module     string
	oldNumber  string
}

// Store is a map-backed mapping.Store.
type Store struct {
	mu       sync.RWMutex
	mappings map[key]mapping.Mapping
	clock    mapping.Clock
}

// New creates an empty store. A nil clock uses the wall clock.
func New(clock mapping.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{mappings: make(map[key]mapping.Mapping), clock: clock}
}

// Get returns the new number for the triple, if any.
func (s *Store) Get(_ context.Context, databaseID int64, module, oldNumber string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[key{databaseID, module, oldNumber}]
	if !ok {
		return "", false, nil
	}
	return m.NewNumber, true, nil
}

// Lookup returns a copy of the stored entry.
func (s *Store) Lookup(_ context.Context, databaseID int64, module, oldNumber string) (mapping.Mapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[key{databaseID, module, oldNumber}]
	if !ok {
		return mapping.Mapping{}, false, nil
	}
	m.RawResponse = append([]byte(nil), m.RawResponse...)
	return m, true, nil
}

// Put upserts the mapping when the response carries r.number.
func (s *Store) Put(_ context.Context, databaseID int64, module, oldNumber string, rawResponse []byte) (bool, error) {
	newNumber, ok := mapping.NewNumber(rawResponse)
	if !ok {
		return false, nil
	}
	now := s.clock.Now()
	k := key{databaseID, module, oldNumber}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.mappings[k]
	if !exists {
		m = mapping.Mapping{DatabaseID: databaseID, Module: module, OldNumber: oldNumber, CreatedAt: now}
	}
	m.NewNumber = newNumber
	m.RawResponse = append([]byte(nil), rawResponse...)
	m.UpdatedAt = now
	s.mappings[k] = m
	return true, nil
}

// All returns a snapshot of every mapping.
func (s *Store) All() []mapping.Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mapping.Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	return out
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
