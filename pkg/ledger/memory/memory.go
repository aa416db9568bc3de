// Package memory provides an in-memory implementation of ledger.Store for
// tests, the CLI run command and single-process deployments. Records are
// lost when the process restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/omega/pkg/api"
	"github.com/rhuss/omega/pkg/ledger"
)

// Store is an in-memory ledger. All reads return copies so callers never
// alias stored records.
type Store struct {
	mu       sync.RWMutex
	scripts  map[string]*api.Script
	attempts map[string][]*api.ExecutionAttempt // script ID -> attempts ordered by number
	byID     map[string]*api.ExecutionAttempt
}

// Ensure Store implements ledger.Store at compile time.
var _ ledger.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		scripts:  make(map[string]*api.Script),
		attempts: make(map[string][]*api.ExecutionAttempt),
		byID:     make(map[string]*api.ExecutionAttempt),
	}
}

// CreateScript stores a copy of s.
func (s *Store) CreateScript(_ context.Context, sc *api.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scripts[sc.ID]; exists {
		return ledger.ErrConflict
	}
	cp := *sc
	s.scripts[sc.ID] = &cp
	return nil
}

// GetScript returns a copy of the script.
func (s *Store) GetScript(_ context.Context, id string) (*api.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scripts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

// UpdateScript applies upd to the stored script.
func (s *Store) UpdateScript(_ context.Context, id string, upd api.ScriptUpdate) (*api.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}

	// Work on a copy so a rejected transition leaves the record untouched.
	next := *sc
	if err := ledger.ApplyUpdate(&next, upd, time.Now()); err != nil {
		return nil, err
	}
	*sc = next
	cp := next
	return &cp, nil
}

// ClaimScript moves the script to running unless it is already active.
func (s *Store) ClaimScript(_ context.Context, id string) (*api.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	next := *sc
	if err := ledger.Claim(&next, time.Now()); err != nil {
		return nil, err
	}
	*sc = next
	cp := next
	return &cp, nil
}

// BeginAttempt opens the next attempt for the script.
func (s *Store) BeginAttempt(_ context.Context, scriptID, sandboxID string, startedAt time.Time) (*api.ExecutionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[scriptID]
	if !ok {
		return nil, ledger.ErrNotFound
	}

	trail := s.attempts[scriptID]
	if n := len(trail); n > 0 && trail[n-1].InFlight() {
		return nil, ledger.ErrAttemptInFlight
	}

	next := *sc
	if err := ledger.ApplyUpdate(&next, ledger.RunningUpdate(sc), startedAt); err != nil {
		return nil, err
	}

	a := &api.ExecutionAttempt{
		ID:        api.NewAttemptID(),
		ScriptID:  scriptID,
		Number:    len(trail) + 1,
		SandboxID: sandboxID,
		StartedAt: startedAt,
	}
	s.attempts[scriptID] = append(trail, a)
	s.byID[a.ID] = a
	*sc = next

	cp := *a
	return &cp, nil
}

// CompleteAttempt seals the attempt and updates its script.
func (s *Store) CompleteAttempt(_ context.Context, attemptID string, res api.AttemptResult, upd api.ScriptUpdate) (*api.ExecutionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[attemptID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	sc := s.scripts[a.ScriptID]

	sealed := *a
	if err := ledger.SealAttempt(&sealed, res); err != nil {
		return nil, err
	}
	next := *sc
	if err := ledger.ApplyUpdate(&next, upd, res.EndedAt); err != nil {
		return nil, err
	}

	*a = sealed
	*sc = next
	cp := sealed
	return &cp, nil
}

// ListAttempts returns copies of the script's attempts ordered by number.
func (s *Store) ListAttempts(_ context.Context, scriptID string) ([]*api.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scripts[scriptID]; !ok {
		return nil, ledger.ErrNotFound
	}

	trail := s.attempts[scriptID]
	out := make([]*api.ExecutionAttempt, len(trail))
	for i, a := range trail {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

// RecoverInterrupted seals open attempts and fails active scripts.
func (s *Store) RecoverInterrupted(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for id, sc := range s.scripts {
		if !sc.Status.Active() {
			continue
		}
		if trail := s.attempts[id]; len(trail) > 0 && trail[len(trail)-1].InFlight() {
			if err := ledger.SealAttempt(trail[len(trail)-1], ledger.InterruptedResult(now)); err != nil {
				return recovered, err
			}
		}
		if err := ledger.ApplyUpdate(sc, ledger.InterruptedUpdate(), now); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
