package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/models"
)

var _ interfaces.FlowStore = (*MemoryFlowStore)(nil)

// MemoryFlowStore keeps flows in process memory. It honors the same Create and
// CompareAndSwap contract as the SQL stores but is only durable for the life
// of the process.
type MemoryFlowStore struct {
	mu      sync.RWMutex
	current map[int64]*models.AuthorizationFlow
	byRef   map[string]*models.AuthorizationFlow
	history []*models.AuthorizationFlow
	now     func() time.Time
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		current: make(map[int64]*models.AuthorizationFlow),
		byRef:   make(map[string]*models.AuthorizationFlow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryFlowStore) Create(ctx context.Context, flow *models.AuthorizationFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.current[flow.ProposalID]; ok && !cur.State.IsTerminal() {
		return fmt.Errorf("proposal %d: %w", flow.ProposalID, models.ErrConflict)
	}

	now := s.now()
	stored := flow.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.current[flow.ProposalID] = stored
	s.history = append(s.history, stored)
	if stored.ExternalReference != "" {
		s.byRef[stored.ExternalReference] = stored
	}

	flow.Version = stored.Version
	flow.CreatedAt = now
	flow.UpdatedAt = now
	return nil
}

func (s *MemoryFlowStore) Get(ctx context.Context, proposalID int64) (*models.AuthorizationFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.current[proposalID]
	if !ok {
		return nil, fmt.Errorf("proposal %d: %w", proposalID, models.ErrNotFound)
	}
	return cur.Clone(), nil
}

func (s *MemoryFlowStore) GetByExternalReference(ctx context.Context, externalReference string) (*models.AuthorizationFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.byRef[externalReference]
	if !ok {
		return nil, fmt.Errorf("reference %q: %w", externalReference, models.ErrNotFound)
	}
	return f.Clone(), nil
}

func (s *MemoryFlowStore) CompareAndSwap(ctx context.Context, proposalID int64, expectedVersion int64, next *models.AuthorizationFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.current[proposalID]
	if !ok {
		return fmt.Errorf("proposal %d: %w", proposalID, models.ErrNotFound)
	}
	if cur.FlowID != next.FlowID || cur.Version != expectedVersion {
		return &models.VersionConflictError{ProposalID: proposalID, ExpectedVersion: expectedVersion}
	}

	if cur.ExternalReference != "" && cur.ExternalReference != next.ExternalReference {
		delete(s.byRef, cur.ExternalReference)
	}

	// Mutate in place so the history slice keeps pointing at the live record.
	*cur = *next
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = s.now()
	if cur.ExternalReference != "" {
		s.byRef[cur.ExternalReference] = cur
	}

	next.Version = cur.Version
	next.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *MemoryFlowStore) ListStale(ctx context.Context, state models.FlowState, updatedBefore time.Time, limit int) ([]*models.AuthorizationFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuthorizationFlow
	for _, f := range s.current {
		if f.State == state && f.UpdatedAt.Before(updatedBefore) {
			out = append(out, f.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns every flow ever created for the proposal, oldest first.
func (s *MemoryFlowStore) History(proposalID int64) []*models.AuthorizationFlow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuthorizationFlow
	for _, f := range s.history {
		if f.ProposalID == proposalID {
			out = append(out, f.Clone())
		}
	}
	return out
}
