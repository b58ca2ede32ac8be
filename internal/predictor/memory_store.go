package predictor

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // caller → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assessments: make(map[string][]*Assessment)}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Factors = append([]string(nil), a.Factors...)
	s.assessments[a.Caller] = append(s.assessments[a.Caller], &cp)
	return nil
}

func (s *MemoryStore) ListByCaller(_ context.Context, caller string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[caller]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	out := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		cp.Factors = append([]string(nil), all[i].Factors...)
		out = append(out, &cp)
	}
	return out, nil
}
