package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bastion/internal/idgen"
)

// Incident is one persisted guard incident: a blocked call, a cascade, or a
// circuit change.
type Incident struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Operation string         `json:"operation,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists incidents for the audit trail.
type Store interface {
	Record(ctx context.Context, inc *Incident) error
	List(ctx context.Context, limit int) ([]*Incident, error)
}

// maxMemoryIncidents bounds the in-memory store.
const maxMemoryIncidents = 1000

// MemoryStore keeps incidents in memory, newest first.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents []*Incident
}

// NewMemoryStore creates an in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inc
	s.incidents = append(s.incidents, &cp)
	if len(s.incidents) > maxMemoryIncidents {
		s.incidents = s.incidents[len(s.incidents)-maxMemoryIncidents:]
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.incidents)
	if limit > n {
		limit = n
	}
	out := make([]*Incident, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.incidents[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Recorder fans guard events out to the live hub and, best-effort, to the
// incident store. It is the sink handed to the guard.
type Recorder struct {
	store  Store
	hub    *Hub
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil store disables persistence.
func NewRecorder(store Store, hub *Hub, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, hub: hub, logger: logger}
}

// Publish broadcasts the event and persists it asynchronously. Persistence
// failures are logged, never surfaced: the guard decision already happened.
func (r *Recorder) Publish(event string, payload any) {
	r.hub.Publish(event, payload)

	if r.store == nil {
		return
	}

	inc := &Incident{
		ID:        idgen.WithPrefix("inc_"),
		Type:      event,
		CreatedAt: time.Now(),
	}
	if data, ok := payload.(map[string]any); ok {
		inc.Operation, _ = data["operation"].(string)
		inc.Caller, _ = data["caller"].(string)
		inc.Detail = data
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Record(ctx, inc); err != nil {
			r.logger.Warn("failed to persist incident", "type", event, "error", err)
		}
	}()
}
