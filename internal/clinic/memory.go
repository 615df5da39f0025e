package clinic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps clinics in a map. Used by tests and the simulate
// command's dry-run mode.
type MemoryRepository struct {
	mu      sync.RWMutex
	clinics map[uuid.UUID]Clinic
}

func NewMemoryRepository(clinics ...Clinic) *MemoryRepository {
	r := &MemoryRepository{clinics: make(map[uuid.UUID]Clinic, len(clinics))}
	for _, c := range clinics {
		r.clinics[c.ID] = c
	}
	return r
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clinics[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Clinic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Clinic, 0, len(r.clinics))
	for _, c := range r.clinics {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, c *Clinic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.clinics[c.ID] = *c
	return nil
}
