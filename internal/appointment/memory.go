package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository mirrors the appointment_shadows table constraints.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Shadow

	// CommitErr, when set, is returned by Commit.
	CommitErr error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Shadow)}
}

func memKey(clinicID uuid.UUID, eventID string) string {
	return clinicID.String() + "/" + eventID
}

func clone(s *Shadow) *Shadow {
	cp := *s
	return &cp
}

func (r *MemoryRepository) Reserve(_ context.Context, clinicID uuid.UUID, eventID, contactID string) (*Shadow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(clinicID, eventID)
	if s, ok := r.rows[k]; ok {
		return clone(s), true, nil
	}
	now := time.Now().UTC()
	s := &Shadow{
		ID:        uuid.New(),
		ClinicID:  clinicID,
		EventID:   eventID,
		ContactID: contactID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.rows[k] = s
	return clone(s), false, nil
}

func (r *MemoryRepository) Get(_ context.Context, clinicID uuid.UUID, eventID string) (*Shadow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[memKey(clinicID, eventID)]
	if !ok {
		return nil, ErrShadowNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepository) Commit(_ context.Context, s *Shadow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CommitErr != nil {
		return r.CommitErr
	}
	cur, ok := r.rows[memKey(s.ClinicID, s.EventID)]
	if !ok || cur.ID != s.ID {
		return ErrShadowNotFound
	}
	cur.AptNum = s.AptNum
	cur.PatNum = s.PatNum
	cur.Status = s.Status
	cur.Date = s.Date
	cur.StartTime = s.StartTime
	cur.EndTime = s.EndTime
	cur.Operatory = s.Operatory
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) MarkSideEffects(_ context.Context, id uuid.UUID, commlog, popup bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.ID == id {
			s.CommlogCreated = s.CommlogCreated || commlog
			s.PopupCreated = s.PopupCreated || popup
			return nil
		}
	}
	return ErrShadowNotFound
}

func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
