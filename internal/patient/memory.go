package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository mirrors the constraints of the patient_shadows table:
// unique (clinic, contact) and a write-once patient number.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Shadow
	byID map[uuid.UUID]*Shadow
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows: make(map[string]*Shadow),
		byID: make(map[uuid.UUID]*Shadow),
	}
}

func memKey(clinicID uuid.UUID, contactID string) string {
	return clinicID.String() + "/" + contactID
}

func (r *MemoryRepository) Reserve(_ context.Context, id Identity) (*Shadow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(id.ClinicID, id.ContactID)
	if s, ok := r.rows[k]; ok {
		cp := *s
		return &cp, nil
	}
	now := time.Now().UTC()
	s := &Shadow{
		ID:        uuid.New(),
		ClinicID:  id.ClinicID,
		ContactID: id.ContactID,
		FirstName: id.FirstName,
		LastName:  id.LastName,
		BirthDate: id.BirthDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.rows[k] = s
	r.byID[s.ID] = s
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) SetPatNum(_ context.Context, shadowID uuid.UUID, patNum int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[shadowID]
	if !ok {
		return 0, ErrShadowNotFound
	}
	if s.PatNum != nil {
		return *s.PatNum, nil
	}
	n := patNum
	s.PatNum = &n
	s.UpdatedAt = time.Now().UTC()
	return patNum, nil
}

func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *MemoryRepository) Get(clinicID uuid.UUID, contactID string) (*Shadow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[memKey(clinicID, contactID)]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}
