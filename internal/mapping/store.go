// Package mapping keeps the durable event id -> downstream ids document that
// lets any worker, after any restart, find what an external event was
// synchronized into.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"
)

var ErrVersionConflict = errors.New("mapping document changed since it was read")

// Entry is what one external event was synchronized into.
type Entry struct {
	AptNum         int64     `json:"apt_num"`
	PatNum         int64     `json:"pat_num"`
	ClinicID       string    `json:"clinic_id"`
	LastSyncedDate string    `json:"last_synced_date"`
	ContactID      string    `json:"contact_id"`
	CalendarName   string    `json:"calendar_name"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Document is keyed by external event id.
type Document map[string]Entry

// Store persists the whole document. Version is opaque to callers: empty
// means the document does not exist yet, and Save only succeeds when the
// stored version still equals the one passed in.
type Store interface {
	Load(ctx context.Context) (doc Document, version string, err error)
	Save(ctx context.Context, doc Document, version string) (newVersion string, err error)
}

func decode(raw []byte) (Document, error) {
	doc := Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode mapping document: %w", err)
	}
	return doc, nil
}

// MemoryStore is a process-local Store with the same version semantics as
// the object storage backends.
type MemoryStore struct {
	mu      sync.Mutex
	doc     Document
	version int64
	loads   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Document, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.version == 0 {
		return Document{}, "", nil
	}
	return maps.Clone(s.doc), strconv.FormatInt(s.version, 10), nil
}

func (s *MemoryStore) Save(_ context.Context, doc Document, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := ""
	if s.version != 0 {
		current = strconv.FormatInt(s.version, 10)
	}
	if version != current {
		return "", ErrVersionConflict
	}
	s.doc = maps.Clone(doc)
	s.version++
	return strconv.FormatInt(s.version, 10), nil
}

// Loads counts Load calls, for cache tests.
func (s *MemoryStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}
