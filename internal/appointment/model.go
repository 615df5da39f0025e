package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Shadow ties a CRM event in one clinic to its downstream appointment and
// remembers what was last synced, so redeliveries can be recognized.
type Shadow struct {
	ID             uuid.UUID
	ClinicID       uuid.UUID
	EventID        string
	ContactID      string
	AptNum         *int64
	PatNum         *int64
	Status         string // downstream status
	Date           string
	StartTime      string
	EndTime        string
	Operatory      *int64
	CommlogCreated bool
	PopupCreated   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Matches reports whether the shadow already reflects this status and time.
func (s *Shadow) Matches(status, date, start, end string) bool {
	return s.Status == status && s.Date == date && s.StartTime == start && s.EndTime == end
}

type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
)
