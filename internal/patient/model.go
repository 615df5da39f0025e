package patient

import (
	"time"

	"github.com/google/uuid"
)

// Shadow ties a CRM contact in one clinic to its downstream patient. PatNum
// stays nil until resolution succeeds and never changes afterwards.
type Shadow struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	ContactID string
	PatNum    *int64
	FirstName string
	LastName  string
	BirthDate string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity is the patient described by an inbound event.
type Identity struct {
	ClinicID  uuid.UUID
	ContactID string
	FirstName string
	LastName  string
	BirthDate string
	Gender    string
	Email     string
	Phone     string
	Address   string
}
