package clinic

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/crm-appointment-sync/internal/opendental"
)

// StatusGroup selects which operatories an appointment may land in.
type StatusGroup string

const (
	GroupScheduled StatusGroup = "scheduled"
	GroupCompleted StatusGroup = "completed"
	GroupCancelled StatusGroup = "cancelled"
)

// CalendarOperatories lists the operatories of one CRM calendar, in
// priority order, per status group. Cancelled appointments all go to one
// fixed operatory.
type CalendarOperatories struct {
	Scheduled []int64 `json:"scheduled" yaml:"scheduled"`
	Completed []int64 `json:"completed,omitempty" yaml:"completed"`
	Cancelled int64   `json:"cancelled,omitempty" yaml:"cancelled"`
}

// OperatoryMap is keyed by CRM calendar id.
type OperatoryMap map[string]CalendarOperatories

// Candidates returns the operatories to try, in order, for an appointment
// of group on calendarID. Completed falls back to the scheduled list when
// the calendar declares none.
func (m OperatoryMap) Candidates(calendarID string, group StatusGroup) []int64 {
	cal, ok := m[calendarID]
	if !ok {
		return nil
	}

	switch group {
	case GroupCancelled:
		if cal.Cancelled == 0 {
			return nil
		}
		return []int64{cal.Cancelled}
	case GroupCompleted:
		if len(cal.Completed) > 0 {
			return cal.Completed
		}
		return cal.Scheduled
	default:
		return cal.Scheduled
	}
}

type Clinic struct {
	ID            uuid.UUID
	Name          string
	OwnerID       *uuid.UUID
	DSOID         *uuid.UUID
	CRMType       string
	Timezone      string
	Credentials   opendental.Credentials
	Operatories   OperatoryMap
	ProviderNum   *int64
	CRMLocationID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Location resolves the clinic timezone, UTC when unset.
func (c *Clinic) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clinic %s timezone %q: %w", c.ID, c.Timezone, err)
	}
	return loc, nil
}

// AcceptsCRM reports whether the clinic is registered for crmType.
func (c *Clinic) AcceptsCRM(crmType string) bool {
	return strings.EqualFold(strings.TrimSpace(c.CRMType), strings.TrimSpace(crmType))
}
