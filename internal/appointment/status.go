package appointment

import (
	"strings"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
)

// NormalizeStatus maps a CRM status to the downstream appointment status.
// Unknown values map to Scheduled with known=false so callers can warn.
func NormalizeStatus(crmStatus string) (status string, known bool) {
	switch strings.ToLower(strings.TrimSpace(crmStatus)) {
	case "showed":
		return opendental.StatusComplete, true
	case "cancelled", "canceled":
		return opendental.StatusBroken, true
	case "confirmed", "booked", "":
		return opendental.StatusScheduled, true
	}
	return opendental.StatusScheduled, false
}

// GroupOf returns the operatory group a downstream status books into.
func GroupOf(status string) clinic.StatusGroup {
	switch status {
	case opendental.StatusBroken:
		return clinic.GroupCancelled
	case opendental.StatusComplete:
		return clinic.GroupCompleted
	}
	return clinic.GroupScheduled
}
