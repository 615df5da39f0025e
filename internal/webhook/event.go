// Package webhook admits inbound CRM appointment events into the sync queue.
package webhook

import (
	"bytes"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// Event is the body CRMs post to /webhook/{crm_type}/{clinic_id}.
type Event struct {
	EventID       string `json:"event_id"`
	ContactID     string `json:"contact_id"`
	Status        string `json:"status"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	BirthDate     string `json:"birth_date"`
	Gender        string `json:"gender,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Popup         string `json:"popup,omitempty"`
	CommLog       string `json:"commlog,omitempty"`
	CalendarID    string `json:"calendar_id"`
	WirelessPhone string `json:"wireless_phone,omitempty"`
	Email         string `json:"email,omitempty"`
	Address       string `json:"address,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// DedupKey identifies redeliveries of the same event for the same contact.
func (e Event) DedupKey() string {
	return e.EventID + ":" + e.ContactID
}

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://crm-appointment-sync.local/webhook/event.schema.json"

var eventSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(eventSchemaURL, bytes.NewReader(eventSchemaJSON)); err != nil {
		panic(fmt.Sprintf("load event schema: %v", err))
	}
	return c.MustCompile(eventSchemaURL)
}

// Decode validates body against the event schema and decodes it. Every
// failure wraps syncerr.ErrValidation.
func Decode(body []byte) (Event, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("%w: malformed json: %w", syncerr.ErrValidation, err)
	}
	if err := eventSchema.Validate(raw); err != nil {
		return Event{}, fmt.Errorf("%w: %w", syncerr.ErrValidation, err)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", syncerr.ErrValidation, err)
	}
	return ev, nil
}

// VerifySecret compares the X-Secret header with the configured secret in
// constant time. An empty expected secret disables the check.
func VerifySecret(expected, got string) error {
	if expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return syncerr.ErrUnauthorized
	}
	return nil
}
