// Package opendental is the client for the practice-management REST API the
// CRM events are synchronized into.
package opendental

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// AptDateTimeLayout is how the API reads and writes appointment start times.
const AptDateTimeLayout = "2006-01-02 15:04:05"

// Downstream appointment statuses.
const (
	StatusScheduled = "Scheduled"
	StatusComplete  = "Complete"
	StatusBroken    = "Broken"
)

// Credentials are the per-clinic keys and clinic number every request carries.
type Credentials struct {
	DeveloperKey string `json:"developer_key"`
	CustomerKey  string `json:"customer_key"`
	ClinicNum    int64  `json:"clinic_num"`
}

type PatientRecord struct {
	PatNum    int64  `json:"PatNum"`
	LName     string `json:"LName"`
	FName     string `json:"FName"`
	Birthdate string `json:"Birthdate"`
}

type NewPatient struct {
	LName         string `json:"LName"`
	FName         string `json:"FName"`
	Gender        string `json:"Gender,omitempty"`
	Birthdate     string `json:"Birthdate"`
	Address       string `json:"Address,omitempty"`
	WirelessPhone string `json:"WirelessPhone,omitempty"`
	Email         string `json:"Email,omitempty"`
	PriProv       int64  `json:"PriProv,omitempty"`
	ClinicNum     int64  `json:"ClinicNum,omitempty"`
}

type Appointment struct {
	AptNum      int64  `json:"AptNum"`
	PatNum      int64  `json:"PatNum"`
	AptDateTime string `json:"AptDateTime"`
	Pattern     string `json:"Pattern"`
	Op          int64  `json:"Op"`
	AptStatus   string `json:"AptStatus"`
}

// AppointmentWrite is the body of both create and update calls. PatNum is
// ignored by updates.
type AppointmentWrite struct {
	PatNum      int64  `json:"PatNum,omitempty"`
	AptDateTime string `json:"AptDateTime"`
	Pattern     string `json:"Pattern"`
	Op          int64  `json:"Op"`
	AptStatus   string `json:"AptStatus"`
	Note        string `json:"Note,omitempty"`
	ProvNum     int64  `json:"ProvNum,omitempty"`
	ClinicNum   int64  `json:"ClinicNum,omitempty"`
}

type CommLog struct {
	PatNum       int64  `json:"PatNum"`
	CommDateTime string `json:"CommDateTime,omitempty"`
	Note         string `json:"Note"`
}

type Popup struct {
	PatNum      int64  `json:"PatNum"`
	Description string `json:"Description"`
	PopupLevel  string `json:"PopupLevel,omitempty"`
}

// API is the set of downstream operations the sync pipeline needs, already
// scoped to one clinic.
type API interface {
	SearchPatients(ctx context.Context, lastName, birthDate string) ([]PatientRecord, error)
	CreatePatient(ctx context.Context, p NewPatient) (int64, error)
	AppointmentsInOperatory(ctx context.Context, op int64, dateStart, dateEnd string) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a AppointmentWrite) (int64, error)
	UpdateAppointment(ctx context.Context, aptNum int64, a AppointmentWrite) error
	CreateCommLog(ctx context.Context, c CommLog) error
	CreatePopup(ctx context.Context, p Popup) error
}

// StatusError is a non-2xx answer. 429 and 5xx unwrap to
// syncerr.ErrDownstreamTransient, every other status to
// syncerr.ErrDownstreamRejected.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == 429 || e.Code >= 500 {
		return syncerr.ErrDownstreamTransient
	}
	return syncerr.ErrDownstreamRejected
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
