// Package opendentaltest provides an in-memory opendental.API for tests.
package opendentaltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// Fake keeps patients and per-operatory appointments in memory and counts
// every call by operation name.
type Fake struct {
	mu           sync.Mutex
	patients     []opendental.PatientRecord
	appointments map[int64][]opendental.Appointment
	commLogs     []opendental.CommLog
	popups       []opendental.Popup
	nextPatNum   int64
	nextAptNum   int64
	calls        map[string]int
	errs         map[string]error

	// SearchDelay slows SearchPatients down to widen race windows.
	SearchDelay time.Duration
	// ScanDelay slows AppointmentsInOperatory the same way.
	ScanDelay time.Duration
}

func NewFake() *Fake {
	return &Fake{
		appointments: make(map[int64][]opendental.Appointment),
		calls:        make(map[string]int),
		errs:         make(map[string]error),
		nextPatNum:   100,
		nextAptNum:   500,
	}
}

// FailWith makes every call to op return err until cleared with a nil err.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

func (f *Fake) AddPatient(p opendental.PatientRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patients = append(f.patients, p)
}

// Book places an existing appointment in an operatory.
func (f *Fake) Book(op int64, a opendental.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Op = op
	f.appointments[op] = append(f.appointments[op], a)
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) Patients() []opendental.PatientRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opendental.PatientRecord(nil), f.patients...)
}

func (f *Fake) InOperatory(op int64) []opendental.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opendental.Appointment(nil), f.appointments[op]...)
}

func (f *Fake) CommLogs() []opendental.CommLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opendental.CommLog(nil), f.commLogs...)
}

func (f *Fake) Popups() []opendental.Popup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opendental.Popup(nil), f.popups...)
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) SearchPatients(ctx context.Context, lastName, birthDate string) ([]opendental.PatientRecord, error) {
	if err := wait(ctx, f.SearchDelay); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("search_patients"); err != nil {
		return nil, err
	}
	var out []opendental.PatientRecord
	for _, p := range f.patients {
		if p.LName == lastName && p.Birthdate == birthDate {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) CreatePatient(_ context.Context, p opendental.NewPatient) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_patient"); err != nil {
		return 0, err
	}
	f.nextPatNum++
	f.patients = append(f.patients, opendental.PatientRecord{
		PatNum:    f.nextPatNum,
		LName:     p.LName,
		FName:     p.FName,
		Birthdate: p.Birthdate,
	})
	return f.nextPatNum, nil
}

func (f *Fake) AppointmentsInOperatory(ctx context.Context, op int64, dateStart, dateEnd string) ([]opendental.Appointment, error) {
	if err := wait(ctx, f.ScanDelay); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("list_appointments"); err != nil {
		return nil, err
	}
	var out []opendental.Appointment
	for _, a := range f.appointments[op] {
		if len(a.AptDateTime) < 10 {
			continue
		}
		day := a.AptDateTime[:10]
		if day >= dateStart && day <= dateEnd {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *Fake) CreateAppointment(_ context.Context, a opendental.AppointmentWrite) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_appointment"); err != nil {
		return 0, err
	}
	f.nextAptNum++
	f.appointments[a.Op] = append(f.appointments[a.Op], opendental.Appointment{
		AptNum:      f.nextAptNum,
		PatNum:      a.PatNum,
		AptDateTime: a.AptDateTime,
		Pattern:     a.Pattern,
		Op:          a.Op,
		AptStatus:   a.AptStatus,
	})
	return f.nextAptNum, nil
}

func (f *Fake) UpdateAppointment(_ context.Context, aptNum int64, a opendental.AppointmentWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("update_appointment"); err != nil {
		return err
	}
	for op, list := range f.appointments {
		for i, existing := range list {
			if existing.AptNum != aptNum {
				continue
			}
			f.appointments[op] = append(list[:i:i], list[i+1:]...)
			existing.AptDateTime = a.AptDateTime
			existing.Pattern = a.Pattern
			existing.Op = a.Op
			existing.AptStatus = a.AptStatus
			f.appointments[a.Op] = append(f.appointments[a.Op], existing)
			return nil
		}
	}
	return fmt.Errorf("appointment %d: %w", aptNum, syncerr.ErrDownstreamRejected)
}

func (f *Fake) CreateCommLog(_ context.Context, c opendental.CommLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_commlog"); err != nil {
		return err
	}
	f.commLogs = append(f.commLogs, c)
	return nil
}

func (f *Fake) CreatePopup(_ context.Context, p opendental.Popup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_popup"); err != nil {
		return err
	}
	f.popups = append(f.popups, p)
	return nil
}
