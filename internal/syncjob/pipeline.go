// Package syncjob turns one admitted webhook event into downstream patient
// and appointment writes.
package syncjob

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/appointment"
	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/mapping"
	"github.com/hackgods/crm-appointment-sync/internal/notify"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/patient"
	"github.com/hackgods/crm-appointment-sync/internal/queue"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
	"github.com/hackgods/crm-appointment-sync/internal/webhook"
)

// APIFactory hands out a downstream client bound to one clinic's keys.
type APIFactory interface {
	ForClinic(creds opendental.Credentials) opendental.API
}

type Pipeline struct {
	clinics  clinic.Repository
	apis     APIFactory
	resolver *patient.Resolver
	booker   *appointment.Booker
	mappings *mapping.Cache
	notifier notify.Notifier
	ack      notify.Acknowledger
	logger   *zap.Logger
}

type Deps struct {
	Clinics  clinic.Repository
	APIs     APIFactory
	Resolver *patient.Resolver
	Booker   *appointment.Booker
	Mappings *mapping.Cache
	Notifier notify.Notifier
	Ack      notify.Acknowledger
}

func NewPipeline(d Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Ack == nil {
		d.Ack = notify.Nop{}
	}
	return &Pipeline{
		clinics:  d.Clinics,
		apis:     d.APIs,
		resolver: d.Resolver,
		booker:   d.Booker,
		mappings: d.Mappings,
		notifier: d.Notifier,
		ack:      d.Ack,
		logger:   logger,
	}
}

// stageError records which step of the pipeline failed, for failure
// notifications.
type stageError struct {
	entity string
	err    error
}

func (e *stageError) Error() string { return e.entity + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Handle is the queue.Handler of the sync worker.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	var payload webhook.JobPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrValidation, err)
	}
	ev := payload.Event

	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("event_id", ev.EventID),
		zap.String("clinic_id", payload.ClinicID.String()),
	)

	c, err := p.clinics.GetByID(ctx, payload.ClinicID)
	if err != nil {
		if errors.Is(err, clinic.ErrNotFound) {
			return fmt.Errorf("%w: %s", syncerr.ErrClinicNotFound, payload.ClinicID)
		}
		return fmt.Errorf("%w: load clinic: %w", syncerr.ErrPersistence, err)
	}
	api := p.apis.ForClinic(c.Credentials)

	patNum, err := p.resolver.Resolve(ctx, api, patient.Identity{
		ClinicID:  c.ID,
		ContactID: ev.ContactID,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
		BirthDate: ev.BirthDate,
		Gender:    ev.Gender,
		Email:     ev.Email,
		Phone:     ev.WirelessPhone,
		Address:   ev.Address,
	}, c.ProviderNum)
	if err != nil {
		return &stageError{entity: "Patient resolution", err: err}
	}

	var res appointment.Result
	err = p.mappings.WithEventLock(ctx, ev.EventID, func(ctx context.Context) error {
		req := appointment.Request{
			Clinic:     c,
			EventID:    ev.EventID,
			ContactID:  ev.ContactID,
			PatNum:     patNum,
			Status:     ev.Status,
			Date:       ev.Date,
			StartTime:  ev.StartTime,
			EndTime:    ev.EndTime,
			CalendarID: ev.CalendarID,
			Note:       ev.Notes,
			CommLog:    ev.CommLog,
			Popup:      ev.Popup,
		}

		entry, mapped, err := p.mappings.Get(ctx, ev.EventID)
		if err != nil {
			logger.Warn("event mapping unavailable", zap.Error(err))
		} else if mapped && entry.ClinicID == c.ID.String() && entry.AptNum != 0 {
			aptNum := entry.AptNum
			req.KnownAptNum = &aptNum
		}

		var bookErr error
		res, bookErr = p.booker.Book(ctx, api, req)
		if res.AptNum != 0 && (res.Outcome != appointment.OutcomeUnchanged || !mapped || entry.AptNum != res.AptNum) {
			p.recordMapping(ctx, logger, c, ev, patNum, res)
		}
		if bookErr != nil {
			entity := "Appointment creation"
			if req.KnownAptNum != nil {
				entity = "Appointment update"
			}
			return &stageError{entity: entity, err: bookErr}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("event synced",
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("pat_num", patNum),
		zap.Int64("apt_num", res.AptNum),
		zap.Int64("operatory", res.Operatory),
	)
	if res.Outcome != appointment.OutcomeUnchanged {
		p.ack.Acknowledge(ctx, ev.EventID, ev.UserID)
	}
	return nil
}

// recordMapping writes the event's downstream ids to the mapping document.
// A failed write is logged only: the shadow row remains the primary record.
func (p *Pipeline) recordMapping(ctx context.Context, logger *zap.Logger, c *clinic.Clinic, ev webhook.Event, patNum int64, res appointment.Result) {
	err := p.mappings.Update(ctx, ev.EventID, func(e *mapping.Entry) {
		e.AptNum = res.AptNum
		e.PatNum = patNum
		e.ClinicID = c.ID.String()
		e.ContactID = ev.ContactID
		e.CalendarName = ev.CalendarID
		e.LastSyncedDate = ev.Date
	})
	if err != nil {
		logger.Warn("event mapping not saved", zap.Error(err))
	}
}

// NotifyDeadLetter is the worker pool's dead-letter hook: it reports the
// failed event to the failure channel.
func (p *Pipeline) NotifyDeadLetter(ctx context.Context, job *queue.Job, cause error) {
	var payload webhook.JobPayload
	if err := job.Decode(&payload); err != nil {
		p.logger.Error("dead-lettered job has unreadable payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	entity := "Appointment sync"
	var se *stageError
	if errors.As(cause, &se) {
		entity = se.entity
	}
	ev := payload.Event
	p.notifier.NotifyFailure(ctx, notify.Failure{
		Entity:    entity,
		EventID:   ev.EventID,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
		BirthDate: ev.BirthDate,
		Start:     ev.Date + " " + ev.StartTime,
		End:       ev.Date + " " + ev.EndTime,
		User:      ev.UserID,
		Reason:    cause.Error(),
	})
}
