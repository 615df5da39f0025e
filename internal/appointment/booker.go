package appointment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/clinic"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// Request is one CRM appointment event, with the patient already resolved.
type Request struct {
	Clinic     *clinic.Clinic
	EventID    string
	ContactID  string
	PatNum     int64
	Status     string // as sent by the CRM
	Date       string
	StartTime  string
	EndTime    string
	CalendarID string
	Note       string
	CommLog    string
	Popup      string

	// KnownAptNum comes from the event mapping document and is adopted when
	// the local shadow has lost its appointment number.
	KnownAptNum *int64
}

type Result struct {
	Outcome   Outcome
	AptNum    int64
	Operatory int64
	Status    string
	Group     clinic.StatusGroup
	Window    Window
}

// Booker decides between create, update and no-op for an event and picks a
// free operatory for it.
type Booker struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewBooker(repo Repository, logger *zap.Logger) *Booker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Booker{repo: repo, logger: logger, now: time.Now}
}

// Book runs the booking state machine for req. When the downstream write
// succeeded but the local commit did not, the returned Result still carries
// the appointment number alongside the error.
func (b *Booker) Book(ctx context.Context, api opendental.API, req Request) (Result, error) {
	c := req.Clinic
	logger := b.logger.With(
		zap.String("clinic_id", c.ID.String()),
		zap.String("event_id", req.EventID),
	)

	status, known := NormalizeStatus(req.Status)
	if !known {
		logger.Warn("unknown crm status, booking as scheduled", zap.String("crm_status", req.Status))
	}
	group := GroupOf(status)

	shadow, existed, err := b.repo.Reserve(ctx, c.ID, req.EventID, req.ContactID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", syncerr.ErrPersistence, err)
	}

	if existed && shadow.AptNum != nil && shadow.Matches(status, req.Date, req.StartTime, req.EndTime) {
		logger.Info("event unchanged since last sync", zap.Int64("apt_num", *shadow.AptNum))
		res := Result{Outcome: OutcomeUnchanged, AptNum: *shadow.AptNum, Status: status, Group: group}
		if shadow.Operatory != nil {
			res.Operatory = *shadow.Operatory
		}
		return res, nil
	}

	if shadow.AptNum == nil && req.KnownAptNum != nil {
		logger.Info("adopting appointment number from event mapping", zap.Int64("apt_num", *req.KnownAptNum))
		n := *req.KnownAptNum
		shadow.AptNum = &n
	}

	loc, err := c.Location()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", syncerr.ErrValidation, err)
	}
	window, err := BuildWindow(req.Date, req.StartTime, req.EndTime, loc)
	if err != nil {
		return Result{}, err
	}

	candidates := c.Operatories.Candidates(req.CalendarID, group)
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: no %s operatories configured for calendar %q", syncerr.ErrNoSlotAvailable, group, req.CalendarID)
	}

	op, err := b.pickOperatory(ctx, api, candidates, group, window, shadow.AptNum, loc)
	if err != nil {
		return Result{}, err
	}

	write := opendental.AppointmentWrite{
		PatNum:      req.PatNum,
		AptDateTime: window.AptDateTime(),
		Pattern:     window.Pattern(),
		Op:          op,
		AptStatus:   status,
		Note:        req.Note,
	}
	if c.ProviderNum != nil {
		write.ProvNum = *c.ProviderNum
	}

	res := Result{Operatory: op, Status: status, Group: group, Window: window}
	if shadow.AptNum != nil {
		if err := api.UpdateAppointment(ctx, *shadow.AptNum, write); err != nil {
			return Result{}, fmt.Errorf("update appointment %d: %w", *shadow.AptNum, err)
		}
		res.Outcome = OutcomeUpdated
		res.AptNum = *shadow.AptNum
	} else {
		aptNum, err := api.CreateAppointment(ctx, write)
		if err != nil {
			return Result{}, fmt.Errorf("create appointment: %w", err)
		}
		res.Outcome = OutcomeCreated
		res.AptNum = aptNum
	}

	aptNum, patNum := res.AptNum, req.PatNum
	shadow.AptNum = &aptNum
	shadow.PatNum = &patNum
	shadow.Status = status
	shadow.Date = req.Date
	shadow.StartTime = req.StartTime
	shadow.EndTime = req.EndTime
	shadow.Operatory = &op
	if err := b.repo.Commit(ctx, shadow); err != nil {
		return res, fmt.Errorf("%w: %w", syncerr.ErrPersistence, err)
	}

	logger.Info("appointment committed",
		zap.String("outcome", string(res.Outcome)),
		zap.Int64("apt_num", res.AptNum),
		zap.Int64("operatory", op),
		zap.String("status", status),
	)

	b.sideEffects(ctx, api, shadow, req, logger)
	return res, nil
}

// pickOperatory walks candidates in priority order and returns the first
// one without an overlapping appointment. The cancelled operatory is never
// checked.
func (b *Booker) pickOperatory(ctx context.Context, api opendental.API, candidates []int64, group clinic.StatusGroup, w Window, ownAptNum *int64, loc *time.Location) (int64, error) {
	if group == clinic.GroupCancelled {
		return candidates[0], nil
	}

	for _, op := range candidates {
		existing, err := api.AppointmentsInOperatory(ctx, op, w.StartDay(), w.EndDay())
		if err != nil {
			return 0, fmt.Errorf("list appointments in operatory %d: %w", op, err)
		}
		if !b.occupied(existing, w, ownAptNum, loc) {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %d operatories busy %s to %s",
		syncerr.ErrNoSlotAvailable, len(candidates), w.AptDateTime(), w.End.Format(opendental.AptDateTimeLayout))
}

func (b *Booker) occupied(existing []opendental.Appointment, w Window, ownAptNum *int64, loc *time.Location) bool {
	for _, a := range existing {
		if ownAptNum != nil && a.AptNum == *ownAptNum {
			continue
		}
		ew, err := ExistingWindow(a, loc)
		if err != nil {
			// unreadable start time: assume it blocks the operatory
			b.logger.Warn("cannot read existing appointment", zap.Error(err))
			return true
		}
		if w.Overlaps(ew) {
			return true
		}
	}
	return false
}

func (b *Booker) sideEffects(ctx context.Context, api opendental.API, shadow *Shadow, req Request, logger *zap.Logger) {
	var commlogDone, popupDone bool

	if req.CommLog != "" && !shadow.CommlogCreated {
		err := api.CreateCommLog(ctx, opendental.CommLog{
			PatNum:       req.PatNum,
			CommDateTime: b.now().In(clinicLocation(req.Clinic)).Format(opendental.AptDateTimeLayout),
			Note:         req.CommLog,
		})
		if err != nil {
			logger.Warn("create commlog failed", zap.Error(err))
		} else {
			commlogDone = true
		}
	}

	if req.Popup != "" && !shadow.PopupCreated {
		if err := api.CreatePopup(ctx, opendental.Popup{PatNum: req.PatNum, Description: req.Popup}); err != nil {
			logger.Warn("create popup failed", zap.Error(err))
		} else {
			popupDone = true
		}
	}

	if commlogDone || popupDone {
		if err := b.repo.MarkSideEffects(ctx, shadow.ID, commlogDone, popupDone); err != nil {
			logger.Warn("record side effects failed", zap.Error(err))
		}
	}
}

func clinicLocation(c *clinic.Clinic) *time.Location {
	loc, err := c.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}
