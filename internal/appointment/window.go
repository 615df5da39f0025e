package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/crm-appointment-sync/internal/crmtime"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// PatternUnit is the length of one pattern character.
const PatternUnit = 5 * time.Minute

// defaultLength applies to downstream appointments with an empty pattern.
const defaultLength = time.Hour

// Window is a half-open [Start, End) interval in the clinic's timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

// BuildWindow parses the event's date and clock strings in loc. An end
// earlier than the start is taken to be on the following day.
func BuildWindow(date, start, end string, loc *time.Location) (Window, error) {
	s, err := crmtime.At(date, start, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: start: %w", syncerr.ErrValidation, err)
	}
	e, err := crmtime.At(date, end, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: end: %w", syncerr.ErrValidation, err)
	}

	// length comes from the clock readings, so a DST shift inside the
	// window does not change the pattern
	ws, we := wallClock(s), wallClock(e)
	if we.Before(ws) {
		we = we.AddDate(0, 0, 1)
	}
	d := we.Sub(ws)
	if d <= 0 {
		return Window{}, fmt.Errorf("%w: appointment duration %s is not positive", syncerr.ErrValidation, d)
	}
	if d%PatternUnit != 0 {
		return Window{}, fmt.Errorf("%w: appointment duration %s is not a multiple of 5 minutes", syncerr.ErrValidation, d)
	}
	return Window{Start: s, End: s.Add(d)}, nil
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Pattern encodes the duration as one "X" per 5 minutes.
func (w Window) Pattern() string {
	return strings.Repeat("X", int(w.Duration()/PatternUnit))
}

func (w Window) AptDateTime() string { return w.Start.Format(opendental.AptDateTimeLayout) }

func (w Window) StartDay() string { return w.Start.Format("2006-01-02") }
func (w Window) EndDay() string   { return w.End.Format("2006-01-02") }

// Overlaps is the half-open interval test: touching windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// ExistingWindow reconstructs the window of a downstream appointment from
// its start time and pattern length.
func ExistingWindow(a opendental.Appointment, loc *time.Location) (Window, error) {
	start, err := time.ParseInLocation(opendental.AptDateTimeLayout, strings.TrimSpace(a.AptDateTime), loc)
	if err != nil {
		return Window{}, fmt.Errorf("appointment %d start %q: %w", a.AptNum, a.AptDateTime, err)
	}
	length := time.Duration(len(a.Pattern)) * PatternUnit
	if length == 0 {
		length = defaultLength
	}
	return Window{Start: start, End: start.Add(length)}, nil
}
