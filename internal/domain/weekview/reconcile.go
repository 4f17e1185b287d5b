package weekview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicportal/portal/internal/platform/tz"
)

// ErrReconcile marks a render cycle that could not be computed. Previously
// published snapshots are unaffected.
var ErrReconcile = errors.New("weekview: reconciliation failed")

// TimeRange is an inclusive hour window for rendering.
type TimeRange struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// DefaultTimeRange is used when a week has no blocks in view.
var DefaultTimeRange = TimeRange{StartHour: 7, EndHour: 19}

// VisibleTimeRange pads the span of all appointment and availability blocks
// by one hour on each side, clamped to [0, 23]. A block ending on a later day
// than it started counts as ending at hour 24.
func VisibleTimeRange(appointments, availability DayBlocks, fallback TimeRange) TimeRange {
	minStart, maxEnd := 24, -1
	scan := func(d DayBlocks) {
		for _, blocks := range d {
			for _, b := range blocks {
				if h := b.Start.Hour(); h < minStart {
					minStart = h
				}
				end := b.End.Hour()
				if endsLaterDay(b) {
					end = 24
				}
				if end > maxEnd {
					maxEnd = end
				}
			}
		}
	}
	scan(appointments)
	scan(availability)
	if maxEnd < 0 {
		return fallback
	}
	return TimeRange{StartHour: clampHour(minStart - 1), EndHour: clampHour(maxEnd + 1)}
}

func endsLaterDay(b Block) bool {
	sy, sm, sd := b.Start.Date()
	ey, em, ed := b.End.In(b.Start.Location()).Date()
	return ey != sy || em != sm || ed != sd
}

func clampHour(h int) int {
	switch {
	case h < 0:
		return 0
	case h > 23:
		return 23
	}
	return h
}

// SourceErrors carries the per-source failure messages of one cycle. An
// empty field means the source loaded.
type SourceErrors struct {
	Availability string `json:"availability,omitempty"`
	Appointments string `json:"appointments,omitempty"`
	External     string `json:"external,omitempty"`
}

// Any reports whether at least one source failed.
func (e SourceErrors) Any() bool {
	return e.Availability != "" || e.Appointments != "" || e.External != ""
}

// WeekView is an immutable snapshot of one reconciled week. Callers must not
// modify its maps.
type WeekView struct {
	ClinicianID  string       `json:"clinician_id"`
	TimeZone     string       `json:"time_zone"`
	ZoneSource   tz.Source    `json:"time_zone_source"`
	Days         []DayKey     `json:"days"`
	Availability DayBlocks    `json:"availability"`
	Appointments DayBlocks    `json:"appointments"`
	External     DayBlocks    `json:"external"`
	Range        TimeRange    `json:"visible_range"`
	Errors       SourceErrors `json:"errors"`
	Partial      bool         `json:"partial"`
	Generation   uint64       `json:"generation"`
	ComputedAt   time.Time    `json:"computed_at"`

	loc *time.Location
}

// Location returns the zone the week was rendered in.
func (w *WeekView) Location() *time.Location {
	return w.loc
}

// IsSlotAvailable reports whether an availability window on day contains instant.
func (w *WeekView) IsSlotAvailable(day DayKey, instant time.Time) bool {
	return w.Availability.At(day, instant) != nil
}

// BlockAtSlot returns the appointment occupying instant on day, or nil.
func (w *WeekView) BlockAtSlot(day DayKey, instant time.Time) *Block {
	return w.Appointments.At(day, instant)
}

// ExternalAtSlot returns the external events covering instant on day.
func (w *WeekView) ExternalAtSlot(day DayKey, instant time.Time) []Block {
	return w.External.AllAt(day, instant)
}

// BlockCount is the number of appointment and external blocks on day.
// Records from different sources covering the same interval are both counted.
func (w *WeekView) BlockCount(day DayKey) int {
	return len(w.Appointments[day]) + len(w.External[day])
}

// Inputs is everything one render cycle reconciles.
type Inputs struct {
	ClinicianID  string
	Zone         tz.Resolution
	Days         []DayKey
	Availability []RecurringAvailabilitySlot
	Appointments []AppointmentRecord
	External     []ExternalEventRecord
	Names        NameSources
	Errors       SourceErrors
	Fallback     TimeRange
	Now          time.Time
}

// Reconcile merges the three sources into a WeekView. It does not modify
// its inputs. An unexpected failure is returned as ErrReconcile.
func Reconcile(ctx context.Context, in Inputs, logger zerolog.Logger) (view *WeekView, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("clinician_id", in.ClinicianID).Msg("week reconciliation panicked")
			view, err = nil, fmt.Errorf("%w: %v", ErrReconcile, r)
		}
	}()

	loc := in.Zone.Location
	if loc == nil {
		return nil, fmt.Errorf("%w: no time zone", ErrReconcile)
	}
	fallback := in.Fallback
	if fallback == (TimeRange{}) {
		fallback = DefaultTimeRange
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	days := append([]DayKey(nil), in.Days...)
	visible := NewDaySet(days)
	table := NewWeeklyAvailability(in.Availability, logger)

	avail := ExpandAvailability(&table, days, loc)
	appts := BuildAppointmentBlocks(ctx, in.Appointments, loc, visible, in.Names, logger)
	external := MergeExternalEvents(in.External, loc, visible, logger)

	return &WeekView{
		ClinicianID:  in.ClinicianID,
		TimeZone:     in.Zone.Name(),
		ZoneSource:   in.Zone.Source,
		Days:         days,
		Availability: avail,
		Appointments: appts,
		External:     external,
		Range:        VisibleTimeRange(appts, avail, fallback),
		Errors:       in.Errors,
		Partial:      in.Errors.Any(),
		ComputedAt:   now.UTC(),
		loc:          loc,
	}, nil
}
