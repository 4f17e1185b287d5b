package weekview

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicportal/portal/internal/platform/tz"
)

// SlotWindow is one cell of the weekly availability table. A window with
// only one end populated is treated as absent.
type SlotWindow struct {
	Start    *ClockTime
	End      *ClockTime
	Location *time.Location // nil means the view zone
}

// Complete reports whether both ends are populated.
func (w SlotWindow) Complete() bool {
	return w.Start != nil && w.End != nil
}

// WeeklyAvailability is indexed by [time.Weekday][slotNumber-1].
type WeeklyAvailability [7][MaxSlotsPerDay]SlotWindow

// Window returns the cell for a weekday and 1-based slot number.
func (w *WeeklyAvailability) Window(day time.Weekday, slot int) (SlotWindow, bool) {
	if day < time.Sunday || day > time.Saturday || slot < 1 || slot > MaxSlotsPerDay {
		return SlotWindow{}, false
	}
	return w[day][slot-1], true
}

// NewWeeklyAvailability builds the table from stored rows. Rows outside the
// table shape or with start >= end are skipped and logged.
func NewWeeklyAvailability(rows []RecurringAvailabilitySlot, logger zerolog.Logger) WeeklyAvailability {
	var table WeeklyAvailability
	for _, row := range rows {
		if row.Weekday < time.Sunday || row.Weekday > time.Saturday {
			logger.Warn().Str("clinician_id", row.ClinicianID.String()).Int("day_of_week", int(row.Weekday)).Msg("skipping availability row with invalid weekday")
			continue
		}
		if row.SlotNumber < 1 || row.SlotNumber > MaxSlotsPerDay {
			logger.Warn().Str("clinician_id", row.ClinicianID.String()).Int("slot_number", row.SlotNumber).Msg("skipping availability row with invalid slot number")
			continue
		}

		w := SlotWindow{
			Start: parseOptionalClock(row.Start, "start", row, logger),
			End:   parseOptionalClock(row.End, "end", row, logger),
		}
		if w.Complete() && w.Start.seconds() >= w.End.seconds() {
			logger.Warn().
				Str("clinician_id", row.ClinicianID.String()).
				Str("weekday", row.Weekday.String()).
				Int("slot_number", row.SlotNumber).
				Msg("skipping availability row with start not before end")
			continue
		}
		if row.TimeZone != "" {
			loc, err := tz.Load(row.TimeZone)
			if err != nil {
				logger.Warn().Err(err).Str("clinician_id", row.ClinicianID.String()).Msg("availability row zone invalid, using view zone")
			} else {
				w.Location = loc
			}
		}
		table[row.Weekday][row.SlotNumber-1] = w
	}
	return table
}

func parseOptionalClock(raw *string, field string, row RecurringAvailabilitySlot, logger zerolog.Logger) *ClockTime {
	if raw == nil || *raw == "" {
		return nil
	}
	c, err := ParseClock(*raw)
	if err != nil {
		logger.Warn().Err(err).
			Str("clinician_id", row.ClinicianID.String()).
			Int("slot_number", row.SlotNumber).
			Str("field", field).
			Msgf("unparseable availability %s time, treating slot as absent", field)
		return nil
	}
	return &c
}

// ExpandAvailability turns the weekly table into concrete intervals for the
// given days. Each complete window is anchored on the target date in its own
// zone, converted to viewLoc and keyed by the day its start falls on.
// Overlapping windows are passed through unmerged.
func ExpandAvailability(table *WeeklyAvailability, days []DayKey, viewLoc *time.Location) DayBlocks {
	out := make(DayBlocks, len(days))
	if table == nil || viewLoc == nil {
		return out
	}
	visible := NewDaySet(days)
	expanded := make(DaySet, len(days))

	for _, day := range days {
		if expanded.Has(day) {
			continue
		}
		expanded[day] = struct{}{}

		date, err := tz.ParseDay(string(day), viewLoc)
		if err != nil {
			continue
		}
		for slot := 1; slot <= MaxSlotsPerDay; slot++ {
			w, _ := table.Window(date.Weekday(), slot)
			if !w.Complete() {
				continue
			}
			loc := viewLoc
			if w.Location != nil {
				loc = w.Location
			}
			start := w.Start.on(date.Year(), date.Month(), date.Day(), loc).In(viewLoc)
			end := w.End.on(date.Year(), date.Month(), date.Day(), loc).In(viewLoc)

			key := DayKey(tz.DayKey(start, viewLoc))
			if !visible.Has(key) {
				continue
			}
			out.add(Block{
				ID:         fmt.Sprintf("availability:%s:%d", day, slot),
				Source:     SourceAvailability,
				Day:        key,
				Start:      start,
				End:        end,
				SlotNumber: slot,
				ReadOnly:   true,
			})
		}
	}
	out.sortDays()
	return out
}
