package weekview

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicportal/portal/internal/platform/tz"
)

const externalBusyName = "Busy"

// MergeExternalEvents converts synced calendar events into read-only blocks.
// They are never offered as targets for local mutation.
func MergeExternalEvents(records []ExternalEventRecord, viewLoc *time.Location, visible DaySet, logger zerolog.Logger) DayBlocks {
	out := make(DayBlocks, len(visible))
	for _, rec := range records {
		start, end, err := parseInterval(rec.StartAt, rec.EndAt)
		if err != nil {
			logger.Warn().Err(err).Str("event_id", rec.ID.String()).Str("external_id", rec.ExternalID).Msg("skipping malformed external event")
			continue
		}
		start, end = start.In(viewLoc), end.In(viewLoc)
		day := DayKey(tz.DayKey(start, viewLoc))
		if !visible.Has(day) {
			continue
		}

		b := Block{
			ID:           rec.ID.String(),
			Source:       SourceExternal,
			Day:          day,
			Start:        start,
			End:          end,
			ConnectionID: rec.ConnectionID.String(),
			DisplayName:  externalBusyName,
			ReadOnly:     true,
			Description:  optionalText(rec.Description),
			Location:     optionalText(rec.Location),
			SyncStatus:   rec.SyncStatus,
		}
		if s := optionalText(rec.Summary); s != nil {
			b.DisplayName = *s
		}
		if rec.AppointmentID != nil {
			b.LinkedAppointmentID = rec.AppointmentID.String()
		}
		out.add(b)
	}
	out.sortDays()
	return out
}

// optionalText returns nil for missing or blank values.
func optionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
