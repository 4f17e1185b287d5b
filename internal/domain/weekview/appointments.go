package weekview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicportal/portal/internal/platform/tz"
)

const blockedDisplayName = "Blocked"

// NameResolver looks up a single client display name.
type NameResolver interface {
	ClientName(ctx context.Context, clientID uuid.UUID) (string, error)
}

// NameSources are consulted, in order, after the record's own name fields.
type NameSources struct {
	Prefetched map[uuid.UUID]string
	Resolver   NameResolver
}

// PlaceholderName is the generic name used when nothing else resolves.
func PlaceholderName(clientID uuid.UUID) string {
	return "Client " + clientID.String()
}

func (n NameSources) displayName(ctx context.Context, rec AppointmentRecord) string {
	if rec.ClientName != nil && strings.TrimSpace(*rec.ClientName) != "" {
		return strings.TrimSpace(*rec.ClientName)
	}
	if rec.Client != nil && strings.TrimSpace(rec.Client.Name) != "" {
		return strings.TrimSpace(rec.Client.Name)
	}
	if rec.ClientID == nil {
		return ""
	}
	if name := strings.TrimSpace(n.Prefetched[*rec.ClientID]); name != "" {
		return name
	}
	if n.Resolver != nil {
		if name, err := n.Resolver.ClientName(ctx, *rec.ClientID); err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return PlaceholderName(*rec.ClientID)
}

// parseInterval parses a stored start/end pair and checks start < end.
func parseInterval(startRaw, endRaw string) (time.Time, time.Time, error) {
	start, err := tz.ParseInstant(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_at: %w", err)
	}
	end, err := tz.ParseInstant(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_at: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start_at is not before end_at")
	}
	return start, end, nil
}

// BuildAppointmentBlocks converts appointment rows into viewer-zoned blocks
// keyed by the day each one starts on. Rows starting outside the visible days
// are dropped; malformed rows are logged and skipped.
func BuildAppointmentBlocks(ctx context.Context, records []AppointmentRecord, viewLoc *time.Location, visible DaySet, names NameSources, logger zerolog.Logger) DayBlocks {
	out := make(DayBlocks, len(visible))
	for _, rec := range records {
		start, end, err := parseInterval(rec.StartAt, rec.EndAt)
		if err != nil {
			logger.Warn().Err(err).Str("appointment_id", rec.ID.String()).Msg("skipping malformed appointment")
			continue
		}
		start, end = start.In(viewLoc), end.In(viewLoc)
		day := DayKey(tz.DayKey(start, viewLoc))
		if !visible.Has(day) {
			continue
		}

		b := Block{
			ID:          rec.ID.String(),
			Source:      SourceAppointment,
			Day:         day,
			Start:       start,
			End:         end,
			ClinicianID: rec.ClinicianID.String(),
			Category:    rec.Category,
			Status:      rec.Status,
		}
		if b.Category == "" {
			b.Category = CategorySession
		}
		if b.Category == CategoryInternalBlock {
			b.DisplayName = blockedDisplayName
		} else {
			if rec.ClientID != nil {
				b.ClientID = rec.ClientID.String()
			}
			b.DisplayName = names.displayName(ctx, rec)
		}
		out.add(b)
	}
	out.sortDays()
	return out
}
