package weekview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicportal/portal/internal/platform/tz"
)

const (
	DefaultWeekDays = 7
	MaxWeekDays     = 31
)

// ErrInvalidRequest wraps caller input errors.
var ErrInvalidRequest = errors.New("weekview: invalid request")

// WeekRequest identifies one rendered week. It is comparable and is used as
// the live-week cache key.
type WeekRequest struct {
	ClinicianID uuid.UUID
	Start       string // yyyy-MM-dd in the resolved zone; empty means this week's Monday
	Days        int
	Viewer      tz.ViewerContext
}

func (r WeekRequest) normalized() (WeekRequest, error) {
	if r.ClinicianID == uuid.Nil {
		return r, fmt.Errorf("%w: clinician id is required", ErrInvalidRequest)
	}
	if r.Days == 0 {
		r.Days = DefaultWeekDays
	}
	if r.Days < 1 || r.Days > MaxWeekDays {
		return r, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidRequest, MaxWeekDays)
	}
	r.Start = strings.TrimSpace(r.Start)
	r.Viewer.BrowserZone = strings.TrimSpace(r.Viewer.BrowserZone)
	return r, nil
}

type Service struct {
	availability AvailabilityRepository
	appointments AppointmentRepository
	external     ExternalEventRepository
	clients      ClientDirectory
	zones        *tz.Resolver
	fallback     TimeRange
	now          func() time.Time
	logger       zerolog.Logger
}

// NewService wires the week builder. clients may be nil, in which case
// names come only from the appointment rows or the placeholder.
func NewService(avail AvailabilityRepository, appt AppointmentRepository, ext ExternalEventRepository,
	clients ClientDirectory, zones *tz.Resolver, fallback TimeRange, logger zerolog.Logger) *Service {
	if fallback == (TimeRange{}) {
		fallback = DefaultTimeRange
	}
	return &Service{
		availability: avail,
		appointments: appt,
		external:     ext,
		clients:      clients,
		zones:        zones,
		fallback:     fallback,
		now:          time.Now,
		logger:       logger.With().Str("component", "weekview").Logger(),
	}
}

// ResolveZone returns the zone a clinician's calendar renders in.
func (s *Service) ResolveZone(ctx context.Context, clinicianID uuid.UUID, viewer tz.ViewerContext) tz.Resolution {
	return s.zones.ForClinician(ctx, clinicianID, viewer)
}

// firstDay returns local midnight of the requested start day.
func (s *Service) firstDay(start string, loc *time.Location) (time.Time, error) {
	if start == "" {
		today := tz.StartOfDay(s.now(), loc)
		offset := (int(today.Weekday()) + 6) % 7
		return today.AddDate(0, 0, -offset), nil
	}
	d, err := tz.ParseDay(start, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d, nil
}

// PinStart replaces an empty Start with the Monday of the current week in
// the clinician's resolved zone.
func (s *Service) PinStart(ctx context.Context, req WeekRequest) (WeekRequest, error) {
	if strings.TrimSpace(req.Start) != "" {
		return req, nil
	}
	zone := s.zones.ForClinician(ctx, req.ClinicianID, req.Viewer)
	first, err := s.firstDay("", zone.Location)
	if err != nil {
		return req, err
	}
	req.Start = tz.DayKey(first, zone.Location)
	return req, nil
}

// BuildWeek fetches the three sources concurrently and reconciles them. A
// failed source yields an empty collection and an error flag on the view;
// only invalid input, cancellation or ErrReconcile fail the call.
func (s *Service) BuildWeek(ctx context.Context, req WeekRequest) (*WeekView, error) {
	req, err := req.normalized()
	if err != nil {
		return nil, err
	}
	zone := s.zones.ForClinician(ctx, req.ClinicianID, req.Viewer)
	first, err := s.firstDay(req.Start, zone.Location)
	if err != nil {
		return nil, err
	}
	days := WeekDays(first, req.Days, zone.Location)
	rangeEnd := first.AddDate(0, 0, req.Days)
	log := s.logger.With().Str("clinician_id", req.ClinicianID.String()).Str("week_start", string(days[0])).Logger()

	var (
		g        errgroup.Group
		errs     SourceErrors
		slots    []RecurringAvailabilitySlot
		appts    []AppointmentRecord
		external []ExternalEventRecord
	)
	g.Go(func() error {
		rows, err := s.availability.ListByClinician(ctx, req.ClinicianID)
		if err != nil {
			log.Warn().Err(err).Msg("availability fetch failed")
			errs.Availability = "availability could not be loaded"
			return nil
		}
		slots = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.appointments.ListInRange(ctx, req.ClinicianID, first, rangeEnd)
		if err != nil {
			log.Warn().Err(err).Msg("appointment fetch failed")
			errs.Appointments = "appointments could not be loaded"
			return nil
		}
		appts = rows
		return nil
	})
	g.Go(func() error {
		rows, err := s.fetchExternal(ctx, req.ClinicianID, first, rangeEnd)
		if err != nil {
			log.Warn().Err(err).Msg("external event fetch failed")
			errs.External = "external calendar events could not be loaded"
			return nil
		}
		external = rows
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := NameSources{Prefetched: s.prefetchNames(ctx, appts, log)}
	if s.clients != nil {
		names.Resolver = s.clients
	}

	return Reconcile(ctx, Inputs{
		ClinicianID:  req.ClinicianID.String(),
		Zone:         zone,
		Days:         days,
		Availability: slots,
		Appointments: appts,
		External:     external,
		Names:        names,
		Errors:       errs,
		Fallback:     s.fallback,
		Now:          s.now(),
	}, log)
}

func (s *Service) fetchExternal(ctx context.Context, clinicianID uuid.UUID, start, end time.Time) ([]ExternalEventRecord, error) {
	ids, err := s.external.ConnectionIDs(ctx, clinicianID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.external.ListInRange(ctx, ids, start, end)
}

// prefetchNames batch-loads names for rows that carry no name of their own.
// Failures leave the map empty and the per-row resolver takes over.
func (s *Service) prefetchNames(ctx context.Context, appts []AppointmentRecord, log zerolog.Logger) map[uuid.UUID]string {
	if s.clients == nil {
		return nil
	}
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, a := range appts {
		if a.ClientID == nil || a.Category == CategoryInternalBlock {
			continue
		}
		if a.ClientName != nil && strings.TrimSpace(*a.ClientName) != "" {
			continue
		}
		if a.Client != nil && strings.TrimSpace(a.Client.Name) != "" {
			continue
		}
		if _, ok := seen[*a.ClientID]; ok {
			continue
		}
		seen[*a.ClientID] = struct{}{}
		ids = append(ids, *a.ClientID)
	}
	if len(ids) == 0 {
		return nil
	}
	names, err := s.clients.ClientNames(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Int("clients", len(ids)).Msg("client name prefetch failed")
		return nil
	}
	return names
}

// SlotState answers the point queries for one instant of a week.
type SlotState struct {
	Day       DayKey    `json:"day"`
	Instant   time.Time `json:"instant"`
	Available bool      `json:"available"`
	Block     *Block    `json:"block"`
	External  []Block   `json:"external"`
}

// SlotAt evaluates the point queries at a local wall-clock time on day.
func (w *WeekView) SlotAt(day DayKey, clock ClockTime) (SlotState, error) {
	if w.loc == nil {
		return SlotState{}, fmt.Errorf("%w: week has no zone", ErrReconcile)
	}
	d, err := tz.ParseDay(string(day), w.loc)
	if err != nil {
		return SlotState{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	instant := clock.on(d.Year(), d.Month(), d.Day(), w.loc)
	external := w.ExternalAtSlot(day, instant)
	if external == nil {
		external = []Block{}
	}
	return SlotState{
		Day:       day,
		Instant:   instant,
		Available: w.IsSlotAvailable(day, instant),
		Block:     w.BlockAtSlot(day, instant),
		External:  external,
	}, nil
}
