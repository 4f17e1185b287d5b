package tz

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Source names where a resolved zone came from.
type Source string

const (
	SourceBrowser Source = "browser"
	SourceStored  Source = "stored"
	SourceLegacy  Source = "legacy"
	SourceDefault Source = "default"
)

// ZoneRecord is the stored time zone state of a clinician. Legacy holds the
// old multi-value field, which is only consulted when Zone is empty.
type ZoneRecord struct {
	Zone   string
	Legacy []string
}

// ZoneStore reads and repairs stored time zones.
type ZoneStore interface {
	ClinicianZone(ctx context.Context, clinicianID uuid.UUID) (ZoneRecord, error)
	ClientZone(ctx context.Context, clientID uuid.UUID) (string, error)
	RepairClinicianZone(ctx context.Context, clinicianID uuid.UUID, zone string) error
}

// ViewerContext describes who is looking at a calendar.
type ViewerContext struct {
	BrowserZone string
	OwnCalendar bool
}

// Resolution is a resolved zone. Location is never nil.
type Resolution struct {
	Location *time.Location
	Source   Source
}

func (r Resolution) Name() string { return r.Location.String() }

// Resolver resolves effective zones. Storage failures never reach the
// caller; they degrade to the fixed default zone.
type Resolver struct {
	store    ZoneStore
	fallback *time.Location
	logger   zerolog.Logger
}

// NewResolver creates a Resolver. store may be nil, in which case only the
// browser zone and the default zone are used.
func NewResolver(store ZoneStore, defaultZone string, logger zerolog.Logger) (*Resolver, error) {
	loc, err := Load(defaultZone)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		fallback: loc,
		logger:   logger.With().Str("component", "tz").Logger(),
	}, nil
}

// Default returns the fixed default zone.
func (r *Resolver) Default() *time.Location { return r.fallback }

func (r *Resolver) defaulted() Resolution {
	return Resolution{Location: r.fallback, Source: SourceDefault}
}

// ForClinician resolves the zone a clinician's calendar is rendered in.
func (r *Resolver) ForClinician(ctx context.Context, clinicianID uuid.UUID, viewer ViewerContext) Resolution {
	if viewer.OwnCalendar && viewer.BrowserZone != "" {
		loc, err := Load(viewer.BrowserZone)
		if err == nil {
			return Resolution{Location: loc, Source: SourceBrowser}
		}
		r.logger.Debug().Err(err).Str("clinician_id", clinicianID.String()).Msg("ignoring browser zone")
	}

	if r.store == nil {
		return r.defaulted()
	}

	rec, err := r.store.ClinicianZone(ctx, clinicianID)
	if err != nil {
		r.logger.Warn().Err(err).Str("clinician_id", clinicianID.String()).Msg("clinician zone lookup failed, using default")
		return r.defaulted()
	}

	if strings.TrimSpace(rec.Zone) != "" {
		loc, err := Load(rec.Zone)
		if err == nil {
			return Resolution{Location: loc, Source: SourceStored}
		}
		r.logger.Warn().Err(err).Str("clinician_id", clinicianID.String()).Msg("stored clinician zone invalid, using default")
		return r.defaulted()
	}

	zone, ok := singleLegacyZone(rec.Legacy)
	if !ok {
		return r.defaulted()
	}
	loc, err := Load(zone)
	if err != nil {
		r.logger.Warn().Err(err).Str("clinician_id", clinicianID.String()).Msg("legacy clinician zone invalid, using default")
		return r.defaulted()
	}
	if err := r.store.RepairClinicianZone(ctx, clinicianID, zone); err != nil {
		r.logger.Warn().Err(err).Str("clinician_id", clinicianID.String()).Str("zone", zone).Msg("legacy zone repair failed")
	} else {
		r.logger.Info().Str("clinician_id", clinicianID.String()).Str("zone", zone).Msg("repaired clinician zone from legacy field")
	}
	return Resolution{Location: loc, Source: SourceLegacy}
}

// ForClient resolves a client's zone: stored value, else the default.
func (r *Resolver) ForClient(ctx context.Context, clientID uuid.UUID) Resolution {
	if r.store == nil {
		return r.defaulted()
	}
	zone, err := r.store.ClientZone(ctx, clientID)
	if err != nil {
		r.logger.Warn().Err(err).Str("client_id", clientID.String()).Msg("client zone lookup failed, using default")
		return r.defaulted()
	}
	if strings.TrimSpace(zone) == "" {
		return r.defaulted()
	}
	loc, err := Load(zone)
	if err != nil {
		r.logger.Warn().Err(err).Str("client_id", clientID.String()).Msg("stored client zone invalid, using default")
		return r.defaulted()
	}
	return Resolution{Location: loc, Source: SourceStored}
}

// singleLegacyZone returns the legacy value when exactly one distinct
// non-empty value is populated.
func singleLegacyZone(values []string) (string, bool) {
	var found string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if found != "" && found != v {
			return "", false
		}
		found = v
	}
	return found, found != ""
}
