// Package tz converts stored UTC instants into viewer time zones and back,
// and resolves the effective zone for clinicians and clients.
package tz

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DayKeyLayout is the canonical yyyy-MM-dd layout used to index days.
const DayKeyLayout = "2006-01-02"

var ErrInvalidZone = errors.New("invalid time zone")

// Stored timestamps arrive either as RFC 3339 strings from JSON payloads or
// in the PostgreSQL text form.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999Z07",
}

// Load resolves an IANA zone identifier. Empty strings and "Local" are
// rejected so a server's own zone never leaks into a viewer's schedule.
func Load(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" || zone == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidZone, zone, err)
	}
	return loc, nil
}

// ToZone returns the same instant expressed in the given zone.
func ToZone(instant time.Time, zone string) (time.Time, error) {
	loc, err := Load(zone)
	if err != nil {
		return time.Time{}, err
	}
	return instant.In(loc), nil
}

// ToUTC returns the UTC instant of a zoned local time.
func ToUTC(local time.Time) time.Time {
	return local.UTC()
}

// ParseInstant parses a stored absolute timestamp and returns it in UTC.
func ParseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// DayKey returns the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayKeyLayout)
}

// ParseDay parses a day key as local midnight in loc.
func ParseDay(key string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DayKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", key, err)
	}
	return d, nil
}

// StartOfDay returns local midnight of the day containing t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}
