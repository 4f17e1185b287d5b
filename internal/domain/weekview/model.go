package weekview

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxSlotsPerDay is the number of independently configurable availability
// windows per weekday.
const MaxSlotsPerDay = 3

// DayKey is a yyyy-MM-dd calendar day in the viewer's zone.
type DayKey string

// BlockSource tells which collection a block came from.
type BlockSource string

const (
	SourceAvailability BlockSource = "availability"
	SourceAppointment  BlockSource = "appointment"
	SourceExternal     BlockSource = "external"
)

// Category distinguishes client sessions from internal blocked time.
type Category string

const (
	CategorySession       Category = "session"
	CategoryInternalBlock Category = "internal_block"
)

// RecurringAvailabilitySlot maps to the clinician_availability table. Start
// and End are local wall-clock times ("15:04" or "15:04:05"); either may be nil.
type RecurringAvailabilitySlot struct {
	ClinicianID uuid.UUID    `db:"clinician_id" json:"clinician_id"`
	Weekday     time.Weekday `db:"day_of_week" json:"day_of_week"`
	SlotNumber  int          `db:"slot_number" json:"slot_number"`
	Start       *string      `db:"start_time" json:"start_time,omitempty"`
	End         *string      `db:"end_time" json:"end_time,omitempty"`
	TimeZone    string       `db:"time_zone" json:"time_zone,omitempty"`
}

// ClientRef is a client object attached to an appointment row.
type ClientRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// AppointmentRecord is a raw appointment row. Timestamps are kept as stored
// strings so one malformed row can be skipped without failing the batch.
type AppointmentRecord struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ClinicianID uuid.UUID  `db:"clinician_id" json:"clinician_id"`
	ClientID    *uuid.UUID `db:"client_id" json:"client_id,omitempty"`
	ClientName  *string    `db:"client_name" json:"client_name,omitempty"`
	Client      *ClientRef `json:"client,omitempty"`
	StartAt     string     `db:"start_at" json:"start_at"`
	EndAt       string     `db:"end_at" json:"end_at"`
	Category    Category   `db:"category" json:"category"`
	Status      string     `db:"status" json:"status"`
}

// ExternalEventRecord is a raw synced_event row mirrored from a third-party
// calendar.
type ExternalEventRecord struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ConnectionID  uuid.UUID  `db:"connection_id" json:"connection_id"`
	ExternalID    string     `db:"external_id" json:"external_id"`
	Summary       *string    `db:"summary" json:"summary,omitempty"`
	Description   *string    `db:"description" json:"description,omitempty"`
	Location      *string    `db:"location" json:"location,omitempty"`
	StartAt       string     `db:"start_at" json:"start_at"`
	EndAt         string     `db:"end_at" json:"end_at"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	SyncStatus    string     `db:"sync_status" json:"sync_status"`
}

// Block is the normalized, zoned interval used for availability windows,
// appointments and external events alike.
type Block struct {
	ID                  string      `json:"id"`
	Source              BlockSource `json:"source"`
	Day                 DayKey      `json:"day"`
	Start               time.Time   `json:"start"`
	End                 time.Time   `json:"end"`
	SlotNumber          int         `json:"slot_number,omitempty"`
	ClinicianID         string      `json:"clinician_id,omitempty"`
	ClientID            string      `json:"client_id,omitempty"`
	ConnectionID        string      `json:"connection_id,omitempty"`
	DisplayName         string      `json:"display_name,omitempty"`
	Category            Category    `json:"category,omitempty"`
	Status              string      `json:"status,omitempty"`
	ReadOnly            bool        `json:"read_only"`
	Description         *string     `json:"description"`
	Location            *string     `json:"location"`
	LinkedAppointmentID string      `json:"linked_appointment_id,omitempty"`
	SyncStatus          string      `json:"sync_status,omitempty"`
}

// Contains reports whether instant falls in the half-open range [Start, End).
func (b Block) Contains(instant time.Time) bool {
	return !instant.Before(b.Start) && instant.Before(b.End)
}

// Mutable reports whether the block may be offered to local mutation flows
// (reschedule, cancel, drag).
func (b Block) Mutable() bool {
	return b.Source == SourceAppointment && !b.ReadOnly
}

// DayBlocks indexes blocks by day.
type DayBlocks map[DayKey][]Block

// At returns the first block on day whose [Start, End) contains instant.
func (d DayBlocks) At(day DayKey, instant time.Time) *Block {
	for _, b := range d[day] {
		if b.Contains(instant) {
			found := b
			return &found
		}
	}
	return nil
}

// AllAt returns every block on day containing instant.
func (d DayBlocks) AllAt(day DayKey, instant time.Time) []Block {
	var out []Block
	for _, b := range d[day] {
		if b.Contains(instant) {
			out = append(out, b)
		}
	}
	return out
}

// Count returns the total number of blocks across all days.
func (d DayBlocks) Count() int {
	n := 0
	for _, blocks := range d {
		n += len(blocks)
	}
	return n
}

func (d DayBlocks) add(b Block) {
	d[b.Day] = append(d[b.Day], b)
}

func (d DayBlocks) sortDays() {
	for day := range d {
		blocks := d[day]
		sort.SliceStable(blocks, func(i, j int) bool {
			if !blocks[i].Start.Equal(blocks[j].Start) {
				return blocks[i].Start.Before(blocks[j].Start)
			}
			return blocks[i].SlotNumber < blocks[j].SlotNumber
		})
	}
}

// DaySet is the set of visible days.
type DaySet map[DayKey]struct{}

func NewDaySet(days []DayKey) DaySet {
	s := make(DaySet, len(days))
	for _, d := range days {
		s[d] = struct{}{}
	}
	return s
}

func (s DaySet) Has(d DayKey) bool {
	_, ok := s[d]
	return ok
}

// WeekDays returns n consecutive day keys starting at the day containing
// start in loc. Calendar arithmetic keeps DST days at their true length.
func WeekDays(start time.Time, n int, loc *time.Location) []DayKey {
	l := start.In(loc)
	first := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	days := make([]DayKey, 0, n)
	for i := 0; i < n; i++ {
		days = append(days, DayKey(first.AddDate(0, 0, i).Format("2006-01-02")))
	}
	return days
}

// ClockTime is a local wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock parses "15:04" or "15:04:05".
func ParseClock(s string) (ClockTime, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("invalid clock time %q", s)
}

func (c ClockTime) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

func (c ClockTime) on(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, c.Hour, c.Minute, c.Second, 0, loc)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}
