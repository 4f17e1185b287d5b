package weekview

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func strp(s string) *string { return &s }

func slotRow(clinician uuid.UUID, day time.Weekday, n int, start, end string) RecurringAvailabilitySlot {
	row := RecurringAvailabilitySlot{ClinicianID: clinician, Weekday: day, SlotNumber: n}
	if start != "" {
		row.Start = strp(start)
	}
	if end != "" {
		row.End = strp(end)
	}
	return row
}

func juneWeek(t *testing.T, loc *time.Location) []DayKey {
	t.Helper()
	return WeekDays(time.Date(2025, 6, 16, 0, 0, 0, 0, loc), 7, loc)
}

func TestWeekDays(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	days := juneWeek(t, loc)
	if len(days) != 7 {
		t.Fatalf("expected 7 days, got %d", len(days))
	}
	if days[0] != "2025-06-16" || days[6] != "2025-06-22" {
		t.Errorf("unexpected range %s..%s", days[0], days[6])
	}
}

func TestExpandAvailability_MondaySlot(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	id := uuid.New()
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{
		slotRow(id, time.Monday, 1, "09:00", "12:00"),
	}, zerolog.Nop())

	got := ExpandAvailability(&table, juneWeek(t, loc), loc)
	if got.Count() != 1 {
		t.Fatalf("expected 1 block, got %d", got.Count())
	}
	b := got["2025-06-16"][0]
	if b.Start.Hour() != 9 || b.End.Hour() != 12 {
		t.Errorf("expected 09:00-12:00, got %s-%s", b.Start.Format("15:04"), b.End.Format("15:04"))
	}
	if b.Start.Location() != loc {
		t.Errorf("expected block in view zone, got %s", b.Start.Location())
	}
	if b.Source != SourceAvailability || !b.ReadOnly || b.SlotNumber != 1 {
		t.Errorf("unexpected block metadata: %+v", b)
	}
}

func TestExpandAvailability_HalfPopulatedSlotAbsent(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	id := uuid.New()
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{
		slotRow(id, time.Tuesday, 1, "09:00", ""),
		slotRow(id, time.Wednesday, 2, "", "17:00"),
	}, zerolog.Nop())

	if got := ExpandAvailability(&table, juneWeek(t, loc), loc); got.Count() != 0 {
		t.Errorf("expected no blocks, got %d", got.Count())
	}
}

func TestExpandAvailability_OverlapsPassedThrough(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	id := uuid.New()
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{
		slotRow(id, time.Friday, 1, "09:00", "12:00"),
		slotRow(id, time.Friday, 2, "11:00", "13:00"),
		slotRow(id, time.Friday, 3, "14:00", "17:30"),
	}, zerolog.Nop())

	got := ExpandAvailability(&table, juneWeek(t, loc), loc)
	friday := got["2025-06-20"]
	if len(friday) != 3 {
		t.Fatalf("expected 3 unmerged blocks, got %d", len(friday))
	}
	for i, want := range []int{1, 2, 3} {
		if friday[i].SlotNumber != want {
			t.Errorf("block %d: expected slot %d, got %d", i, want, friday[i].SlotNumber)
		}
	}
}

func TestExpandAvailability_Idempotent(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	id := uuid.New()
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{
		slotRow(id, time.Monday, 1, "09:00", "12:00"),
		slotRow(id, time.Thursday, 2, "13:00:00", "18:15:00"),
	}, zerolog.Nop())
	days := juneWeek(t, loc)

	first := ExpandAvailability(&table, days, loc)
	second := ExpandAvailability(&table, days, loc)
	if !reflect.DeepEqual(first, second) {
		t.Error("expansion must be a pure function of its inputs")
	}
}

func TestExpandAvailability_DSTWeek(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")
	id := uuid.New()
	var rows []RecurringAvailabilitySlot
	for d := time.Sunday; d <= time.Saturday; d++ {
		rows = append(rows, slotRow(id, d, 1, "09:00", "10:00"))
	}
	table := NewWeeklyAvailability(rows, zerolog.Nop())
	days := WeekDays(time.Date(2025, 3, 7, 0, 0, 0, 0, loc), 7, loc)

	got := ExpandAvailability(&table, days, loc)
	before := got["2025-03-08"][0]
	after := got["2025-03-10"][0]
	if before.Start.UTC().Hour() != 15 {
		t.Errorf("expected 09:00 CST = 15:00Z, got %s", before.Start.UTC().Format(time.RFC3339))
	}
	if after.Start.UTC().Hour() != 14 {
		t.Errorf("expected 09:00 CDT = 14:00Z, got %s", after.Start.UTC().Format(time.RFC3339))
	}
	transition := got["2025-03-09"][0]
	if transition.Start.Hour() != 9 || transition.End.Sub(transition.Start) != time.Hour {
		t.Errorf("unexpected transition-day block %s-%s", transition.Start, transition.End)
	}
}

func TestExpandAvailability_SlotZoneConvertedToView(t *testing.T) {
	chicago := mustLoc(t, "America/Chicago")
	id := uuid.New()
	row := slotRow(id, time.Monday, 1, "09:00", "10:00")
	row.TimeZone = "America/New_York"
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{row}, zerolog.Nop())

	got := ExpandAvailability(&table, juneWeek(t, chicago), chicago)
	b := got["2025-06-16"][0]
	if b.Start.Hour() != 8 {
		t.Errorf("expected 09:00 New York to render at 08:00 Chicago, got %s", b.Start.Format("15:04"))
	}
}

func TestExpandAvailability_ConvertedStartKeysDay(t *testing.T) {
	chicago := mustLoc(t, "America/Chicago")
	id := uuid.New()
	row := slotRow(id, time.Monday, 1, "01:00", "02:00")
	row.TimeZone = "Asia/Tokyo"
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{row}, zerolog.Nop())
	days := WeekDays(time.Date(2025, 6, 15, 0, 0, 0, 0, chicago), 7, chicago)

	got := ExpandAvailability(&table, days, chicago)
	if len(got["2025-06-16"]) != 0 {
		t.Error("block must be keyed by its converted start day")
	}
	sunday := got["2025-06-15"]
	if len(sunday) != 1 || sunday[0].Start.Hour() != 11 {
		t.Fatalf("expected one block at 11:00 on 2025-06-15, got %+v", sunday)
	}
}

func TestNewWeeklyAvailability_SkipsInvalidRows(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	bad := slotRow(id, time.Monday, 2, "10:00", "11:00")
	bad.Weekday = time.Weekday(9)
	table := NewWeeklyAvailability([]RecurringAvailabilitySlot{
		bad,
		slotRow(id, time.Monday, 4, "10:00", "11:00"),
		slotRow(id, time.Monday, 1, "12:00", "09:00"),
		slotRow(id, time.Tuesday, 1, "9am", "10:00"),
	}, zerolog.New(&buf))

	if got := strings.Count(buf.String(), `"level":"warn"`); got != 4 {
		t.Errorf("expected 4 warnings, got %d: %s", got, buf.String())
	}
	w, ok := table.Window(time.Monday, 1)
	if !ok || w.Complete() {
		t.Error("start-after-end row must not populate the table")
	}
	tue, _ := table.Window(time.Tuesday, 1)
	if tue.Start != nil || tue.End == nil {
		t.Error("unparseable start must leave only the end populated")
	}
	if !strings.Contains(buf.String(), "unparseable availability start time") || strings.Contains(buf.String(), "availability end time") {
		t.Errorf("expected the warning to name the start field, got %s", buf.String())
	}
	if _, ok := table.Window(time.Monday, 0); ok {
		t.Error("slot 0 must be out of range")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"09:00", "09:00:00", true},
		{"17:45:30", "17:45:30", true},
		{"24:00", "", false},
		{"9", "", false},
	}
	for _, tt := range tests {
		c, err := ParseClock(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseClock(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && c.String() != tt.want {
			t.Errorf("ParseClock(%q) = %s, want %s", tt.in, c, tt.want)
		}
	}
}
