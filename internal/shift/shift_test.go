package shift

import (
	"encoding/json"
	"testing"
	"time"

	"oee-monitor/internal/store"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 5, 12, hour, minute, 0, 0, time.UTC)
}

func mustShift(t *testing.T, id, start, end string) Shift {
	t.Helper()
	s, err := ParseClock(start)
	if err != nil {
		t.Fatal(err)
	}
	e, err := ParseClock(end)
	if err != nil {
		t.Fatal(err)
	}
	return Shift{ID: id, Name: id, StartTime: s, EndTime: e}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input   string
		want    ClockTime
		wantErr bool
	}{
		{"06:00", ClockTime{6, 0}, false},
		{"23:59", ClockTime{23, 59}, false},
		{"00:00", ClockTime{0, 0}, false},
		{"22:30:15", ClockTime{22, 30}, false},
		{" 7:05 ", ClockTime{7, 5}, false},
		{"24:00", ClockTime{}, true},
		{"12:60", ClockTime{}, true},
		{"noon", ClockTime{}, true},
		{"", ClockTime{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseClock(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseClock(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseClock(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestWrappingShiftContains(t *testing.T) {
	night := mustShift(t, "night", "22:00", "06:00")
	if !night.Wraps() {
		t.Fatal("22:00-06:00 must wrap midnight")
	}

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"23:30", at(23, 30), true},
		{"02:00", at(2, 0), true},
		{"start 22:00", at(22, 0), true},
		{"end 06:00", at(6, 0), false},
		{"10:00", at(10, 0), false},
		{"21:59", at(21, 59), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := night.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestPlainShiftContains(t *testing.T) {
	morning := mustShift(t, "morning", "06:00", "14:00")
	if morning.Wraps() {
		t.Fatal("06:00-14:00 must not wrap")
	}

	// Exhaustive over the day: active iff start <= t < end.
	for m := 0; m < minutesPerDay; m++ {
		tm := at(m/60, m%60)
		want := m >= 6*60 && m < 14*60
		if got := morning.Contains(tm); got != want {
			t.Fatalf("Contains(%02d:%02d) = %v, want %v", m/60, m%60, got, want)
		}
	}
}

func TestDetect(t *testing.T) {
	catalog := []Shift{
		mustShift(t, "1", "06:00", "14:00"),
		mustShift(t, "2", "14:00", "22:00"),
		mustShift(t, "3", "22:00", "06:00"),
	}

	tests := []struct {
		t      time.Time
		wantID string
	}{
		{at(6, 0), "1"},
		{at(13, 59), "1"},
		{at(14, 0), "2"},
		{at(21, 59), "2"},
		{at(22, 0), "3"},
		{at(0, 0), "3"},
		{at(5, 59), "3"},
	}
	for _, tt := range tests {
		got, ok := Detect(catalog, tt.t)
		if !ok || got.ID != tt.wantID {
			t.Errorf("Detect(%s) = %q, %v; want %q", tt.t.Format("15:04"), got.ID, ok, tt.wantID)
		}
	}
}

func TestDetectNoMatch(t *testing.T) {
	if _, ok := Detect(nil, at(12, 0)); ok {
		t.Error("empty catalog must resolve to no shift")
	}
	catalog := []Shift{mustShift(t, "1", "06:00", "14:00")}
	if _, ok := Detect(catalog, at(15, 0)); ok {
		t.Error("15:00 must not match 06:00-14:00")
	}
}

func TestDurationAndElapsed(t *testing.T) {
	night := mustShift(t, "3", "22:00", "06:00")
	if got := night.Duration(); got != 8*time.Hour {
		t.Errorf("night duration = %v, want 8h", got)
	}
	if got := night.Elapsed(at(2, 0)); got != 4*time.Hour {
		t.Errorf("elapsed at 02:00 = %v, want 4h", got)
	}
	if got := night.Elapsed(at(23, 30)); got != 90*time.Minute {
		t.Errorf("elapsed at 23:30 = %v, want 1h30m", got)
	}
	if got := night.Elapsed(at(12, 0)); got != 0 {
		t.Errorf("elapsed outside window = %v, want 0", got)
	}

	morning := mustShift(t, "1", "06:00", "14:00")
	if got := morning.Elapsed(at(6, 30)); got != 30*time.Minute {
		t.Errorf("elapsed at 06:30 = %v, want 30m", got)
	}
}

func TestShiftJSON(t *testing.T) {
	var s Shift
	if err := json.Unmarshal([]byte(`{"id":"3","name":"Night","startTime":"22:00","endTime":"06:00:00"}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.StartTime != (ClockTime{22, 0}) || s.EndTime != (ClockTime{6, 0}) {
		t.Errorf("times = %v-%v", s.StartTime, s.EndTime)
	}

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"3","name":"Night","startTime":"22:00","endTime":"06:00"}`
	if string(out) != want {
		t.Errorf("marshal = %s, want %s", out, want)
	}

	if err := json.Unmarshal([]byte(`{"id":"x","startTime":"25:00","endTime":"06:00"}`), &s); err == nil {
		t.Error("expected error for invalid start time")
	}
}

func TestRecordsConversion(t *testing.T) {
	recs := []store.ShiftRecord{
		{ID: "1", Name: "Morning", Start: "06:00", End: "14:00"},
		{ID: "bad", Name: "Broken", Start: "xx", End: "14:00"},
		{ID: "3", Name: "Night", Start: "22:00", End: "06:00"},
	}
	shifts, err := FromRecords(recs)
	if err == nil {
		t.Error("expected error for broken record")
	}
	if len(shifts) != 2 {
		t.Fatalf("converted %d shifts, want 2", len(shifts))
	}

	back := ToRecords(shifts)
	if back[1].Start != "22:00" || back[1].End != "06:00" || back[1].Name != "Night" {
		t.Errorf("record = %+v", back[1])
	}
}
