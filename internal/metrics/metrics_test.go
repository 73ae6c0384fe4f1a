package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"oee-monitor/internal/shift"
)

func TestOEE(t *testing.T) {
	tests := []struct {
		name    string
		a, p, q float64
		want    float64
	}{
		{"typical", 80, 90, 100, 72},
		{"perfect", 100, 100, 100, 100},
		{"zero quality", 80, 90, 0, 0},
		{"clamped above", 150, 100, 100, 100},
		{"clamped below", -20, 100, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OEE(tt.a, tt.p, tt.q); got != tt.want {
				t.Errorf("OEE(%v, %v, %v) = %v, want %v", tt.a, tt.p, tt.q, got, tt.want)
			}
		})
	}
}

func TestPercentZeroGuard(t *testing.T) {
	tests := []struct {
		part, whole, want float64
	}{
		{50, 200, 25},
		{10, 0, 0},
		{0, 0, 0},
		{math.Inf(1), 10, 0},
	}
	for _, tt := range tests {
		got := Percent(tt.part, tt.whole)
		if got != tt.want || math.IsNaN(got) {
			t.Errorf("Percent(%v, %v) = %v, want %v", tt.part, tt.whole, got, tt.want)
		}
	}
}

func TestSpeedProgressNotClamped(t *testing.T) {
	if got := SpeedProgress(60, 50); got != 100 {
		t.Errorf("SpeedProgress(60, 50) = %v, want 100", got)
	}
	if got := SpeedProgress(90, 50); got != 150 {
		t.Errorf("SpeedProgress(90, 50) = %v, want 150", got)
	}
	if got := SpeedProgress(90, 0); got != 0 {
		t.Errorf("SpeedProgress with zero average = %v, want 0", got)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		inShift bool
		want    ProductionStatus
	}{
		{"producing", true, true, ProductionStatus{Status: StatusProducing, Color: "green", Icon: "play", ProducingTime: 300, StoppedTime: 100, ProducingPercentage: 75}},
		{"stopped", false, true, ProductionStatus{Status: StatusStopped, Color: "red", Icon: "stop", ProducingTime: 300, StoppedTime: 100, ProducingPercentage: 75}},
		{"no shift", true, false, ProductionStatus{Status: StatusIdle, Color: "gray", Icon: "clock", ProducingTime: 300, StoppedTime: 100, ProducingPercentage: 75}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Status(tt.running, tt.inShift, 300, 100)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Status mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if got := Status(false, true, 0, 0).ProducingPercentage; got != 0 {
		t.Errorf("producingPercentage with no time = %v, want 0", got)
	}
}

func TestComputeFromSample(t *testing.T) {
	morning := shift.Shift{ID: "1", Name: "Morning", StartTime: shift.ClockTime{Hour: 6}, EndTime: shift.ClockTime{Hour: 14}}
	in := Input{
		Counters: RawCounters{
			Total:                   1296,
			Good:                    1296,
			NominalSpeed:            10,
			AvgSpeed:                50,
			InstantSpeed:            60,
			Running:                 true,
			ProducingTime:           8640, // 60% of the 4h elapsed
			StoppedTime:             1200,
			ProductionOrderProgress: 250,
			Order:                   &Job{OrderID: "OP-7", OrderQuantity: 1000, ProductID: "P1", ProductName: "Bottle"},
		},
		Shift: &morning,
		Now:   time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC),
	}

	r := Compute(in)
	m := r.Metrics

	if m.TimeInShift != 4*60*60 {
		t.Errorf("timeInShift = %v, want derived 14400", m.TimeInShift)
	}
	if m.TotalShiftTime != 8*60*60 {
		t.Errorf("totalShiftTime = %v, want 28800", m.TotalShiftTime)
	}
	if math.Abs(m.Availability-60) > 1e-9 {
		t.Errorf("availability = %v, want 60", m.Availability)
	}
	if math.Abs(m.Performance-90) > 1e-9 {
		t.Errorf("performance = %v, want 90", m.Performance)
	}
	if m.Quality != 100 {
		t.Errorf("quality = %v, want 100", m.Quality)
	}
	if math.Abs(m.OEE-54) > 1e-9 {
		t.Errorf("oee = %v, want 54", m.OEE)
	}
	if m.PossibleProduction != 1000 {
		t.Errorf("possibleProduction = %v, want order quantity 1000", m.PossibleProduction)
	}
	if r.Progress.Order != 25 {
		t.Errorf("order progress = %v, want 25", r.Progress.Order)
	}
	if r.Progress.Time != 50 {
		t.Errorf("time progress = %v, want 50", r.Progress.Time)
	}
	if r.Progress.Speed != 100 {
		t.Errorf("speed progress = %v, want 100", r.Progress.Speed)
	}
	if r.Status.Status != StatusProducing {
		t.Errorf("status = %v, want producing", r.Status.Status)
	}
	if r.Job == nil || r.Job.OrderID != "OP-7" {
		t.Fatalf("job = %+v", r.Job)
	}
	if r.Job == in.Counters.Order {
		t.Error("job shares the input pointer")
	}
}

func TestComputePossibleProductionZero(t *testing.T) {
	r := Compute(Input{Counters: RawCounters{ProductionOrderProgress: 40}})
	if r.Progress.Order != 0 || math.IsNaN(r.Progress.Order) {
		t.Errorf("order progress = %v, want 0", r.Progress.Order)
	}
	if r.Metrics.OEE != 0 {
		t.Errorf("oee on empty sample = %v, want 0", r.Metrics.OEE)
	}
}

func TestComputeSourceTimesWin(t *testing.T) {
	morning := shift.Shift{ID: "1", StartTime: shift.ClockTime{Hour: 6}, EndTime: shift.ClockTime{Hour: 14}}
	r := Compute(Input{
		Counters: RawCounters{TimeInShift: 600, TotalShiftTime: 1200, PossibleProduction: 10},
		Shift:    &morning,
		Now:      time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC),
	})
	if r.Metrics.TimeInShift != 600 || r.Metrics.TotalShiftTime != 1200 {
		t.Errorf("times = %v / %v, want source values", r.Metrics.TimeInShift, r.Metrics.TotalShiftTime)
	}
	if r.Metrics.PossibleProduction != 10 {
		t.Errorf("possibleProduction = %v, want 10", r.Metrics.PossibleProduction)
	}
}

func TestEmpty(t *testing.T) {
	e := Empty()
	if e.Status.Status != StatusIdle || e.Job != nil || e.Metrics != (LiveMetrics{}) {
		t.Errorf("Empty() = %+v", e)
	}
}
