// Package metrics derives OEE figures and the production status from one
// live-counter sample. Everything here is a pure function of its input.
package metrics

import (
	"math"
	"time"

	"oee-monitor/internal/shift"
)

// SpeedScale is the reference multiple of the average speed used for the
// speed gauge. Values above it are not clamped.
const SpeedScale = 1.2

// Job is the production order currently running on the line.
type Job struct {
	OrderID       string  `json:"orderId"`
	OrderQuantity float64 `json:"orderQuantity"`
	ProductID     string  `json:"productId"`
	ProductName   string  `json:"productName"`
}

// RawCounters is one live-counter sample as reported by the data source.
// Durations are in seconds, speeds in parts per minute.
type RawCounters struct {
	Total                   float64 `json:"total"`
	Good                    float64 `json:"good"`
	NominalSpeed            float64 `json:"nominalSpeed"`
	AvgSpeed                float64 `json:"avgSpeed"`
	InstantSpeed            float64 `json:"instantSpeed"`
	Running                 bool    `json:"running"`
	ProducingTime           float64 `json:"producingTime"`
	StoppedTime             float64 `json:"stoppedTime"`
	TimeInShift             float64 `json:"timeInShift"`
	TotalShiftTime          float64 `json:"totalShiftTime"`
	PossibleProduction      float64 `json:"possibleProduction"`
	ProductionOrderProgress float64 `json:"productionOrderProgress"`
	Order                   *Job    `json:"order"`
}

// LiveMetrics is the operator-facing OEE snapshot. Percentages are 0..100.
type LiveMetrics struct {
	Total                   float64 `json:"total"`
	Good                    float64 `json:"good"`
	OEE                     float64 `json:"oee"`
	Availability            float64 `json:"availability"`
	Performance             float64 `json:"performance"`
	Quality                 float64 `json:"quality"`
	ProductionOrderProgress float64 `json:"productionOrderProgress"`
	PossibleProduction      float64 `json:"possibleProduction"`
	TimeInShift             float64 `json:"timeInShift"`
	TotalShiftTime          float64 `json:"totalShiftTime"`
	AvgSpeed                float64 `json:"avgSpeed"`
	InstantSpeed            float64 `json:"instantSpeed"`
}

// Progress holds the gauge percentages derived alongside LiveMetrics.
type Progress struct {
	Order float64 `json:"productionOrderProgressPercent"`
	Time  float64 `json:"timeProgressPercent"`
	Speed float64 `json:"speedProgressPercent"`
}

// StatusKind is the line state shown to the operator.
type StatusKind string

const (
	StatusProducing StatusKind = "producing"
	StatusStopped   StatusKind = "stopped"
	StatusIdle      StatusKind = "idle"
)

// ProductionStatus is the presentation view of the line state.
type ProductionStatus struct {
	Status              StatusKind `json:"status"`
	Color               string     `json:"color"`
	Icon                string     `json:"icon"`
	ProducingTime       float64    `json:"producingTime"`
	StoppedTime         float64    `json:"stoppedTime"`
	ProducingPercentage float64    `json:"producingPercentage"`
}

// Input is everything Compute needs. Shift may be nil.
type Input struct {
	Counters RawCounters
	Shift    *shift.Shift
	Now      time.Time
}

// Result is a complete recomputation from one sample.
type Result struct {
	Metrics  LiveMetrics      `json:"metrics"`
	Progress Progress         `json:"progress"`
	Status   ProductionStatus `json:"status"`
	Job      *Job             `json:"job"`
}

// Compute derives metrics, gauges, status and job from one sample.
func Compute(in Input) Result {
	c := in.Counters

	timeInShift := nonNeg(c.TimeInShift)
	totalShiftTime := nonNeg(c.TotalShiftTime)
	if in.Shift != nil {
		if timeInShift == 0 {
			timeInShift = in.Shift.Elapsed(in.Now).Seconds()
		}
		if totalShiftTime == 0 {
			totalShiftTime = in.Shift.Duration().Seconds()
		}
	}

	var job *Job
	if c.Order != nil {
		j := *c.Order
		job = &j
	}
	possible := nonNeg(c.PossibleProduction)
	if possible == 0 && job != nil {
		possible = nonNeg(job.OrderQuantity)
	}

	producing, stopped := nonNeg(c.ProducingTime), nonNeg(c.StoppedTime)
	planned := timeInShift
	if planned == 0 {
		planned = producing + stopped
	}

	availability := clampPercent(Percent(producing, planned))
	performance := clampPercent(Percent(c.Total, c.NominalSpeed*producing/60))
	quality := clampPercent(Percent(c.Good, c.Total))

	m := LiveMetrics{
		Total:                   nonNeg(c.Total),
		Good:                    nonNeg(c.Good),
		OEE:                     OEE(availability, performance, quality),
		Availability:            availability,
		Performance:             performance,
		Quality:                 quality,
		ProductionOrderProgress: nonNeg(c.ProductionOrderProgress),
		PossibleProduction:      possible,
		TimeInShift:             timeInShift,
		TotalShiftTime:          totalShiftTime,
		AvgSpeed:                nonNeg(c.AvgSpeed),
		InstantSpeed:            nonNeg(c.InstantSpeed),
	}

	return Result{
		Metrics: m,
		Progress: Progress{
			Order: Percent(m.ProductionOrderProgress, m.PossibleProduction),
			Time:  Percent(m.TimeInShift, m.TotalShiftTime),
			Speed: SpeedProgress(m.InstantSpeed, m.AvgSpeed),
		},
		Status: Status(c.Running, in.Shift != nil, producing, stopped),
		Job:    job,
	}
}

// OEE combines the three factors, each clamped to [0, 100], into a percentage.
func OEE(availability, performance, quality float64) float64 {
	return clampPercent(availability) * clampPercent(performance) * clampPercent(quality) / 10000
}

// Percent returns part/whole*100, or 0 when whole is zero or the result is not finite.
func Percent(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	p := part / whole * 100
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return p
}

// SpeedProgress scales instant speed against SpeedScale times the average.
func SpeedProgress(instant, avg float64) float64 {
	return Percent(instant, avg*SpeedScale)
}

// Status derives the presentation status. Without an active shift the line is idle.
func Status(running, inShift bool, producingTime, stoppedTime float64) ProductionStatus {
	producingTime, stoppedTime = nonNeg(producingTime), nonNeg(stoppedTime)
	st := ProductionStatus{
		ProducingTime:       producingTime,
		StoppedTime:         stoppedTime,
		ProducingPercentage: Percent(producingTime, producingTime+stoppedTime),
	}
	switch {
	case !inShift:
		st.Status, st.Color, st.Icon = StatusIdle, "gray", "clock"
	case running:
		st.Status, st.Color, st.Icon = StatusProducing, "green", "play"
	default:
		st.Status, st.Color, st.Icon = StatusStopped, "red", "stop"
	}
	return st
}

// Empty is the state before the first successful sample.
func Empty() Result {
	return Result{Status: Status(false, false, 0, 0)}
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func nonNeg(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
