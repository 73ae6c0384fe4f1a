package shift

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// ClockTime is a time of day with minute resolution (24h).
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" or "HH:MM:SS". Seconds are ignored.
func ParseClock(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return ClockTime{}, fmt.Errorf("parse clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("parse clock %q: invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("parse clock %q: invalid minute", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Clock returns the ClockTime of t in t's location.
func Clock(t time.Time) ClockTime {
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}
}

// Minutes returns minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Shift is a recurring named time-of-day window. EndTime before StartTime
// means the shift ends on the next day.
type Shift struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime ClockTime `json:"startTime"`
	EndTime   ClockTime `json:"endTime"`
}

// Wraps reports whether the window crosses midnight.
func (s Shift) Wraps() bool {
	return s.EndTime.Minutes() < s.StartTime.Minutes()
}

// Contains reports whether t's time of day falls inside [start, end).
func (s Shift) Contains(t time.Time) bool {
	return s.containsMinute(Clock(t).Minutes())
}

func (s Shift) containsMinute(m int) bool {
	start, end := s.StartTime.Minutes(), s.EndTime.Minutes()
	if end < start {
		return m >= start || m < end
	}
	return m >= start && m < end
}

// Duration is the length of the window.
func (s Shift) Duration() time.Duration {
	d := s.EndTime.Minutes() - s.StartTime.Minutes()
	if d < 0 {
		d += minutesPerDay
	}
	return time.Duration(d) * time.Minute
}

// Elapsed is the time since the most recent start of the window, capped at
// Duration. It is zero when t is outside the window.
func (s Shift) Elapsed(t time.Time) time.Duration {
	if !s.Contains(t) {
		return 0
	}
	sinceMidnight := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	start := time.Duration(s.StartTime.Minutes()) * time.Minute
	elapsed := sinceMidnight - start
	if elapsed < 0 {
		elapsed += 24 * time.Hour
	}
	if d := s.Duration(); elapsed > d {
		return d
	}
	return elapsed
}

// Detect returns the first shift in catalog whose window contains t.
func Detect(catalog []Shift, t time.Time) (Shift, bool) {
	m := Clock(t).Minutes()
	for _, s := range catalog {
		if s.containsMinute(m) {
			return s, true
		}
	}
	return Shift{}, false
}
