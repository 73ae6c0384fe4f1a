package shift

import (
	"fmt"

	"oee-monitor/internal/store"
)

// FromRecords converts persisted catalog entries. Entries with unparsable
// times are skipped and reported in the returned error.
func FromRecords(recs []store.ShiftRecord) ([]Shift, error) {
	shifts := make([]Shift, 0, len(recs))
	var firstErr error
	for _, r := range recs {
		start, err := ParseClock(r.Start)
		if err == nil {
			var end ClockTime
			end, err = ParseClock(r.End)
			if err == nil {
				shifts = append(shifts, Shift{ID: r.ID, Name: r.Name, StartTime: start, EndTime: end})
				continue
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("shift %s: %w", r.ID, err)
		}
	}
	return shifts, firstErr
}

// ToRecords converts shifts to their persisted form.
func ToRecords(shifts []Shift) []store.ShiftRecord {
	recs := make([]store.ShiftRecord, 0, len(shifts))
	for _, s := range shifts {
		recs = append(recs, store.ShiftRecord{
			ID:    s.ID,
			Name:  s.Name,
			Start: s.StartTime.String(),
			End:   s.EndTime.String(),
		})
	}
	return recs
}
