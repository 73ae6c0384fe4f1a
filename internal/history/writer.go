// Package history records every metrics update as an InfluxDB point so
// shift-over-shift OEE can be charted outside the runtime.
package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"oee-monitor/internal/production"
)

const measurement = "line_oee"

// Writer writes points to one InfluxDB bucket.
type Writer struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewWriter creates an InfluxDB write client. Call Close when done.
func NewWriter(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{client: client, api: client.WriteAPIBlocking(org, bucket)}
}

// WritePoint writes points synchronously.
func (w *Writer) WritePoint(ctx context.Context, points ...*write.Point) error {
	if err := w.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Health checks that InfluxDB is reachable and the token is valid.
func (w *Writer) Health(ctx context.Context) error {
	_, err := w.client.Health(ctx)
	return err
}

// Close releases the client.
func (w *Writer) Close() {
	w.client.Close()
}

// newPoint maps one snapshot to a line_oee point. Empty tags are left out.
func newPoint(snap production.Snapshot, now time.Time) *write.Point {
	at := snap.UpdatedAt
	if at.IsZero() {
		at = now
	}
	p := influxdb2.NewPointWithMeasurement(measurement)

	tags := [][2]string{
		{"device", snap.DeviceID},
		{"plant", snap.Settings.PlantID},
		{"sector", snap.Settings.SectorID},
		{"line", snap.Settings.LineID},
	}
	if snap.CurrentShift != nil {
		tags = append(tags, [2]string{"shift", snap.CurrentShift.Name})
	}
	if snap.Job != nil {
		tags = append(tags, [2]string{"order", snap.Job.OrderID})
	}
	for _, t := range tags {
		if t[1] != "" {
			p.AddTag(t[0], t[1])
		}
	}

	m := snap.LiveMetrics
	p.AddField("total", m.Total).
		AddField("good", m.Good).
		AddField("oee", m.OEE).
		AddField("availability", m.Availability).
		AddField("performance", m.Performance).
		AddField("quality", m.Quality).
		AddField("avg_speed", m.AvgSpeed).
		AddField("instant_speed", m.InstantSpeed).
		AddField("possible_production", m.PossibleProduction).
		AddField("time_in_shift", m.TimeInShift).
		AddField("order_progress", snap.Progress.Order).
		AddField("status", string(snap.Status.Status)).
		SetTime(at)
	return p
}
