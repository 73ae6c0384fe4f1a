package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"oee-monitor/internal/production"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// PointWriter is the sink the recorder drains into. *Writer implements it.
type PointWriter interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// Runtime is the part of the production state the recorder listens to.
type Runtime interface {
	Events() *production.EventBus
}

// Stats counts what happened to queued points.
type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Recorder queues a point per metrics_updated event and writes them from a
// single goroutine, so event delivery never waits on the database.
type Recorder struct {
	w       PointWriter
	rt      Runtime
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	queue chan *write.Point
	done  chan struct{}
	unsub func()
	wg    sync.WaitGroup

	written, failed, dropped atomic.Uint64
}

// NewRecorder creates a stopped recorder. A non-positive queueSize or
// timeout selects the default.
func NewRecorder(w PointWriter, rt Runtime, queueSize int, timeout time.Duration, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Recorder{
		w:       w,
		rt:      rt,
		logger:  logger.With("component", "history"),
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan *write.Point, queueSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes to metrics updates and starts the writer goroutine.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	r.unsub = r.rt.Events().On(production.EventMetricsUpdated, r.enqueue)
	r.logger.Info("history recorder started", "queue", cap(r.queue))
}

// Stop unsubscribes, writes what is still queued and waits for the writer.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	close(r.done)
	r.wg.Wait()
	st := r.Stats()
	r.logger.Info("history recorder stopped", "written", st.Written, "failed", st.Failed, "dropped", st.Dropped)
}

// Stats returns the counters.
func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Failed: r.failed.Load(), Dropped: r.dropped.Load()}
}

func (r *Recorder) enqueue(ev production.Event) {
	snap, ok := ev.Data.(production.Snapshot)
	if !ok || snap.Settings.LineID == "" {
		return
	}
	p := newPoint(snap, r.now())
	select {
	case <-r.done:
	case r.queue <- p:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping point", "line", snap.Settings.LineID)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case p := <-r.queue:
			r.write(p)
		case <-r.done:
			for {
				select {
				case p := <-r.queue:
					r.write(p)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(p *write.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.w.WritePoint(ctx, p); err != nil {
		r.failed.Add(1)
		r.logger.Warn("history write failed", "err", err)
		return
	}
	r.written.Add(1)
}
