// Package production holds the monitoring state for one device: the active
// shift, the latest metrics and the timers that keep them current.
package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oee-monitor/internal/device"
	"oee-monitor/internal/metrics"
	"oee-monitor/internal/poller"
	"oee-monitor/internal/shift"
	"oee-monitor/internal/source"
	"oee-monitor/internal/store"
)

// View is the operator screen currently shown. Polling only runs on ViewMonitor.
type View string

const (
	ViewMonitor View = "monitor"
	ViewSetup   View = "setup"
	ViewIdle    View = "idle"
)

var (
	// ErrTornDown is returned by operations on a State after Teardown.
	ErrTornDown = errors.New("production state torn down")
	// ErrInvalid is returned for an unknown view or a non-positive poll interval.
	ErrInvalid = errors.New("invalid argument")
)

// Source is the remote data the state needs.
type Source interface {
	ActiveShift(ctx context.Context, lineID string) (*shift.Shift, error)
	Shifts(ctx context.Context) ([]shift.Shift, error)
	LiveCounters(ctx context.Context, lineID string) (metrics.RawCounters, error)
}

// Options configures a State.
type Options struct {
	Source         Source
	Store          store.Store
	Config         *device.ConfigStore
	PollInterval   time.Duration
	DetectInterval time.Duration
	View           View
	Now            func() time.Time
}

// Snapshot is an immutable copy of the state for consumers.
type Snapshot struct {
	DeviceID       string                   `json:"deviceId"`
	Settings       store.DeviceSettings     `json:"settings"`
	Configured     bool                     `json:"configured"`
	View           View                     `json:"view"`
	CurrentShift   *shift.Shift             `json:"currentShift"`
	ShiftVersion   uint64                   `json:"shiftVersion"`
	ShiftSource    shift.Source             `json:"shiftSource,omitempty"`
	LiveMetrics    metrics.LiveMetrics      `json:"liveMetrics"`
	Progress       metrics.Progress         `json:"progress"`
	Status         metrics.ProductionStatus `json:"productionStatus"`
	Job            *metrics.Job             `json:"productionJob"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	PollIntervalMs int64                    `json:"pollIntervalMs"`
	Poller         poller.Stats             `json:"poller"`
}

// State is the explicit container for the monitoring runtime. Create it with
// New, start it with Initialize and stop it with Teardown.
type State struct {
	src       Source
	st        store.Store
	cfg       *device.ConfigStore
	events    *EventBus
	registry  *poller.Registry
	poller    *poller.Poller
	scheduler *shift.Scheduler
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	result      metrics.Result
	counters    metrics.RawCounters
	haveSample  bool
	lineGen     uint64
	updatedAt   time.Time
	view        View
	interval    time.Duration
	initialized bool
	tornDown    bool
}

// New creates a State. Nothing runs until Initialize.
func New(opts Options, logger *slog.Logger) *State {
	ctx, cancel := context.WithCancel(context.Background())
	s := &State{
		src:      opts.Source,
		st:       opts.Store,
		cfg:      opts.Config,
		events:   NewEventBus(logger),
		registry: poller.NewRegistry(),
		logger:   logger.With("component", "production"),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		result:   metrics.Empty(),
		view:     opts.View,
		interval: opts.PollInterval,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.view == "" {
		s.view = ViewMonitor
	}
	if s.interval <= 0 {
		s.interval = poller.DefaultInterval
	}

	s.scheduler = shift.NewScheduler(shift.Config{
		Remote:   opts.Source,
		Lines:    opts.Config,
		Interval: opts.DetectInterval,
		OnChange: s.onShiftChange,
		Now:      s.now,
	}, logger)
	s.poller = poller.New("live", s.fetchAndApply, opts.Config.IsGated, s.registry, logger)
	return s
}

// Events returns the state's event bus.
func (s *State) Events() *EventBus {
	return s.events
}

// Initialize loads the shift catalog, starts shift detection and, on the
// monitor view, starts polling. Calling it again is a no-op.
func (s *State) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return ErrTornDown
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	catalog := s.loadCatalog(ctx)
	if !s.scheduler.SetCatalog(ctx, catalog) {
		// The remote may still know the shift when the catalog is empty.
		s.scheduler.Detect(ctx)
	}
	s.scheduler.Start(s.ctx)

	if s.View() == ViewMonitor {
		s.startPolling()
	}
	s.logger.Info("production state initialized",
		"shifts", len(catalog), "configured", !s.cfg.IsGated(), "view", s.View())
	return nil
}

// loadCatalog prefers the remote catalog and caches it; on failure it falls
// back to the last cached catalog.
func (s *State) loadCatalog(ctx context.Context) []shift.Shift {
	remote, err := s.src.Shifts(ctx)
	if err == nil {
		if s.st != nil {
			if err := s.st.SaveShiftCatalog(shift.ToRecords(remote)); err != nil {
				s.logger.Warn("cache shift catalog", "err", err)
			}
		}
		return remote
	}
	s.logger.Warn("load shift catalog from source, using cached catalog", "err", err, "kind", source.KindOf(err))

	if s.st == nil {
		return nil
	}
	recs, err := s.st.ListShiftCatalog()
	if err != nil {
		s.logger.Warn("read cached shift catalog", "err", err)
		return nil
	}
	cached, err := shift.FromRecords(recs)
	if err != nil {
		s.logger.Warn("cached shift catalog has invalid entries", "err", err)
	}
	return cached
}

// Shifts returns the shift catalog.
func (s *State) Shifts() []shift.Shift {
	return s.scheduler.Catalog()
}

// SetCurrentShift overrides the current shift. It reports whether the shift
// identity changed.
func (s *State) SetCurrentShift(sh *shift.Shift) bool {
	return s.scheduler.Set(sh)
}

// FetchLiveData performs one fetch immediately. It is a no-op while the
// device is unconfigured or another fetch is in flight.
// After Teardown it returns ErrTornDown.
func (s *State) FetchLiveData(ctx context.Context) error {
	s.mu.RLock()
	tornDown := s.tornDown
	s.mu.RUnlock()
	if tornDown {
		return ErrTornDown
	}
	_, err := s.poller.RunOnce(ctx)
	return err
}

// View returns the current view.
func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// SetView switches the operator view. Leaving the monitor view cancels every
// poll timer; entering it starts polling.
func (s *State) SetView(v View) error {
	switch v {
	case ViewMonitor, ViewSetup, ViewIdle:
	default:
		return fmt.Errorf("unknown view %q: %w", v, ErrInvalid)
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return ErrTornDown
	}
	prev := s.view
	s.view = v
	initialized := s.initialized
	s.mu.Unlock()

	if prev == v {
		return nil
	}
	if v == ViewMonitor {
		if initialized {
			s.startPolling()
		}
	} else if n := s.registry.CancelAll(); n > 0 {
		s.logger.Debug("left monitor view, timers cancelled", "count", n)
	}
	s.emit(EventViewChanged, v)
	return nil
}

// SetDeviceSettings merges p into the device settings. Every poll timer is
// cancelled first; a changed line resets the metrics and re-detects the
// shift. A persistence error is returned after the new settings took effect.
func (s *State) SetDeviceSettings(ctx context.Context, p device.Patch) (store.DeviceSettings, error) {
	s.mu.RLock()
	tornDown, initialized := s.tornDown, s.initialized
	s.mu.RUnlock()
	if tornDown {
		return s.cfg.Settings(), ErrTornDown
	}

	prev := s.cfg.Settings()
	s.registry.CancelAll()

	next, saveErr := s.cfg.SetSettings(p)
	if next.LineID != prev.LineID {
		s.mu.Lock()
		s.result = metrics.Empty()
		s.counters = metrics.RawCounters{}
		s.haveSample = false
		s.updatedAt = time.Time{}
		s.lineGen++
		s.mu.Unlock()
		if initialized {
			s.scheduler.LineChanged(ctx)
		}
	}
	if initialized && s.View() == ViewMonitor {
		s.startPolling()
	}

	s.emit(EventSettingsChanged, next)
	return next, saveErr
}

// SetPollInterval changes the poll cadence, restarting a running poller.
func (s *State) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s: %w", d, ErrInvalid)
	}
	s.mu.Lock()
	s.interval = d
	restart := s.initialized && !s.tornDown && s.view == ViewMonitor
	s.mu.Unlock()

	if restart {
		s.startPolling()
	}
	return nil
}

// PollerStats returns the poller counters.
func (s *State) PollerStats() poller.Stats {
	return s.poller.Stats()
}

// Snapshot returns a copy of everything consumers read.
func (s *State) Snapshot() Snapshot {
	cur := s.scheduler.Current()
	settings := s.cfg.Settings()
	stats := s.poller.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		DeviceID:       s.cfg.DeviceID(),
		Settings:       settings,
		Configured:     !s.cfg.IsGated(),
		View:           s.view,
		ShiftVersion:   cur.Version,
		ShiftSource:    cur.Source,
		LiveMetrics:    s.result.Metrics,
		Progress:       s.result.Progress,
		Status:         s.result.Status,
		UpdatedAt:      s.updatedAt,
		PollIntervalMs: s.interval.Milliseconds(),
		Poller:         stats,
	}
	if cur.Shift != nil {
		sh := *cur.Shift
		snap.CurrentShift = &sh
	}
	if s.result.Job != nil {
		j := *s.result.Job
		snap.Job = &j
	}
	return snap
}

// Teardown cancels every timer and stops shift detection. It is idempotent.
func (s *State) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.mu.Unlock()

	n := s.registry.CancelAll()
	s.scheduler.Stop()
	s.cancel()
	s.logger.Info("production state torn down", "timers", n)
}

func (s *State) startPolling() {
	s.mu.RLock()
	interval, tornDown := s.interval, s.tornDown
	s.mu.RUnlock()
	if tornDown {
		return
	}
	s.poller.Start(interval)
}

// fetchAndApply is the poller's fetch: one sample, one full recomputation.
func (s *State) fetchAndApply(ctx context.Context) error {
	s.mu.RLock()
	gen := s.lineGen
	s.mu.RUnlock()
	line, ok := s.cfg.LineID()
	if !ok {
		return nil
	}
	rc, err := s.src.LiveCounters(ctx, line)
	if err != nil {
		return fmt.Errorf("fetch live counters: %w", err)
	}

	cur := s.scheduler.Current()
	res := metrics.Compute(metrics.Input{Counters: rc, Shift: cur.Shift, Now: s.now()})

	s.mu.Lock()
	// A line change since the fetch started bumped lineGen and reset the metrics.
	if s.lineGen != gen {
		s.mu.Unlock()
		s.logger.Debug("line changed during fetch, sample dropped", "line", line)
		return nil
	}
	prevStatus := s.result.Status.Status
	s.result = res
	s.counters = rc
	s.haveSample = true
	s.updatedAt = s.now()
	s.mu.Unlock()

	s.emit(EventMetricsUpdated, s.Snapshot())
	if res.Status.Status != prevStatus {
		s.emit(EventStatusChanged, res.Status)
	}
	return nil
}

func (s *State) onShiftChange(cur shift.Current) {
	s.mu.Lock()
	prevStatus := s.result.Status.Status
	if s.haveSample {
		s.result = metrics.Compute(metrics.Input{Counters: s.counters, Shift: cur.Shift, Now: s.now()})
	} else {
		s.result.Status = metrics.Status(false, cur.Shift != nil, 0, 0)
	}
	status := s.result.Status
	s.mu.Unlock()

	s.emit(EventShiftChanged, cur)
	if status.Status != prevStatus {
		s.emit(EventStatusChanged, status)
	}
}

func (s *State) emit(eventType string, data any) {
	s.events.Emit(Event{Type: eventType, Data: data, At: s.now()})
}
