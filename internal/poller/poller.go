// Package poller runs a fixed-interval fetch loop with at most one fetch in
// flight and no error propagation out of the loop.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = 5 * time.Second

// FetchFunc performs one fetch-and-apply.
type FetchFunc func(ctx context.Context) error

// Stats are cumulative counters for one poller.
type Stats struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skipped"`
	Gated    uint64        `json:"gated"`
	Fetches  uint64        `json:"fetches"`
	Failures uint64        `json:"failures"`
}

// Poller owns at most one Task at a time. The fetch function must not call
// Start or Stop on its own poller.
type Poller struct {
	name     string
	fetch    FetchFunc
	gated    func() bool
	registry *Registry
	logger   *slog.Logger

	inFlight atomic.Bool
	ticks    atomic.Uint64
	skipped  atomic.Uint64
	gatedN   atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64

	// ctl serializes Start and Stop. It is held while an old task drains,
	// so the fetch may still read Stats, which only takes mu.
	ctl  sync.Mutex
	mu   sync.Mutex
	task *Task
}

// New creates a stopped poller. gated may be nil; registry may be nil.
func New(name string, fetch FetchFunc, gated func() bool, registry *Registry, logger *slog.Logger) *Poller {
	if gated == nil {
		gated = func() bool { return false }
	}
	return &Poller{
		name:     name,
		fetch:    fetch,
		gated:    gated,
		registry: registry,
		logger:   logger.With("component", "poller", "poller", name),
	}
}

// Start cancels any running task and starts a new one. It returns nil and
// starts nothing while the device is gated.
func (p *Poller) Start(interval time.Duration) *Task {
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	old := p.task
	p.task = nil
	p.mu.Unlock()
	old.Cancel()

	if p.gated() {
		p.logger.Info("device not configured, poller not started")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:     p.name,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		registry: p.registry,
	}
	if p.registry != nil {
		p.registry.add(t)
	}
	p.mu.Lock()
	p.task = t
	p.mu.Unlock()
	go p.loop(ctx, t)
	p.logger.Info("poller started", "interval", interval)
	return t
}

// Stop cancels the running task, if any. No fetch starts after Stop returns.
func (p *Poller) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	t := p.task
	p.task = nil
	p.mu.Unlock()

	if t != nil {
		t.Cancel()
		p.logger.Info("poller stopped")
	}
}

// Running reports whether the poller has a live task. A task cancelled
// through the registry counts as stopped.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveTask() != nil
}

// liveTask returns the current task unless its loop has exited. Caller holds p.mu.
func (p *Poller) liveTask() *Task {
	if p.task == nil {
		return nil
	}
	select {
	case <-p.task.Done():
		return nil
	default:
		return p.task
	}
}

// RunOnce performs a synchronous fetch outside the timer. It reports false
// without fetching when gated or when another fetch is in flight.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	if p.gated() {
		p.gatedN.Add(1)
		return false, nil
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		return false, nil
	}
	defer p.inFlight.Store(false)
	return true, p.run(ctx)
}

// Stats returns a copy of the counters.
func (p *Poller) Stats() Stats {
	s := Stats{
		Ticks:    p.ticks.Load(),
		Skipped:  p.skipped.Load(),
		Gated:    p.gatedN.Load(),
		Fetches:  p.fetches.Load(),
		Failures: p.failures.Load(),
	}
	p.mu.Lock()
	if t := p.liveTask(); t != nil {
		s.Running = true
		s.Interval = t.interval
	}
	p.mu.Unlock()
	return s
}

func (p *Poller) loop(ctx context.Context, t *Task) {
	defer close(t.done)

	var fetches sync.WaitGroup
	defer fetches.Wait()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, &fetches)
		}
	}
}

func (p *Poller) tick(ctx context.Context, fetches *sync.WaitGroup) {
	if ctx.Err() != nil {
		return
	}
	p.ticks.Add(1)
	if p.gated() {
		p.gatedN.Add(1)
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.logger.Debug("previous fetch still in flight, tick skipped")
		return
	}

	fetches.Add(1)
	go func() {
		defer fetches.Done()
		defer p.inFlight.Store(false)
		if err := p.run(ctx); err != nil {
			// Not surfaced: the next tick is the retry.
			p.logger.Warn("fetch failed", "err", err)
		}
	}()
}

func (p *Poller) run(ctx context.Context) error {
	p.fetches.Add(1)
	err := p.fetch(ctx)
	if err != nil {
		p.failures.Add(1)
	}
	return err
}
