package shift

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the periodic re-detection cadence.
const DefaultInterval = 60 * time.Second

// State is the scheduler's detection state.
type State int

const (
	StateIdle State = iota
	StateDetecting
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateDetecting:
		return "detecting"
	case StateResolved:
		return "resolved"
	default:
		return "idle"
	}
}

// Source tells where the current shift came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
	SourceManual Source = "manual"
)

// Current is the externally visible shift resolution. Version only advances
// when the shift identity changes.
type Current struct {
	Shift      *Shift    `json:"shift"`
	Version    uint64    `json:"version"`
	Source     Source    `json:"source"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// RemoteLookup resolves the active shift for a line. A nil shift with a nil
// error means the remote has no active shift.
type RemoteLookup interface {
	ActiveShift(ctx context.Context, lineID string) (*Shift, error)
}

// LineSource reports the configured line; ok is false while the device is gated.
type LineSource interface {
	LineID() (lineID string, ok bool)
}

// Config holds scheduler dependencies.
type Config struct {
	Remote   RemoteLookup
	Lines    LineSource
	Interval time.Duration
	// OnChange is called outside the scheduler lock whenever the shift identity changes.
	OnChange func(Current)
	Now      func() time.Time
}

// Scheduler determines the active shift, remote first with local fallback.
type Scheduler struct {
	remote   RemoteLookup
	lines    LineSource
	interval time.Duration
	onChange func(Current)
	now      func() time.Time
	logger   *slog.Logger

	// detectMu serializes detection cycles.
	detectMu sync.Mutex

	mu      sync.Mutex
	catalog []Shift
	state   State
	current Current
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates an idle scheduler.
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		remote:   cfg.Remote,
		lines:    cfg.Lines,
		interval: cfg.Interval,
		onChange: cfg.OnChange,
		now:      cfg.Now,
		logger:   logger.With("component", "shift_scheduler"),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetCatalog replaces the shift catalog. When the catalog goes from empty to
// non-empty a detection cycle runs; the return value reports whether it did.
func (s *Scheduler) SetCatalog(ctx context.Context, shifts []Shift) bool {
	s.mu.Lock()
	wasEmpty := len(s.catalog) == 0
	s.catalog = append([]Shift(nil), shifts...)
	s.mu.Unlock()

	if wasEmpty && len(shifts) > 0 {
		s.Detect(ctx)
		return true
	}
	return false
}

// Catalog returns a copy of the shift catalog.
func (s *Scheduler) Catalog() []Shift {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Shift(nil), s.catalog...)
}

// Current returns the current resolution.
func (s *Scheduler) Current() Current {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State returns the detection state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Detect runs one detection cycle and returns the resulting resolution.
func (s *Scheduler) Detect(ctx context.Context) Current {
	s.detectMu.Lock()
	defer s.detectMu.Unlock()

	s.setState(StateDetecting)
	sh, src := s.resolve(ctx)
	s.apply(sh, src)
	s.setState(StateResolved)
	return s.Current()
}

// LineChanged re-detects after the configured line changed.
func (s *Scheduler) LineChanged(ctx context.Context) Current {
	return s.Detect(ctx)
}

// Set installs sh as the current shift. It reports whether the shift
// identity changed.
func (s *Scheduler) Set(sh *Shift) bool {
	return s.apply(sh, SourceManual)
}

func (s *Scheduler) resolve(ctx context.Context) (*Shift, Source) {
	if s.remote != nil && s.lines != nil {
		if line, ok := s.lines.LineID(); ok {
			remote, err := s.remote.ActiveShift(ctx, line)
			switch {
			case err != nil:
				// Dropped on purpose: the next periodic cycle is the retry.
				s.logger.Warn("remote shift lookup failed, using local detection", "line", line, "err", err)
			case remote != nil:
				return remote, SourceRemote
			default:
				s.logger.Debug("remote reports no active shift, using local detection", "line", line)
			}
		}
	}

	catalog := s.Catalog()
	if local, ok := Detect(catalog, s.now()); ok {
		return &local, SourceLocal
	}
	return nil, SourceLocal
}

func (s *Scheduler) apply(sh *Shift, src Source) bool {
	s.mu.Lock()
	if sameShift(s.current.Shift, sh) {
		s.mu.Unlock()
		return false
	}
	var cp *Shift
	if sh != nil {
		v := *sh
		cp = &v
	}
	s.current = Current{
		Shift:      cp,
		Version:    s.current.Version + 1,
		Source:     src,
		ResolvedAt: s.now(),
	}
	cur := s.current
	onChange := s.onChange
	s.mu.Unlock()

	if cp != nil {
		s.logger.Info("active shift changed", "id", cp.ID, "name", cp.Name, "source", src)
	} else {
		s.logger.Info("no active shift", "source", src)
	}
	if onChange != nil {
		onChange(cur)
	}
	return true
}

func sameShift(a, b *Shift) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start begins periodic detection. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("shift scheduler started", "interval", s.interval)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Detect(ctx)
		}
	}
}

// Stop cancels periodic detection and waits for the loop to exit. Safe to
// call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("shift scheduler stopped")
}
