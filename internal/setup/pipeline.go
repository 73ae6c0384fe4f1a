// Package setup drives the plant → sector → line selection as a sequential
// pipeline. Each step loads its options from the source once the previous
// step has a selection.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"oee-monitor/internal/device"
	"oee-monitor/internal/source"
)

var (
	// ErrNoSelection is returned when a step depends on a selection that has not been made.
	ErrNoSelection = errors.New("no selection")
	// ErrUnknownOption is returned when a selection is not among the loaded options.
	ErrUnknownOption = errors.New("unknown option")
)

// Step identifies a pipeline step.
type Step int

const (
	StepPlants Step = iota
	StepSectors
	StepLines
	numSteps
)

func (s Step) String() string {
	switch s {
	case StepPlants:
		return "plants"
	case StepSectors:
		return "sectors"
	case StepLines:
		return "lines"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase is the load state of one step.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseLoaded  Phase = "loaded"
	PhaseFailed  Phase = "failed"
)

// Catalog is the reference data the pipeline loads from.
type Catalog interface {
	Plants(ctx context.Context) ([]source.Option, error)
	Sectors(ctx context.Context, plantID string) ([]source.Option, error)
	Lines(ctx context.Context, sectorID string) ([]source.Option, error)
}

// StepState is the observable state of one step.
type StepState struct {
	Step     Step            `json:"step"`
	Phase    Phase           `json:"phase"`
	Items    []source.Option `json:"items"`
	Error    string          `json:"error,omitempty"`
	Selected *source.Option  `json:"selected,omitempty"`
}

// Snapshot is a copy of the whole pipeline.
type Snapshot struct {
	Steps   []StepState    `json:"steps"`
	Product *source.Option `json:"product,omitempty"`
	Ready   bool           `json:"ready"`
}

type stepData struct {
	phase    Phase
	items    []source.Option
	err      error
	selected *source.Option
	gen      uint64
}

// Pipeline holds the selection state. It is safe for concurrent use; a load
// whose step was reset while it ran is discarded.
type Pipeline struct {
	src    Catalog
	logger *slog.Logger

	mu      sync.Mutex
	steps   [numSteps]stepData
	product *source.Option
}

// New creates an idle pipeline.
func New(src Catalog, logger *slog.Logger) *Pipeline {
	p := &Pipeline{src: src, logger: logger.With("component", "setup")}
	for i := range p.steps {
		p.steps[i].phase = PhaseIdle
	}
	return p
}

// Load resets the pipeline and loads the plant list.
func (p *Pipeline) Load(ctx context.Context) error {
	p.mu.Lock()
	p.resetFrom(StepPlants)
	p.product = nil
	p.mu.Unlock()

	return p.load(ctx, StepPlants, func(ctx context.Context) ([]source.Option, error) {
		return p.src.Plants(ctx)
	})
}

// SelectPlant selects a loaded plant and loads its sectors.
func (p *Pipeline) SelectPlant(ctx context.Context, id string) error {
	opt, err := p.selectOption(StepPlants, id)
	if err != nil {
		return err
	}
	return p.load(ctx, StepSectors, func(ctx context.Context) ([]source.Option, error) {
		return p.src.Sectors(ctx, opt.ID)
	})
}

// SelectSector selects a loaded sector and loads its lines.
func (p *Pipeline) SelectSector(ctx context.Context, id string) error {
	opt, err := p.selectOption(StepSectors, id)
	if err != nil {
		return err
	}
	return p.load(ctx, StepLines, func(ctx context.Context) ([]source.Option, error) {
		return p.src.Lines(ctx, opt.ID)
	})
}

// SelectLine selects a loaded line. It is the last step that fetches.
func (p *Pipeline) SelectLine(id string) error {
	_, err := p.selectOption(StepLines, id)
	return err
}

// SelectProduct records the product produced on the line. An empty id clears it.
func (p *Pipeline) SelectProduct(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(id) == "" {
		p.product = nil
		return
	}
	p.product = &source.Option{ID: id, Name: name}
}

// Reset clears every step.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetFrom(StepPlants)
	p.product = nil
}

// Snapshot returns a copy of the pipeline state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Steps: make([]StepState, 0, numSteps)}
	for i, sd := range p.steps {
		st := StepState{
			Step:  Step(i),
			Phase: sd.phase,
			Items: append([]source.Option{}, sd.items...),
		}
		if sd.err != nil {
			st.Error = sd.err.Error()
		}
		if sd.selected != nil {
			sel := *sd.selected
			st.Selected = &sel
		}
		snap.Steps = append(snap.Steps, st)
	}
	if p.product != nil {
		prod := *p.product
		snap.Product = &prod
	}
	snap.Ready = p.steps[StepLines].selected != nil
	return snap
}

// Patch builds the device settings patch for the completed selection.
func (p *Pipeline) Patch() (device.Patch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	plant, sector, line := p.steps[StepPlants].selected, p.steps[StepSectors].selected, p.steps[StepLines].selected
	if plant == nil || sector == nil || line == nil {
		return device.Patch{}, fmt.Errorf("line setup incomplete: %w", ErrNoSelection)
	}

	patch := device.Patch{
		PlantID:      device.String(plant.ID),
		PlantName:    device.String(plant.Name),
		SectorID:     device.String(sector.ID),
		SectorName:   device.String(sector.Name),
		LineID:       device.String(line.ID),
		LineName:     device.String(line.Name),
		ProductID:    device.String(""),
		ProductName:  device.String(""),
		IsConfigured: device.Bool(true),
	}
	if p.product != nil {
		patch.ProductID = device.String(p.product.ID)
		patch.ProductName = device.String(p.product.Name)
	}
	return patch, nil
}

func (p *Pipeline) selectOption(step Step, id string) (source.Option, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sd := &p.steps[step]
	if sd.phase != PhaseLoaded {
		return source.Option{}, fmt.Errorf("select %s: %w", step, ErrNoSelection)
	}
	for _, opt := range sd.items {
		if opt.ID == id {
			sel := opt
			sd.selected = &sel
			p.resetFrom(step + 1)
			return opt, nil
		}
	}
	return source.Option{}, fmt.Errorf("select %s %q: %w", step, id, ErrUnknownOption)
}

// resetFrom clears step and every later step. Caller holds p.mu.
func (p *Pipeline) resetFrom(step Step) {
	for i := step; i < numSteps; i++ {
		gen := p.steps[i].gen + 1
		p.steps[i] = stepData{phase: PhaseIdle, gen: gen}
	}
}

func (p *Pipeline) load(ctx context.Context, step Step, fetch func(context.Context) ([]source.Option, error)) error {
	p.mu.Lock()
	sd := &p.steps[step]
	sd.gen++
	gen := sd.gen
	sd.phase = PhaseLoading
	sd.err = nil
	p.mu.Unlock()

	items, err := fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	sd = &p.steps[step]
	if sd.gen != gen {
		p.logger.Debug("discarding stale load", "step", step)
		return nil
	}
	if err != nil {
		sd.phase = PhaseFailed
		sd.err = err
		p.logger.Warn("load failed", "step", step, "err", err, "kind", source.KindOf(err))
		return fmt.Errorf("load %s: %w", step, err)
	}
	sd.phase = PhaseLoaded
	sd.items = items
	p.logger.Debug("loaded", "step", step, "items", len(items))
	return nil
}
