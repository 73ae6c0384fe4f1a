package setup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"oee-monitor/internal/source"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCatalog struct {
	mu        sync.Mutex
	plantsErr error
	requests  []string
	// block, when set, is waited on by Sectors.
	block chan struct{}
}

func (f *fakeCatalog) record(r string) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.mu.Unlock()
}

func (f *fakeCatalog) Plants(context.Context) ([]source.Option, error) {
	f.record("plants")
	if f.plantsErr != nil {
		return nil, f.plantsErr
	}
	return []source.Option{{ID: "p1", Name: "North"}, {ID: "p2", Name: "South"}}, nil
}

func (f *fakeCatalog) Sectors(_ context.Context, plantID string) ([]source.Option, error) {
	f.record("sectors:" + plantID)
	if f.block != nil {
		<-f.block
	}
	return []source.Option{{ID: plantID + "-s1", Name: "Filling"}}, nil
}

func (f *fakeCatalog) Lines(_ context.Context, sectorID string) ([]source.Option, error) {
	f.record("lines:" + sectorID)
	return []source.Option{{ID: sectorID + "-l1", Name: "Line 1"}}, nil
}

func runPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx := context.Background()
	if err := p.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.SelectPlant(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if err := p.SelectSector(ctx, "p1-s1"); err != nil {
		t.Fatal(err)
	}
	if err := p.SelectLine("p1-s1-l1"); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	cat := &fakeCatalog{}
	p := New(cat, newTestLogger())
	runPipeline(t, p)
	p.SelectProduct("prod-1", "Bottle 0.5l")

	snap := p.Snapshot()
	if !snap.Ready {
		t.Error("pipeline not ready after selecting a line")
	}
	for _, st := range snap.Steps {
		if st.Phase != PhaseLoaded || st.Selected == nil {
			t.Errorf("step %s = %+v", st.Step, st)
		}
	}

	patch, err := p.Patch()
	if err != nil {
		t.Fatal(err)
	}
	if *patch.LineID != "p1-s1-l1" || *patch.SectorName != "Filling" || *patch.PlantName != "North" {
		t.Errorf("patch = line %q sector %q plant %q", *patch.LineID, *patch.SectorName, *patch.PlantName)
	}
	if !*patch.IsConfigured || *patch.ProductName != "Bottle 0.5l" {
		t.Error("patch must mark the device configured and carry the product")
	}

	want := []string{"plants", "sectors:p1", "lines:p1-s1"}
	if len(cat.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", cat.requests, want)
	}
	for i := range want {
		if cat.requests[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, cat.requests[i], want[i])
		}
	}
}

func TestPatchIncomplete(t *testing.T) {
	p := New(&fakeCatalog{}, newTestLogger())
	if _, err := p.Patch(); !errors.Is(err, ErrNoSelection) {
		t.Errorf("Patch on empty pipeline = %v, want ErrNoSelection", err)
	}

	ctx := context.Background()
	if err := p.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.SelectPlant(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Patch(); !errors.Is(err, ErrNoSelection) {
		t.Errorf("Patch without line = %v, want ErrNoSelection", err)
	}
}

func TestSelectBeforeLoad(t *testing.T) {
	p := New(&fakeCatalog{}, newTestLogger())
	if err := p.SelectSector(context.Background(), "s1"); !errors.Is(err, ErrNoSelection) {
		t.Errorf("SelectSector before plants = %v, want ErrNoSelection", err)
	}
}

func TestSelectUnknownOption(t *testing.T) {
	p := New(&fakeCatalog{}, newTestLogger())
	if err := p.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.SelectPlant(context.Background(), "p9"); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("SelectPlant(p9) = %v, want ErrUnknownOption", err)
	}
}

func TestReselectResetsLaterSteps(t *testing.T) {
	p := New(&fakeCatalog{}, newTestLogger())
	runPipeline(t, p)

	if err := p.SelectPlant(context.Background(), "p2"); err != nil {
		t.Fatal(err)
	}
	snap := p.Snapshot()
	if snap.Ready {
		t.Error("pipeline still ready after changing the plant")
	}
	if snap.Steps[StepSectors].Selected != nil || snap.Steps[StepSectors].Items[0].ID != "p2-s1" {
		t.Errorf("sectors = %+v", snap.Steps[StepSectors])
	}
	if snap.Steps[StepLines].Phase != PhaseIdle || len(snap.Steps[StepLines].Items) != 0 {
		t.Errorf("lines = %+v, want idle", snap.Steps[StepLines])
	}
}

func TestLoadFailure(t *testing.T) {
	boom := &source.Error{Kind: source.KindTransient, Op: "plants", Status: 502}
	p := New(&fakeCatalog{plantsErr: boom}, newTestLogger())

	err := p.Load(context.Background())
	if source.KindOf(err) != source.KindTransient {
		t.Errorf("Load = %v, want transient source error", err)
	}
	st := p.Snapshot().Steps[StepPlants]
	if st.Phase != PhaseFailed || st.Error == "" {
		t.Errorf("plants step = %+v", st)
	}
}

func TestStaleLoadDiscarded(t *testing.T) {
	cat := &fakeCatalog{block: make(chan struct{})}
	p := New(cat, newTestLogger())
	if err := p.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.SelectPlant(context.Background(), "p1") }()

	// Wait until the sector load is in flight, then reset underneath it.
	for {
		if p.Snapshot().Steps[StepSectors].Phase == PhaseLoading {
			break
		}
		time.Sleep(time.Millisecond)
	}
	p.Reset()
	close(cat.block)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if st := p.Snapshot().Steps[StepSectors]; st.Phase != PhaseIdle || len(st.Items) != 0 {
		t.Errorf("stale load applied: %+v", st)
	}
}

func TestSelectProductClear(t *testing.T) {
	p := New(&fakeCatalog{}, newTestLogger())
	runPipeline(t, p)
	p.SelectProduct("x", "X")
	p.SelectProduct("", "")

	patch, err := p.Patch()
	if err != nil {
		t.Fatal(err)
	}
	if *patch.ProductID != "" {
		t.Errorf("product id = %q, want cleared", *patch.ProductID)
	}
	if p.Snapshot().Product != nil {
		t.Error("snapshot still has a product")
	}
}
