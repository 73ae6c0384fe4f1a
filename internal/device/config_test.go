package device

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"oee-monitor/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBolt(t *testing.T, path string) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeStore is an in-memory store.Store with injectable failures.
type fakeStore struct {
	rec     *store.ConfigRecord
	getErr  error
	saveErr error
	saves   int
}

func (f *fakeStore) GetConfig() (*store.ConfigRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.rec == nil {
		return nil, store.ErrNotFound
	}
	cp := *f.rec
	return &cp, nil
}

func (f *fakeStore) SaveConfig(rec *store.ConfigRecord) error {
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := *rec
	f.rec = &cp
	return nil
}

func (f *fakeStore) SaveShiftCatalog([]store.ShiftRecord) error     { return nil }
func (f *fakeStore) ListShiftCatalog() ([]store.ShiftRecord, error) { return nil, nil }
func (f *fakeStore) Close() error                                   { return nil }

func TestOpenDefaultsUnconfigured(t *testing.T) {
	c, err := Open(newBolt(t, filepath.Join(t.TempDir(), "d.db")), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Settings(); got != (store.DeviceSettings{}) {
		t.Errorf("settings = %+v, want zero value", got)
	}
	if !c.IsGated() {
		t.Error("IsGated() = false, want true for fresh device")
	}
	if c.DeviceID() == "" {
		t.Error("expected a generated device id")
	}
}

func TestOpenMalformedIsUnconfigured(t *testing.T) {
	fs := &fakeStore{getErr: errors.Join(store.ErrMalformed, errors.New("bad json"))}
	c, err := Open(fs, newTestLogger())
	if err != nil {
		t.Fatalf("Open() err = %v, want nil for malformed record", err)
	}
	if !c.IsGated() {
		t.Error("malformed record must leave the device gated")
	}
}

func TestOpenStoreFailure(t *testing.T) {
	fs := &fakeStore{getErr: errors.New("disk gone")}
	if _, err := Open(fs, newTestLogger()); err == nil {
		t.Fatal("expected error for store failure")
	}
}

func TestSetSettingsMergesAndStamps(t *testing.T) {
	c, err := Open(newBolt(t, filepath.Join(t.TempDir(), "d.db")), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c.now = func() time.Time { return stamp }

	got, err := c.SetSettings(Patch{PlantID: String("p1"), PlantName: String("Plant 1")})
	if err != nil {
		t.Fatal(err)
	}
	if got.PlantID != "p1" || got.PlantName != "Plant 1" {
		t.Errorf("plant = %q/%q", got.PlantID, got.PlantName)
	}
	if !got.LastSetupDate.Equal(stamp) {
		t.Errorf("last_setup_date = %v, want %v", got.LastSetupDate, stamp)
	}

	got, err = c.SetSettings(Patch{LineID: String("l3"), LineName: String("Line 3"), IsConfigured: Bool(true)})
	if err != nil {
		t.Fatal(err)
	}
	if got.PlantID != "p1" {
		t.Errorf("plant_id lost by second merge: %q", got.PlantID)
	}
	if got.LineID != "l3" || !got.IsConfigured {
		t.Errorf("line = %q configured = %v", got.LineID, got.IsConfigured)
	}
	if c.IsGated() {
		t.Error("IsGated() = true after configuring a line")
	}
	if line, ok := c.LineID(); line != "l3" || !ok {
		t.Errorf("LineID() = %q, %v", line, ok)
	}
}

func TestSetSettingsConfiguredWithoutLine(t *testing.T) {
	c, err := Open(&fakeStore{}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.SetSettings(Patch{IsConfigured: Bool(true)})
	if err != nil {
		t.Fatal(err)
	}
	if got.IsConfigured {
		t.Error("is_configured must be cleared when no line is set")
	}
	if !c.IsGated() {
		t.Error("device without line must stay gated")
	}
}

func TestSetSettingsCanClearLine(t *testing.T) {
	c, err := Open(&fakeStore{}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetSettings(Patch{LineID: String("l1"), IsConfigured: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	got, err := c.SetSettings(Patch{LineID: String("")})
	if err != nil {
		t.Fatal(err)
	}
	if got.LineID != "" || got.IsConfigured {
		t.Errorf("settings = %+v, want cleared line and unconfigured", got)
	}
}

func TestSettingsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	st, err := store.NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(st, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	id := c.DeviceID()
	if _, err := c.SetSettings(Patch{LineID: String("l5"), IsConfigured: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	c2, err := Open(newBolt(t, path), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c2.Settings().LineID != "l5" || c2.IsGated() {
		t.Errorf("settings after restart = %+v", c2.Settings())
	}
	if c2.DeviceID() != id {
		t.Errorf("device id changed across restart: %q -> %q", id, c2.DeviceID())
	}
	if devs := c2.Devices(); len(devs) != 1 || devs[0].LineID != "l5" {
		t.Errorf("devices = %+v", devs)
	}
}

func TestSetSettingsPersistFailureKeepsMemory(t *testing.T) {
	fs := &fakeStore{}
	c, err := Open(fs, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	fs.saveErr = errors.New("read-only")

	got, err := c.SetSettings(Patch{LineID: String("l8"), IsConfigured: Bool(true)})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if got.LineID != "l8" || c.Settings().LineID != "l8" {
		t.Errorf("in-memory settings not applied: %+v", c.Settings())
	}
}
