package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jsonmerge "github.com/apapsch/go-jsonmerge/v2"
	"github.com/google/uuid"

	"oee-monitor/internal/store"
)

// Patch is a partial update of the device settings. Nil fields are left unchanged.
type Patch struct {
	PlantID      *string `json:"plantId,omitempty"`
	PlantName    *string `json:"plantName,omitempty"`
	SectorID     *string `json:"sectorId,omitempty"`
	SectorName   *string `json:"sectorName,omitempty"`
	LineID       *string `json:"lineId,omitempty"`
	LineName     *string `json:"lineName,omitempty"`
	ProductID    *string `json:"productId,omitempty"`
	ProductName  *string `json:"productName,omitempty"`
	IsConfigured *bool   `json:"isConfigured,omitempty"`
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// ConfigStore owns the persisted device settings. All writes go through SetSettings.
type ConfigStore struct {
	st     store.Store
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	rec store.ConfigRecord
}

// Open loads the configuration record. A missing or corrupt record yields
// unconfigured defaults; only store failures are returned.
func Open(st store.Store, logger *slog.Logger) (*ConfigStore, error) {
	c := &ConfigStore{
		st:     st,
		logger: logger.With("component", "device_config"),
		now:    time.Now,
	}

	rec, err := st.GetConfig()
	switch {
	case err == nil:
		c.rec = *rec
	case errors.Is(err, store.ErrNotFound):
		c.logger.Info("no device configuration stored, starting unconfigured")
	case errors.Is(err, store.ErrMalformed):
		c.logger.Warn("stored device configuration is malformed, starting unconfigured", "err", err)
	default:
		return nil, fmt.Errorf("load device config: %w", err)
	}

	c.rec.Settings = normalize(c.rec.Settings, c.logger)
	if err := c.ensureSelf(); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureSelf registers this runtime in the device list on first start.
func (c *ConfigStore) ensureSelf() error {
	if len(c.rec.Devices) > 0 {
		return nil
	}
	self := store.Device{
		ID:           uuid.NewString(),
		LineID:       c.rec.Settings.LineID,
		RegisteredAt: c.now(),
	}
	c.rec.Devices = []store.Device{self}
	if err := c.st.SaveConfig(&c.rec); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	c.logger.Info("device registered", "id", self.ID)
	return nil
}

// Settings returns a copy of the current settings.
func (c *ConfigStore) Settings() store.DeviceSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.Settings
}

// LineID returns the configured line and whether the device is usable for
// line-scoped requests.
func (c *ConfigStore) LineID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.Settings.LineID, !gated(c.rec.Settings)
}

// IsGated reports whether line-scoped work must be skipped.
func (c *ConfigStore) IsGated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gated(c.rec.Settings)
}

// DeviceID returns the identity of this runtime.
func (c *ConfigStore) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.Devices[0].ID
}

// Devices returns a copy of the persisted device list.
func (c *ConfigStore) Devices() []store.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]store.Device(nil), c.rec.Devices...)
}

// SetSettings merges p into the current settings, stamps LastSetupDate and
// persists the record. The merged settings are kept in memory even when the
// write fails; the write error is returned.
func (c *ConfigStore) SetSettings(p Patch) (store.DeviceSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged, err := merge(c.rec.Settings, p)
	if err != nil {
		return c.rec.Settings, fmt.Errorf("merge settings: %w", err)
	}
	merged.LastSetupDate = c.now()
	merged = normalize(merged, c.logger)

	c.rec.Settings = merged
	c.rec.Devices[0].LineID = merged.LineID

	if err := c.st.SaveConfig(&c.rec); err != nil {
		c.logger.Error("persist device settings", "err", err)
		return merged, fmt.Errorf("persist settings: %w", err)
	}
	c.logger.Info("device settings updated",
		"plant", merged.PlantID, "sector", merged.SectorID, "line", merged.LineID,
		"configured", merged.IsConfigured)
	return merged, nil
}

func merge(cur store.DeviceSettings, p Patch) (store.DeviceSettings, error) {
	data, err := json.Marshal(cur)
	if err != nil {
		return cur, err
	}
	patch, err := json.Marshal(p)
	if err != nil {
		return cur, err
	}
	merger := jsonmerge.Merger{CopyNonexistent: true}
	out, err := merger.MergeBytes(data, patch)
	if err != nil {
		return cur, err
	}
	var next store.DeviceSettings
	if err := json.Unmarshal(out, &next); err != nil {
		return cur, err
	}
	return next, nil
}

// normalize enforces isConfigured => lineId != "".
func normalize(s store.DeviceSettings, logger *slog.Logger) store.DeviceSettings {
	if s.IsConfigured && s.LineID == "" {
		logger.Warn("configured flag set without a line, clearing it")
		s.IsConfigured = false
	}
	return s
}

func gated(s store.DeviceSettings) bool {
	return !s.IsConfigured || s.LineID == ""
}
