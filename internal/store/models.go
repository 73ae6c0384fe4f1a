package store

import "time"

// DeviceSettings is the persisted line/plant/sector configuration of this device.
type DeviceSettings struct {
	PlantID       string    `json:"plantId"`
	PlantName     string    `json:"plantName"`
	SectorID      string    `json:"sectorId"`
	SectorName    string    `json:"sectorName"`
	LineID        string    `json:"lineId"`
	LineName      string    `json:"lineName"`
	ProductID     string    `json:"productId"`
	ProductName   string    `json:"productName"`
	IsConfigured  bool      `json:"isConfigured"`
	LastSetupDate time.Time `json:"lastSetupDate"`
}

// Device is an entry of the minimal device list kept next to the settings.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	LineID       string    `json:"line_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ConfigRecord is the single configuration record stored under the fixed namespace.
type ConfigRecord struct {
	Settings DeviceSettings `json:"settings"`
	Devices  []Device       `json:"devices,omitempty"`
}

// ShiftRecord is the persisted form of a catalog shift.
// Start and End are "HH:MM" time-of-day strings.
type ShiftRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Start string `json:"start_time"`
	End   string `json:"end_time"`
}
