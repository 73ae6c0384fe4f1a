//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"oee-monitor/internal/store"
)

// discoveryMsg is a Home Assistant discovery message. A nil payload deletes the entity.
type discoveryMsg struct {
	Topic   string
	Payload []byte
}

type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

type haSensor struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// sensorSpec describes one entity; topic is the line sub-topic it reads.
type sensorSpec struct {
	key, name, field, unit, icon, topic string
}

var sensors = []sensorSpec{
	{"oee", "OEE", "oee", "%", "mdi:gauge", topicMetrics},
	{"availability", "Availability", "availability", "%", "mdi:clock-check-outline", topicMetrics},
	{"performance", "Performance", "performance", "%", "mdi:speedometer", topicMetrics},
	{"quality", "Quality", "quality", "%", "mdi:check-decagram", topicMetrics},
	{"total", "Total count", "total", "pcs", "mdi:counter", topicMetrics},
	{"good", "Good count", "good", "pcs", "mdi:counter", topicMetrics},
	{"speed", "Speed", "instantSpeed", "ppm", "mdi:speedometer-medium", topicMetrics},
	{"status", "Status", "status", "", "mdi:factory", topicStatus},
}

const (
	topicMetrics = "metrics"
	topicStatus  = "status"
	topicShift   = "shift"
)

// nodeID is the Home Assistant node for this device. It does not depend on
// the line, so a line change rewrites the same entities.
func nodeID(deviceID string) string {
	return "oee_" + strings.ReplaceAll(deviceID, "-", "")
}

// lineTopic sanitizes a line ID into a single topic level.
func lineTopic(lineID string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(lineID))
}

func displayName(s store.DeviceSettings) string {
	if s.LineName != "" {
		return s.LineName
	}
	return s.LineID
}

// buildDiscovery returns one retained config message per sensor for the
// configured line. Nothing is returned while no line is set.
func buildDiscovery(deviceID string, s store.DeviceSettings, prefix, discoveryPrefix string) []discoveryMsg {
	if s.LineID == "" {
		return nil
	}
	node := nodeID(deviceID)
	name := displayName(s)
	dev := haDevice{
		Identifiers:   []string{node},
		Manufacturer:  "oee-monitor",
		Model:         "Line monitor",
		Name:          "OEE " + name,
		SuggestedArea: s.SectorName,
	}
	base := prefix + "/" + lineTopic(s.LineID) + "/"

	msgs := make([]discoveryMsg, 0, len(sensors))
	for _, sp := range sensors {
		cfg := haSensor{
			Name:              name + " " + sp.name,
			UniqueID:          node + "_" + sp.key,
			StateTopic:        base + sp.topic,
			AvailabilityTopic: prefix + "/bridge/state",
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", sp.field),
			UnitOfMeasurement: sp.unit,
			Icon:              sp.icon,
			Device:            dev,
		}
		if sp.unit != "" {
			cfg.StateClass = "measurement"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, node, sp.key),
			Payload: mustJSON(cfg),
		})
	}
	return msgs
}

// buildRemoveDiscovery deletes every entity of the device.
func buildRemoveDiscovery(deviceID, discoveryPrefix string) []discoveryMsg {
	node := nodeID(deviceID)
	msgs := make([]discoveryMsg, 0, len(sensors))
	for _, sp := range sensors {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("%s/sensor/%s/%s/config", discoveryPrefix, node, sp.key),
		})
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
