//go:build !no_mqtt

// Package mqtt publishes line metrics to an MQTT broker with Home Assistant
// discovery.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"oee-monitor/internal/metrics"
	"oee-monitor/internal/production"
	"oee-monitor/internal/shift"
	"oee-monitor/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Runtime is the production state the bridge mirrors.
type Runtime interface {
	Events() *production.EventBus
	Snapshot() production.Snapshot
}

// publisher is the part of pahomqtt.Client the bridge uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge mirrors production events to retained MQTT topics.
type Bridge struct {
	client          publisher
	rt              Runtime
	prefix          string
	discoveryPrefix string
	logger          *slog.Logger
	unsub           func()
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup

	mu       sync.Mutex
	deviceID string
	settings store.DeviceSettings
	started  bool
}

type metricsPayload struct {
	metrics.LiveMetrics
	Progress  metrics.Progress `json:"progress"`
	Job       *metrics.Job     `json:"job,omitempty"`
	Shift     string           `json:"shift,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type shiftPayload struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	Version uint64 `json:"version"`
	Source  string `json:"source,omitempty"`
}

// NewBridge connects to the broker. Publishing starts with Start.
func NewBridge(rt Runtime, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(rt, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "oee-monitor-" + b.deviceID
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(rt Runtime, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "oee"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	snap := rt.Snapshot()
	return &Bridge{
		rt:              rt,
		prefix:          cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		logger:          logger.With("component", "mqtt"),
		ctx:             ctx,
		cancel:          cancel,
		deviceID:        snap.DeviceID,
		settings:        snap.Settings,
	}
}

// Start subscribes to production events and publishes the current state.
func (b *Bridge) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	b.unsub = b.rt.Events().OnAll(b.handleEvent)
	b.publishAll()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes the offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.wg.Wait()
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect also runs after every reconnect; retained topics are refreshed
// in case the broker lost them.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		b.publishAll()
	}
}

func (b *Bridge) publishAll() {
	b.publish(b.prefix+"/bridge/state", []byte("online"), true)
	snap := b.rt.Snapshot()
	b.publishDiscovery(snap.Settings)
	b.publishMetrics(snap)
	b.publishStatus(snap.Settings.LineID, snap.Status)
	b.publishShift(snap.Settings.LineID, shift.Current{Shift: snap.CurrentShift, Version: snap.ShiftVersion, Source: snap.ShiftSource})
}

func (b *Bridge) handleEvent(ev production.Event) {
	select {
	case <-b.ctx.Done():
		return
	default:
	}

	switch ev.Type {
	case production.EventMetricsUpdated:
		if snap, ok := ev.Data.(production.Snapshot); ok {
			b.publishMetrics(snap)
		}
	case production.EventStatusChanged:
		if st, ok := ev.Data.(metrics.ProductionStatus); ok {
			b.publishStatus(b.line(), st)
		}
	case production.EventShiftChanged:
		if cur, ok := ev.Data.(shift.Current); ok {
			b.publishShift(b.line(), cur)
		}
	case production.EventSettingsChanged:
		if s, ok := ev.Data.(store.DeviceSettings); ok {
			b.handleSettings(s)
		}
	}
}

// handleSettings republishes discovery when the line changed. Without a
// line the entities are removed.
func (b *Bridge) handleSettings(s store.DeviceSettings) {
	b.mu.Lock()
	prev := b.settings
	b.settings = s
	b.mu.Unlock()

	if prev.LineID == s.LineID && prev.LineName == s.LineName {
		return
	}
	b.logger.Info("line changed, republishing discovery", "from", prev.LineID, "to", s.LineID)
	if s.LineID == "" {
		for _, msg := range buildRemoveDiscovery(b.deviceID, b.discoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		return
	}
	b.publishDiscovery(s)
}

func (b *Bridge) line() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings.LineID
}

func (b *Bridge) publishDiscovery(s store.DeviceSettings) {
	msgs := buildDiscovery(b.deviceID, s, b.prefix, b.discoveryPrefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "line", s.LineID, "entities", len(msgs))
	}
}

func (b *Bridge) publishMetrics(snap production.Snapshot) {
	if snap.Settings.LineID == "" {
		return
	}
	p := metricsPayload{
		LiveMetrics: snap.LiveMetrics,
		Progress:    snap.Progress,
		Job:         snap.Job,
		UpdatedAt:   snap.UpdatedAt,
	}
	if snap.CurrentShift != nil {
		p.Shift = snap.CurrentShift.Name
	}
	b.publishLine(snap.Settings.LineID, topicMetrics, mustJSON(p))
}

func (b *Bridge) publishStatus(lineID string, st metrics.ProductionStatus) {
	b.publishLine(lineID, topicStatus, mustJSON(st))
}

func (b *Bridge) publishShift(lineID string, cur shift.Current) {
	p := shiftPayload{Version: cur.Version, Source: string(cur.Source)}
	if cur.Shift != nil {
		p.ID, p.Name = cur.Shift.ID, cur.Shift.Name
		p.Start, p.End = cur.Shift.StartTime.String(), cur.Shift.EndTime.String()
	}
	b.publishLine(lineID, topicShift, mustJSON(p))
}

func (b *Bridge) publishLine(lineID, sub string, payload []byte) {
	if lineID == "" {
		return
	}
	b.publish(b.prefix+"/"+lineTopic(lineID)+"/"+sub, payload, true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
