//go:build no_mqtt

package main

import (
	"log/slog"

	"oee-monitor/internal/production"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *production.State, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
