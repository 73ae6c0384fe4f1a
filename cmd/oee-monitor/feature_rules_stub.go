//go:build no_rules

package main

import (
	"log/slog"

	"oee-monitor/internal/production"
	"oee-monitor/internal/web"
)

type ruleStopper struct{}

func (r *ruleStopper) Stop() {}

func initRules(_ *production.State, _ *Config, _ *slog.Logger) (*ruleStopper, []web.ServerOption) {
	return &ruleStopper{}, nil
}
