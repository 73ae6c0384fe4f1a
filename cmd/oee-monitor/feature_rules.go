//go:build !no_rules

package main

import (
	"log/slog"

	"oee-monitor/internal/production"
	"oee-monitor/internal/rules"
	"oee-monitor/internal/web"
)

type ruleStopper struct {
	engine *rules.Engine
}

func (r *ruleStopper) Stop() {
	if r.engine != nil {
		r.engine.Stop()
	}
}

func initRules(state *production.State, cfg *Config, logger *slog.Logger) (*ruleStopper, []web.ServerOption) {
	mgr, err := rules.NewManager(cfg.Rules.Dir, logger)
	if err != nil {
		logger.Error("create rule manager", "err", err)
		return &ruleStopper{}, nil
	}

	engine := rules.NewEngine(state, mgr, rules.Config{
		NotifyURL:     cfg.Rules.NotifyURL,
		NotifyTimeout: cfg.durations.notifyTimeout,
	}, logger)
	engine.Start()

	return &ruleStopper{engine: engine}, []web.ServerOption{web.WithRules(engine, mgr)}
}
