//go:build no_rules

// Package rules is compiled out; every call is a no-op.
package rules

import (
	"errors"
	"log/slog"
	"time"

	"oee-monitor/internal/production"
)

var ErrInvalidID = errors.New("invalid rule id")

type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string `json:"id"`
	Meta     Meta   `json:"meta"`
	Code     string `json:"code"`
	FilePath string `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Handlers int      `json:"handlers"`
	Duration string   `json:"duration"`
}

type Runtime interface {
	Events() *production.EventBus
	Snapshot() production.Snapshot
}

type Config struct {
	NotifyURL     string
	NotifyTimeout time.Duration
}

type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, nil }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

type Engine struct{}

func NewEngine(_ Runtime, _ *Manager, _ Config, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()            {}
func (e *Engine) Stop()             {}
func (e *Engine) Running() []string { return nil }

func (e *Engine) Run(_ string) *RunResult {
	return &RunResult{Error: "rules disabled", Logs: []string{}}
}

func (e *Engine) RunCode(_, _ string) *RunResult {
	return &RunResult{Error: "rules disabled", Logs: []string{}}
}
