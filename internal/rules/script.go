//go:build !no_rules

package rules

// Meta is the JSON header line of a rule file.
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one rule file in the rules directory.
type Script struct {
	ID       string `json:"id"` // file name without .lua
	Meta     Meta   `json:"meta"`
	Code     string `json:"code"`
	FilePath string `json:"-"`
}

// RunResult is the outcome of a one-shot rule run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Handlers int      `json:"handlers"`
	Duration string   `json:"duration"`
}
