// Package agent builds the command lines used to drive external coding-agent
// CLIs for a single stage.
package agent

import (
	"sort"
	"sync"
)

// Candidate is one way to invoke a tool. Adapters return several when the
// tool's CLI surface changed across releases.
type Candidate struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args"`
	Stdin      string            `json:"-"`
	Env        map[string]string `json:"-"`
}

// Manifest describes static properties of an adapter.
type Manifest struct {
	Name                 string `json:"name"`
	Provider             string `json:"provider"`
	RequiresBrowserOAuth bool   `json:"requires_browser_oauth"`
	DefaultModel         string `json:"default_model,omitempty"`
}

// Adapter turns (stage, model, prompt) into ordered invocation candidates.
type Adapter interface {
	Manifest() Manifest
	BuildStageCommand(stage, model, prompt string) []Candidate
}

// Registry maps agent names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(Claude{})
	r.Register(Codex{})
	r.Register(Gemini{})
	r.Register(Copilot{})
	return r
}

// Register adds or replaces an adapter under its manifest name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Manifest().Name] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}

func withModel(args []string, flag, model string) []string {
	if model == "" {
		return args
	}
	return append(args, flag, model)
}
