// Package health tracks the liveness of a service's dependencies (broker,
// databases, cache, auth server) and serves the /healthz verdict built from
// periodic probes.
package health

import (
	"sync"
	"time"
)

// State classifies one dependency.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health for a single dependency.
type Stats struct {
	Dependency    string    `json:"dependency"`
	State         State     `json:"state"`
	TotalChecks   int64     `json:"total_checks"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// TrackerConfig sets the error thresholds for state transitions.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: consecutive errors before the degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: consecutive errors before the down state.
	ConsecErrorsForDown int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
	}
}

// Tracker aggregates probe results per dependency.
type Tracker struct {
	cfg      TrackerConfig
	onUpdate func(dependency string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithOnUpdate registers a callback invoked on every recorded result, not
// just on state transitions. Use this to keep external gauges current.
func WithOnUpdate(fn func(dependency string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful check of a dependency.
func (t *Tracker) RecordSuccess(dependency string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(dependency)
	s.TotalChecks++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy

	// Running average (simple weighted).
	if s.TotalChecks == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	state := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(dependency, state)
	}
}

// RecordError records a failed check of a dependency.
func (t *Tracker) RecordError(dependency string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(dependency)
	s.TotalChecks++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	state := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(dependency, state)
	}
}

// GetStats returns a copy of the health stats for one dependency.
func (t *Tracker) GetStats(dependency string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[dependency]
	if !ok {
		return &Stats{Dependency: dependency, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of the stats for every known dependency.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// Overall folds all dependencies into one service verdict: the worst
// individual state wins. A service with no recorded checks is healthy.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, s := range t.stats {
		switch s.State {
		case StateDown:
			return StateDown
		case StateDegraded:
			overall = StateDegraded
		}
	}
	return overall
}

func (t *Tracker) getOrCreate(dependency string) *Stats {
	s, ok := t.stats[dependency]
	if !ok {
		s = &Stats{Dependency: dependency, State: StateHealthy}
		t.stats[dependency] = s
	}
	return s
}
