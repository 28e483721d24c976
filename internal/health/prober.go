package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks one dependency. Check must honor ctx; a nil return means the
// dependency answered.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProberConfig configures the probe loop.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober runs every registered probe on an interval and feeds results into
// the Tracker.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewProber creates a prober over the given probes.
func NewProber(cfg ProberConfig, tracker *Tracker, probes []Probe, logger *slog.Logger) *Prober {
	m := make(map[string]Probe, len(probes))
	for _, p := range probes {
		m[p.Name] = p
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		probes:  m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddProbe registers a probe at runtime, replacing any probe with the same
// name. Safe to call while the prober is running.
func (p *Prober) AddProbe(probe Probe) {
	p.mu.Lock()
	p.probes[probe.Name] = probe
	p.mu.Unlock()
	p.logger.Info("health prober: added probe", slog.String("dependency", probe.Name))
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start so /healthz is meaningful before the first tick.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	p.mu.RLock()
	snapshot := make([]Probe, 0, len(p.probes))
	for _, probe := range p.probes {
		snapshot = append(snapshot, probe)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, probe := range snapshot {
		wg.Add(1)
		go func(probe Probe) {
			defer wg.Done()
			p.probeOne(probe)
		}(probe)
	}
	wg.Wait()
}

func (p *Prober) probeOne(probe Probe) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := probe.Check(ctx)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		p.tracker.RecordError(probe.Name, err.Error())
		p.logger.Warn("health probe failed",
			slog.String("dependency", probe.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	p.tracker.RecordSuccess(probe.Name, latencyMs)
	p.logger.Debug("health probe ok",
		slog.String("dependency", probe.Name),
		slog.Float64("latency_ms", latencyMs),
	)
}
