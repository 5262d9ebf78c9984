// Package profiler - Stage timing for the classification pipeline.
package profiler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats summarises the recorded durations of one operation.
type Stats struct {
	Name    string        `json:"name"    yaml:"name"`
	Count   int64         `json:"count"   yaml:"count"`
	Total   time.Duration `json:"total"   yaml:"total"`
	Min     time.Duration `json:"min"     yaml:"min"`
	Max     time.Duration `json:"max"     yaml:"max"`
	Average time.Duration `json:"average" yaml:"average"`
}

// tracker keeps a bounded window of samples for an operation.
type tracker struct {
	durations []time.Duration
	window    time.Duration
	total     time.Duration
	min       time.Duration
	max       time.Duration
	count     int64
}

// Options configures a Profiler.
type Options struct {
	// ReportInterval specifies how often Start emits a report (default: 10s).
	ReportInterval time.Duration
	// MaxSamples bounds the per-operation sample window used for averages (default: 600).
	MaxSamples int
	// Logger receives periodic reports. Nil disables reporting.
	Logger *zap.Logger
}

// Profiler records operation timings. It is safe for concurrent use. A nil
// *Profiler records nothing and its lifecycle methods are no-ops.
type Profiler struct {
	mu         sync.Mutex
	trackers   map[string]*tracker
	maxSamples int

	reportInterval time.Duration
	logger         *zap.Logger
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// New creates a profiler with the given options.
//
// Arguments:
//   - opts: Reporting and sampling options.
//
// Returns:
//   - *Profiler: A profiler with no recorded operations.
func New(opts Options) *Profiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Profiler{
		trackers:       make(map[string]*tracker),
		maxSamples:     opts.MaxSamples,
		reportInterval: opts.ReportInterval,
		logger:         opts.Logger,
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds a completed operation duration.
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trackers[name]
	if !ok {
		t = &tracker{min: d, max: d}
		p.trackers[name] = t
	}

	t.durations = append(t.durations, d)
	t.window += d
	if len(t.durations) > p.maxSamples {
		t.window -= t.durations[0]
		t.durations = t.durations[1:]
	}

	t.total += d
	t.count++
	t.min = min(t.min, d)
	t.max = max(t.max, d)
}

// Stats returns the statistics of a single operation.
//
// Returns:
//   - Stats: The statistics; Average covers the sample window.
//   - bool: False when the operation was never recorded.
func (p *Profiler) Stats(name string) (Stats, bool) {
	if p == nil {
		return Stats{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trackers[name]
	if !ok {
		return Stats{}, false
	}
	return t.stats(name), true
}

// Snapshot returns the statistics of every operation sorted by name.
func (p *Profiler) Snapshot() []Stats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.trackers))
	for name, t := range p.trackers {
		out = append(out, t.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears all recorded operations.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackers = make(map[string]*tracker)
}

// Start emits a report every ReportInterval until Stop is called.
func (p *Profiler) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop halts periodic reporting and waits for the reporter to exit.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Report logs the current statistics of every operation.
func (p *Profiler) Report() {
	for _, s := range p.Snapshot() {
		p.logger.Info("operation timing",
			zap.String("operation", s.Name),
			zap.Int64("count", s.Count),
			zap.Duration("avg", s.Average),
			zap.Duration("min", s.Min),
			zap.Duration("max", s.Max),
		)
	}
}

func (t *tracker) stats(name string) Stats {
	s := Stats{Name: name, Count: t.count, Total: t.total, Min: t.min, Max: t.max}
	if n := len(t.durations); n > 0 {
		s.Average = t.window / time.Duration(n)
	}
	return s
}
