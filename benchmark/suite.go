package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/kuzushiji/classifier"
	"github.com/nvr-ai/kuzushiji/roi"
)

// Forwarder runs a forward pass; *classifier.Model implements it.
type Forwarder interface {
	Forward(ctx context.Context, in classifier.Input) (*classifier.Output, error)
}

// PerformanceMetrics captures the results of one scenario.
type PerformanceMetrics struct {
	Scenario         Scenario      `json:"scenario"`
	Timestamp        time.Time     `json:"timestamp"`
	TotalDuration    time.Duration `json:"total_duration"`
	P50              time.Duration `json:"p50"`
	P95              time.Duration `json:"p95"`
	PagesPerSecond   float64       `json:"pages_per_second"`
	RegionsPerSecond float64       `json:"regions_per_second"`
	ErrorRate        float64       `json:"error_rate"`
	MemoryStats      MemoryMetrics `json:"memory_stats"`
	NumCPU           int           `json:"num_cpu"`
}

// MemoryMetrics captures memory usage during a scenario.
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// Suite runs scenarios against a model and collects their metrics.
type Suite struct {
	model     Forwarder
	outputDir string
	logger    *zap.Logger
	seed      int64

	mu        sync.RWMutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a suite.
//
// Arguments:
//   - model: The model to benchmark.
//   - outputDir: Where SaveResults writes its reports.
//   - logger: Receives progress; nil disables logging.
//
// Returns:
//   - *Suite: The suite.
func NewSuite(model Forwarder, outputDir string, logger *zap.Logger) *Suite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{
		model:     model,
		outputDir: outputDir,
		logger:    logger,
		seed:      1,
	}
}

// AddScenario queues a scenario.
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// AddScenarioSet queues every scenario of set.
func (bs *Suite) AddScenarioSet(set *ScenarioSet) {
	for _, s := range set.Scenarios {
		bs.AddScenario(s)
	}
}

// RunScenario measures a single scenario on synthetic pages.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	input := SyntheticInput(scenario, bs.seed)

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := bs.model.Forward(ctx, input); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	latencies := make([]time.Duration, 0, scenario.Iterations)
	failures := 0
	start := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runStart := time.Now()
		if _, err := bs.model.Forward(ctx, input); err != nil {
			failures++
			bs.logger.Debug("forward failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}
		latencies = append(latencies, time.Since(runStart))
	}
	total := time.Since(start)

	var endMem runtime.MemStats
	runtime.ReadMemStats(&endMem)

	succeeded := float64(len(latencies))
	m := &PerformanceMetrics{
		Scenario:      scenario,
		Timestamp:     start,
		TotalDuration: total,
		P50:           percentile(latencies, 0.50),
		P95:           percentile(latencies, 0.95),
		ErrorRate:     float64(failures) / float64(scenario.Iterations),
		MemoryStats: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
		},
		NumCPU: runtime.NumCPU(),
	}
	if seconds := total.Seconds(); seconds > 0 {
		m.PagesPerSecond = succeeded * float64(scenario.BatchSize) / seconds
		m.RegionsPerSecond = succeeded * float64(scenario.BatchSize*scenario.RoIs) / seconds
	}
	return m, nil
}

// RunAllScenarios runs every queued scenario and saves the results.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	bs.mu.RLock()
	scenarios := make([]Scenario, len(bs.scenarios))
	copy(scenarios, bs.scenarios)
	bs.mu.RUnlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			bs.logger.Warn("scenario failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.Info("scenario completed",
			zap.String("scenario", scenario.Name),
			zap.Float64("pages_per_second", metrics.PagesPerSecond),
			zap.Float64("regions_per_second", metrics.RegionsPerSecond),
			zap.Duration("p95", metrics.P95),
		)
	}

	return bs.SaveResults()
}

// GetResults returns the collected metrics.
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}

// SaveResults writes the results as JSON and a CSV summary.
func (bs *Suite) SaveResults() error {
	results := bs.GetResults()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return fmt.Errorf("failed to save summary CSV: %w", err)
	}

	bs.logger.Info("results saved", zap.String("results", resultsFile), zap.String("summary", summaryFile))
	return nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write([]string{"scenario", "resolution", "rois", "batch", "pages_per_second", "regions_per_second", "p50_ms", "p95_ms", "error_rate"})
	for _, r := range results {
		_ = w.Write([]string{
			r.Scenario.Name,
			r.Scenario.Resolution.Name,
			strconv.Itoa(r.Scenario.RoIs),
			strconv.Itoa(r.Scenario.BatchSize),
			strconv.FormatFloat(r.PagesPerSecond, 'f', 2, 64),
			strconv.FormatFloat(r.RegionsPerSecond, 'f', 2, 64),
			strconv.FormatFloat(float64(r.P50.Microseconds())/1e3, 'f', 3, 64),
			strconv.FormatFloat(float64(r.P95.Microseconds())/1e3, 'f', 3, 64),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		})
	}
	w.Flush()
	return w.Error()
}

// SyntheticInput builds a zero page batch with boxes placed at random.
func SyntheticInput(s Scenario, seed int64) classifier.Input {
	w, h := s.Resolution.Width, s.Resolution.Height
	images := tensor.New(
		tensor.WithShape(s.BatchSize, 3, h, w),
		tensor.WithBacking(make([]float32, s.BatchSize*3*h*w)),
	)

	rng := rand.New(rand.NewSource(seed))
	boxes := make([]roi.Box, 0, s.BatchSize*s.RoIs)
	size := float32(s.BoxSize)
	for b := 0; b < s.BatchSize; b++ {
		for i := 0; i < s.RoIs; i++ {
			x := float32(rng.Intn(w - s.BoxSize + 1))
			y := float32(rng.Intn(h - s.BoxSize + 1))
			boxes = append(boxes, roi.Box{Batch: b, X1: x, Y1: y, X2: x + size, Y2: y + size})
		}
	}
	return classifier.Input{Images: images, RoIs: boxes}
}

// percentile returns the q-quantile of durations by nearest rank.
func percentile(durations []time.Duration, q float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))+0.5) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
