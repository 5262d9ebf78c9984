// Package benchmark - Throughput benchmarks for the region classifier.
package benchmark

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Resolution is a page size in pixels.
type Resolution struct {
	Width  int    `json:"width"  yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name"   yaml:"name"`
}

// Scenario defines one benchmark configuration.
type Scenario struct {
	Name       string     `json:"name"        yaml:"name"`
	Resolution Resolution `json:"resolution"  yaml:"resolution"`
	// RoIs is the number of character boxes per page.
	RoIs int `json:"rois" yaml:"rois"`
	// BoxSize is the side of each synthetic box in pixels.
	BoxSize    int `json:"box_size"    yaml:"box_size"`
	BatchSize  int `json:"batch_size"  yaml:"batch_size"`
	Iterations int `json:"iterations"  yaml:"iterations"`
	WarmupRuns int `json:"warmup_runs" yaml:"warmup_runs"`
}

// ScenarioBuilder builds scenarios with a fluent API.
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a builder with one page of 100 boxes per batch.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			Resolution: Resolution{Width: 512, Height: 512, Name: "512x512"},
			RoIs:       100,
			BoxSize:    32,
			BatchSize:  1,
			Iterations: 20,
			WarmupRuns: 2,
		},
	}
}

// WithResolution sets the page size.
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithRoIs sets the number of boxes per page and their side length.
func (sb *ScenarioBuilder) WithRoIs(count, size int) *ScenarioBuilder {
	sb.scenario.RoIs = count
	sb.scenario.BoxSize = size
	return sb
}

// WithBatchSize sets the number of pages per forward pass.
func (sb *ScenarioBuilder) WithBatchSize(batchSize int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	return sb
}

// WithIterations sets the number of measured runs.
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of unmeasured runs.
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the scenario.
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// Validate checks that the scenario can be run.
func (s Scenario) Validate() error {
	switch {
	case s.Resolution.Width <= 0 || s.Resolution.Height <= 0:
		return fmt.Errorf("scenario %s: invalid resolution %dx%d", s.Name, s.Resolution.Width, s.Resolution.Height)
	case s.BatchSize <= 0:
		return fmt.Errorf("scenario %s: batch size must be positive", s.Name)
	case s.Iterations <= 0:
		return fmt.Errorf("scenario %s: iterations must be positive", s.Name)
	case s.RoIs < 0 || s.BoxSize <= 0:
		return fmt.Errorf("scenario %s: invalid boxes (%d of %dpx)", s.Name, s.RoIs, s.BoxSize)
	case s.BoxSize > s.Resolution.Width || s.BoxSize > s.Resolution.Height:
		return fmt.Errorf("scenario %s: box size %d exceeds the page", s.Name, s.BoxSize)
	}
	return nil
}

// ScenarioSet is a named collection of scenarios.
type ScenarioSet struct {
	Name        string     `json:"name"        yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios"   yaml:"scenarios"`
}

// QuickScenarios returns a small set covering page size and box count.
func QuickScenarios() *ScenarioSet {
	var scenarios []Scenario
	for _, res := range []Resolution{
		{Width: 512, Height: 768},
		{Width: 1024, Height: 1536},
	} {
		for _, rois := range []int{50, 400} {
			scenarios = append(scenarios,
				NewScenarioBuilder(fmt.Sprintf("%dx%d_%drois", res.Width, res.Height, rois)).
					WithResolution(res.Width, res.Height).
					WithRoIs(rois, 48).
					Build(),
			)
		}
	}
	return &ScenarioSet{
		Name:        "Quick",
		Description: "Page size and box count sweep",
		Scenarios:   scenarios,
	}
}

// SaveScenarioSet writes a scenario set as YAML.
func SaveScenarioSet(set *ScenarioSet, filename string) error {
	data, err := yaml.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario set: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario set: %w", err)
	}
	return nil
}

// LoadScenarioSet reads a YAML scenario set.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario set: %w", err)
	}
	var set ScenarioSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse scenario set: %w", err)
	}
	for _, s := range set.Scenarios {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &set, nil
}
