package benchmark

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/kuzushiji/classifier"
)

// mockModel fails every failEvery-th call when failEvery > 0.
type mockModel struct {
	calls     atomic.Int64
	failEvery int64
}

func (m *mockModel) Forward(ctx context.Context, in classifier.Input) (*classifier.Output, error) {
	n := m.calls.Add(1)
	if m.failEvery > 0 && n%m.failEvery == 0 {
		return nil, errors.New("forward failed")
	}
	return &classifier.Output{RoIs: in.RoIs}, nil
}

func TestScenarioBuilder(t *testing.T) {
	s := NewScenarioBuilder("test").
		WithResolution(640, 960).
		WithRoIs(10, 16).
		WithBatchSize(2).
		WithIterations(5).
		WithWarmupRuns(1).
		Build()

	assert.Equal(t, "test", s.Name)
	assert.Equal(t, Resolution{Width: 640, Height: 960, Name: "640x960"}, s.Resolution)
	assert.Equal(t, 10, s.RoIs)
	assert.Equal(t, 16, s.BoxSize)
	assert.Equal(t, 2, s.BatchSize)
	assert.Equal(t, 5, s.Iterations)
	assert.Equal(t, 1, s.WarmupRuns)
	assert.NoError(t, s.Validate())
}

func TestScenarioValidate(t *testing.T) {
	bad := []Scenario{
		NewScenarioBuilder("res").WithResolution(0, 10).Build(),
		NewScenarioBuilder("batch").WithBatchSize(0).Build(),
		NewScenarioBuilder("iters").WithIterations(0).Build(),
		NewScenarioBuilder("box").WithRoIs(10, 0).Build(),
		NewScenarioBuilder("big").WithResolution(32, 32).WithRoIs(1, 64).Build(),
	}
	for _, s := range bad {
		assert.Error(t, s.Validate(), s.Name)
	}
}

func TestQuickScenarios(t *testing.T) {
	set := QuickScenarios()
	require.Len(t, set.Scenarios, 4)
	for _, s := range set.Scenarios {
		assert.NoError(t, s.Validate())
		assert.NotEmpty(t, s.Resolution.Name)
	}
}

func TestScenarioSetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	set := QuickScenarios()

	require.NoError(t, SaveScenarioSet(set, path))
	loaded, err := LoadScenarioSet(path)
	require.NoError(t, err)
	assert.Equal(t, set, loaded)

	_, err = LoadScenarioSet(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSyntheticInput(t *testing.T) {
	s := NewScenarioBuilder("synthetic").WithResolution(100, 60).WithRoIs(25, 20).WithBatchSize(2).Build()

	in := SyntheticInput(s, 7)
	assert.Equal(t, tensor.Shape{2, 3, 60, 100}, in.Images.Shape())
	require.Len(t, in.RoIs, 50)
	for i, b := range in.RoIs {
		assert.Equal(t, i/25, b.Batch)
		assert.GreaterOrEqual(t, b.X1, float32(0))
		assert.LessOrEqual(t, b.X2, float32(100))
		assert.LessOrEqual(t, b.Y2, float32(60))
		assert.Equal(t, float32(20), b.Width())
	}

	assert.Equal(t, in.RoIs, SyntheticInput(s, 7).RoIs)
}

func TestRunScenario(t *testing.T) {
	model := &mockModel{failEvery: 4}
	suite := NewSuite(model, t.TempDir(), zaptest.NewLogger(t))

	s := NewScenarioBuilder("run").WithResolution(64, 64).WithRoIs(5, 8).WithIterations(8).WithWarmupRuns(0).Build()
	m, err := suite.RunScenario(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, int64(8), model.calls.Load())
	assert.InDelta(t, 0.25, m.ErrorRate, 1e-9)
	assert.Greater(t, m.PagesPerSecond, 0.0)
	assert.InDelta(t, m.PagesPerSecond*5, m.RegionsPerSecond, 1e-6*m.RegionsPerSecond)
	assert.LessOrEqual(t, m.P50, m.P95)
	assert.Equal(t, s, m.Scenario)
}

func TestRunScenario_Cancelled(t *testing.T) {
	suite := NewSuite(&mockModel{}, t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScenarioBuilder("cancel").WithResolution(64, 64).WithRoIs(1, 8).Build()
	_, err := suite.RunScenario(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunAllScenarios(t *testing.T) {
	dir := t.TempDir()
	suite := NewSuite(&mockModel{}, dir, zaptest.NewLogger(t))
	suite.AddScenario(NewScenarioBuilder("a").WithResolution(64, 64).WithRoIs(3, 8).WithIterations(2).Build())
	suite.AddScenario(NewScenarioBuilder("invalid").WithIterations(0).Build())

	require.NoError(t, suite.RunAllScenarios(context.Background()))

	results := suite.GetResults()
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Scenario.Name)

	jsonFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_results_*.json"))
	require.NoError(t, err)
	assert.Len(t, jsonFiles, 1)

	csvFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_summary_*.csv"))
	require.NoError(t, err)
	require.Len(t, csvFiles, 1)
	data, err := os.ReadFile(csvFiles[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "scenario,resolution,rois")
	assert.Contains(t, string(data), "a,64x64,3,1,")
}

func TestPercentile(t *testing.T) {
	ds := []time.Duration{4, 1, 3, 2}
	assert.Equal(t, time.Duration(2), percentile(ds, 0.5))
	assert.Equal(t, time.Duration(4), percentile(ds, 0.95))
	assert.Equal(t, time.Duration(1), percentile(ds, 0))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
	assert.Equal(t, []time.Duration{4, 1, 3, 2}, ds)
}
