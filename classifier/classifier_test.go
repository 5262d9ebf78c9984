package classifier

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/kuzushiji/backbone"
	"github.com/nvr-ai/kuzushiji/head"
	"github.com/nvr-ai/kuzushiji/labels"
	"github.com/nvr-ai/kuzushiji/profiler"
	"github.com/nvr-ai/kuzushiji/roi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExtractor returns constant feature maps at strides 8 and 16. With ramp
// set, both levels hold x + 100*c instead and L2 is offset by 500.
type fakeExtractor struct {
	c1, c2 int
	v1, v2 float32
	ramp   bool
	err    error
	calls  int
	closed bool
}

func (f *fakeExtractor) Extract(ctx context.Context, input *tensor.Dense) (backbone.Features, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return backbone.Features{}, err
	}
	if f.err != nil {
		return backbone.Features{}, f.err
	}
	s := input.Shape()
	if f.ramp {
		return backbone.Features{
			L1: xRamp(0, s[0], f.c1, s[2]/8, s[3]/8),
			L2: xRamp(500, s[0], f.c2, s[2]/16, s[3]/16),
		}, nil
	}
	return backbone.Features{
		L1: constant(f.v1, s[0], f.c1, s[2]/8, s[3]/8),
		L2: constant(f.v2, s[0], f.c2, s[2]/16, s[3]/16),
	}, nil
}

func (f *fakeExtractor) Channels() (int, int) { return f.c1, f.c2 }

func (f *fakeExtractor) Close() error {
	f.closed = true
	return nil
}

func constant(v float32, shape ...int) *tensor.Dense {
	data := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// xRamp builds an NCHW map whose value is offset + x + 100*c.
func xRamp(offset float32, n, c, h, w int) *tensor.Dense {
	data := make([]float32, 0, n*c*h*w)
	for range n {
		for ci := 0; ci < c; ci++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					data = append(data, offset+float32(x)+100*float32(ci))
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(data))
}

func resnet18() *fakeExtractor {
	return &fakeExtractor{c1: 128, c2: 256, v1: 0.01, v2: 0.01}
}

// testParams sums all features into both hidden units and scores class i
// with i/10 of the first hidden unit.
func testParams(in, classes int) *head.Params {
	p := head.NewParams(in, 2, classes)
	w1 := p.FC1Weight.Data().([]float32)
	for i := range w1 {
		w1[i] = 1
	}
	w2 := p.FC2Weight.Data().([]float32)
	for i := 0; i < classes; i++ {
		w2[i*2] = float32(i) / 10
	}
	return p
}

func testInput(boxes ...roi.Box) Input {
	return Input{
		Images: constant(0, 1, 3, 32, 32),
		RoIs:   boxes,
	}
}

func TestInFeatures(t *testing.T) {
	assert.Equal(t, 13824, InFeatures(512, 1024, 3, 3))
	assert.Equal(t, 3456, InFeatures(128, 256, 3, 3))
	assert.Equal(t, 128*4+256*9, InFeatures(128, 256, 2, 3))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{NClasses: 5}.WithDefaults()
	assert.Equal(t, backbone.DefaultVariant, cfg.Base)
	assert.Equal(t, DefaultPoolSize, cfg.PoolL1)
	assert.Equal(t, DefaultPoolSize, cfg.PoolL2)
}

func TestBuildModel(t *testing.T) {
	cfg := Config{Base: "resnet18", NClasses: 3}

	m, err := BuildModel(resnet18(), cfg, testParams(3456, 3), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, 3, m.Config().PoolL1)
	assert.Nil(t, m.Classes())

	fresh, err := BuildModel(resnet18(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, head.HiddenDim, fresh.head.Hidden())
	assert.Equal(t, 3456, fresh.head.InFeatures())
}

func TestBuildModel_Errors(t *testing.T) {
	params := testParams(3456, 3)
	classes, err := labels.NewClasses([]string{"U+3042", "U+3044"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		extractor backbone.Extractor
		cfg       Config
		params    *head.Params
		opts      []Option
	}{
		{"nil extractor", nil, Config{Base: "resnet18", NClasses: 3}, params, nil},
		{"no classes", resnet18(), Config{Base: "resnet18"}, params, nil},
		{"unknown base", resnet18(), Config{Base: "vgg", NClasses: 3}, params, nil},
		{"channel mismatch", resnet18(), Config{Base: "resnet50", NClasses: 3}, params, nil},
		{"in features", resnet18(), Config{Base: "resnet18", NClasses: 3, PoolL1: 2}, params, nil},
		{"class count", resnet18(), Config{Base: "resnet18", NClasses: 4}, params, nil},
		{"class table", resnet18(), Config{Base: "resnet18", NClasses: 3}, params, []Option{WithClasses(classes)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildModel(tt.extractor, tt.cfg, tt.params, tt.opts...)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	_, err = BuildModel(resnet18(), Config{Base: "vgg", NClasses: 3}, params)
	assert.ErrorIs(t, err, backbone.ErrUnknownVariant)
}

func TestForward(t *testing.T) {
	p := profiler.New(profiler.Options{})
	m, err := BuildModel(resnet18(), Config{Base: "resnet18", NClasses: 3}, testParams(3456, 3), WithProfiler(p))
	require.NoError(t, err)

	in := testInput(
		roi.Box{X1: 0, Y1: 0, X2: 16, Y2: 16},
		roi.Box{X1: 8, Y1: 4, X2: 20, Y2: 24},
	)
	in.Sequences = [][]int{{0, 1}}

	out, err := m.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.RoIs, out.RoIs)

	logits := GetOutput(out)
	require.Equal(t, tensor.Shape{2, 3}, logits.Shape())

	// Every feature is 0.01, so each hidden unit sees 3456 * 0.01.
	hidden := float32(34.56) / float32(1.000005)
	data := logits.Data().([]float32)
	for k := 0; k < 2; k++ {
		assert.InDelta(t, 0, data[k*3], 1e-3)
		assert.InDelta(t, hidden/10, data[k*3+1], 1e-2)
		assert.InDelta(t, 2*hidden/10, data[k*3+2], 1e-2)
	}

	for _, stage := range []string{StageBackbone, StageRoIAlign, StageHead} {
		s, ok := p.Stats(stage)
		require.True(t, ok, stage)
		assert.Equal(t, int64(1), s.Count)
	}
}

func TestForward_LevelLayout(t *testing.T) {
	ext := &fakeExtractor{c1: 128, c2: 256, ramp: true}

	// Hidden unit j copies one pooled feature; fc2 is the identity.
	picks := []int{
		0,       // L1 channel 0, bin (0, 0)
		2,       // L1 channel 0, bin (0, 2)
		9,       // L1 channel 1, bin (0, 0)
		128 * 9, // L2 channel 0, bin (0, 0)
	}
	p := head.NewParams(3456, len(picks), len(picks))
	w1 := p.FC1Weight.Data().([]float32)
	w2 := p.FC2Weight.Data().([]float32)
	for j, f := range picks {
		w1[j*3456+f] = 1
		w2[j*len(picks)+j] = 1
	}

	m, err := BuildModel(ext, Config{Base: "resnet18", NClasses: len(picks)}, p)
	require.NoError(t, err)

	// A 32x32 page gives 4x4 (scale 1/8) and 2x2 (scale 1/16) maps. Each bin
	// takes one sample at its centre; samples past the last column clamp to it.
	out, err := m.Forward(context.Background(), testInput(
		roi.Box{X1: 0, Y1: 0, X2: 16, Y2: 16},
		roi.Box{X1: 16, Y1: 0, X2: 32, Y2: 16},
	))
	require.NoError(t, err)

	logits := GetOutput(out)
	require.Equal(t, tensor.Shape{2, 4}, logits.Shape())

	bn := 1 / math.Sqrt(1+1e-5)
	want := [][]float64{
		{1.0 / 3, 5.0 / 3, 100 + 1.0/3, 500 + 1.0/6},
		{7.0 / 3, 3, 100 + 7.0/3, 501},
	}
	data := logits.Data().([]float32)
	for k, row := range want {
		for j, v := range row {
			assert.InDelta(t, v*bn, data[k*4+j], 1e-3, "roi %d feature %d", k, picks[j])
		}
	}
}

func TestForward_NoRoIs(t *testing.T) {
	ext := resnet18()
	m, err := BuildModel(ext, Config{Base: "resnet18", NClasses: 3}, testParams(3456, 3))
	require.NoError(t, err)

	out, err := m.Forward(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{0, 3}, out.Logits.Shape())
	assert.Equal(t, 1, ext.calls)
}

func TestForward_Errors(t *testing.T) {
	ext := resnet18()
	m, err := BuildModel(ext, Config{Base: "resnet18", NClasses: 3}, testParams(3456, 3))
	require.NoError(t, err)

	_, err = m.Forward(context.Background(), Input{})
	assert.ErrorIs(t, err, ErrInput)

	_, err = m.Forward(context.Background(), testInput(roi.Box{Batch: 1, X2: 4, Y2: 4}))
	assert.ErrorIs(t, err, ErrInput)
	assert.Equal(t, 0, ext.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Forward(ctx, testInput(roi.Box{X2: 4, Y2: 4}))
	assert.ErrorIs(t, err, context.Canceled)

	boom := errors.New("boom")
	ext.err = boom
	_, err = m.Forward(context.Background(), testInput(roi.Box{X2: 4, Y2: 4}))
	assert.ErrorIs(t, err, boom)
}

func TestPredict(t *testing.T) {
	classes, err := labels.NewClasses([]string{"U+3042", "U+3044", "U+3046"})
	require.NoError(t, err)

	m, err := BuildModel(resnet18(), Config{Base: "resnet18", NClasses: 3}, testParams(3456, 3), WithClasses(classes))
	require.NoError(t, err)

	box := roi.Box{X1: 2, Y1: 2, X2: 18, Y2: 30}
	preds, err := m.Predict(context.Background(), testInput(box), 2)
	require.NoError(t, err)
	require.Len(t, preds, 1)

	pred := preds[0]
	assert.Equal(t, box, pred.RoI)
	require.Len(t, pred.Candidates, 2)
	assert.Equal(t, 2, pred.Best().Index)
	assert.Equal(t, "U+3046", pred.Best().Code)
	assert.Equal(t, 1, pred.Candidates[1].Index)
	assert.Greater(t, pred.Candidates[0].Score, pred.Candidates[1].Score)

	all, err := m.Predict(context.Background(), testInput(box), 10)
	require.NoError(t, err)
	assert.Len(t, all[0].Candidates, 3)

	one, err := m.Predict(context.Background(), testInput(box), 0)
	require.NoError(t, err)
	assert.Len(t, one[0].Candidates, 1)
}

func TestSoftmax(t *testing.T) {
	out := Softmax([]float32{1, 1, 1, 1})
	for _, v := range out {
		assert.InDelta(t, 0.25, v, 1e-6)
	}

	out = Softmax([]float32{1000, 0})
	assert.InDelta(t, 1, out[0], 1e-6)
	assert.InDelta(t, 0, out[1], 1e-6)

	assert.Empty(t, Softmax(nil))
}

func TestClose(t *testing.T) {
	ext := resnet18()
	m, err := BuildModel(ext, Config{Base: "resnet18", NClasses: 3}, testParams(3456, 3))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, ext.closed)
	assert.Nil(t, GetOutput(nil))
}
