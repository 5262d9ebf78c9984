// Package classifier - Two-scale region classification of Kuzushiji characters.
//
// A Model runs a truncated ResNet over a page batch, pools every region of
// interest from the layer2 and layer3 feature maps with RoIAlign, and
// classifies the concatenated pooled features with a fully connected head.
package classifier

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/kuzushiji/backbone"
	"github.com/nvr-ai/kuzushiji/head"
	"github.com/nvr-ai/kuzushiji/labels"
	"github.com/nvr-ai/kuzushiji/profiler"
	"github.com/nvr-ai/kuzushiji/roi"
)

// DefaultPoolSize is the RoIAlign grid size of both feature levels.
const DefaultPoolSize = 3

// Profiler stage names.
const (
	StageBackbone = "backbone"
	StageRoIAlign = "roi_align"
	StageHead     = "head"
)

var (
	// ErrConfig is returned for invalid model configurations.
	ErrConfig = errors.New("classifier: invalid config")
	// ErrInput is returned for malformed forward inputs.
	ErrInput = errors.New("classifier: invalid input")
)

// Config describes a model.
type Config struct {
	// Base is the backbone variant, e.g. "resnet50".
	Base string `json:"base" yaml:"base"`
	// NClasses is the number of character classes.
	NClasses int `json:"n_classes" yaml:"n_classes"`
	// HeadDropout is the dropout probability in front of fc1. Inference ignores it.
	HeadDropout float64 `json:"head_dropout" yaml:"head_dropout"`
	// PoolL1 is the pooled grid size of the layer2 features (default 3).
	PoolL1 int `json:"pool_l1" yaml:"pool_l1"`
	// PoolL2 is the pooled grid size of the layer3 features (default 3).
	PoolL2 int `json:"pool_l2" yaml:"pool_l2"`
	// SamplingRatio is the RoIAlign samples per bin. Values <= 0 are adaptive.
	SamplingRatio int `json:"sampling_ratio" yaml:"sampling_ratio"`
	// Aligned enables half-pixel RoIAlign offsets.
	Aligned bool `json:"aligned" yaml:"aligned"`
	// Workers bounds concurrent RoIAlign work per level. 0 uses GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// WithDefaults fills unset pooling fields.
func (c Config) WithDefaults() Config {
	if c.Base == "" {
		c.Base = backbone.DefaultVariant
	}
	if c.PoolL1 <= 0 {
		c.PoolL1 = DefaultPoolSize
	}
	if c.PoolL2 <= 0 {
		c.PoolL2 = DefaultPoolSize
	}
	return c
}

// InFeatures returns the head input width for the given channels and grid sizes.
func InFeatures(c1, c2, p1, p2 int) int {
	return c1*p1*p1 + c2*p2*p2
}

// Input is a forward pass batch.
type Input struct {
	// Images is a normalized [N, 3, H, W] float32 batch.
	Images *tensor.Dense
	// RoIs are regions in input pixel coordinates; Batch indexes Images.
	RoIs []roi.Box
	// Sequences groups RoIs into reading order. The head classifies each
	// region independently and does not use it.
	Sequences [][]int
}

// Output is the result of a forward pass.
type Output struct {
	// Logits is a [len(RoIs), NClasses] tensor; row k scores RoIs[k].
	Logits *tensor.Dense
	// RoIs are the input regions.
	RoIs []roi.Box
}

// Model is a built classifier.
type Model struct {
	cfg       Config
	extractor backbone.Extractor
	head      *head.Head
	classes   *labels.Classes
	profiler  *profiler.Profiler
	logger    *zap.Logger
}

// Option customises a Model.
type Option func(*Model)

// WithLogger sets the model logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithProfiler records stage timings on p.
func WithProfiler(p *profiler.Profiler) Option {
	return func(m *Model) { m.profiler = p }
}

// WithClasses attaches the class table used by Predict.
func WithClasses(c *labels.Classes) Option {
	return func(m *Model) { m.classes = c }
}

// BuildModel assembles a model from a backbone and head parameters.
//
// Arguments:
//   - extractor: The backbone; the model owns it after a successful build.
//   - cfg: The model configuration.
//   - params: The head weights. Nil creates a fresh head with zero weights.
//   - opts: Optional logger, profiler and class table.
//
// Returns:
//   - *Model: The model.
//   - error: ErrConfig when the backbone, head or class table disagree.
func BuildModel(extractor backbone.Extractor, cfg Config, params *head.Params, opts ...Option) (*Model, error) {
	cfg = cfg.WithDefaults()
	if extractor == nil {
		return nil, errors.Wrap(ErrConfig, "extractor is nil")
	}
	if cfg.NClasses <= 0 {
		return nil, errors.Wrapf(ErrConfig, "n_classes must be positive, got %d", cfg.NClasses)
	}

	variant, err := backbone.LookupVariant(cfg.Base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	c1, c2 := extractor.Channels()
	if c1 != variant.ChannelsL1 || c2 != variant.ChannelsL2 {
		return nil, errors.Wrapf(ErrConfig, "extractor channels (%d, %d) do not match %s (%d, %d)",
			c1, c2, variant.Name, variant.ChannelsL1, variant.ChannelsL2)
	}

	in := InFeatures(c1, c2, cfg.PoolL1, cfg.PoolL2)
	if params == nil {
		params = head.NewParams(in, head.HiddenDim, cfg.NClasses)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.InFeatures() != in {
		return nil, errors.Wrapf(ErrConfig, "head expects %d features, backbone pools %d", params.InFeatures(), in)
	}
	if params.NumClasses() != cfg.NClasses {
		return nil, errors.Wrapf(ErrConfig, "head has %d classes, config has %d", params.NumClasses(), cfg.NClasses)
	}

	h, err := head.New(params, head.Config{Dropout: cfg.HeadDropout})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create head")
	}

	m := &Model{
		cfg:       cfg,
		extractor: extractor,
		head:      h,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.classes != nil && m.classes.Len() != cfg.NClasses {
		return nil, errors.Wrapf(ErrConfig, "class table has %d entries, config has %d", m.classes.Len(), cfg.NClasses)
	}

	m.logger.Info("model built",
		zap.String("base", cfg.Base),
		zap.Int("n_classes", cfg.NClasses),
		zap.Int("in_features", in),
		zap.Int("hidden", params.Hidden()),
	)
	return m, nil
}

// Config returns the model configuration with defaults applied.
func (m *Model) Config() Config {
	return m.cfg
}

// Classes returns the attached class table, which may be nil.
func (m *Model) Classes() *labels.Classes {
	return m.classes
}

// Forward classifies every region of interest.
//
// Order of operations:
//  1. Backbone: Extracts layer2 and layer3 features for the batch.
//  2. RoIAlign: Pools each region from both levels concurrently, with the
//     spatial scale of each level derived from its width.
//  3. Head: Classifies the flattened, concatenated pooled features.
//
// Arguments:
//   - ctx: Cancels the pass between stages and between pooled regions.
//   - in: The batch.
//
// Returns:
//   - *Output: Logits and the input regions.
//   - error: On invalid input, backbone failure, or cancellation.
func (m *Model) Forward(ctx context.Context, in Input) (*Output, error) {
	if in.Images == nil || in.Images.Dims() != 4 {
		return nil, errors.Wrap(ErrInput, "images must be a [N, 3, H, W] tensor")
	}
	shape := in.Images.Shape()
	batch, inputW := shape[0], shape[3]
	for i, b := range in.RoIs {
		if b.Batch < 0 || b.Batch >= batch {
			return nil, errors.Wrapf(ErrInput, "roi %d refers to image %d of %d", i, b.Batch, batch)
		}
	}

	done := m.profiler.StartOperation(StageBackbone)
	features, err := m.extractor.Extract(ctx, in.Images)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "backbone failed")
	}

	if len(in.RoIs) == 0 {
		return &Output{
			Logits: tensor.New(tensor.WithShape(0, m.cfg.NClasses), tensor.WithBacking([]float32{})),
			RoIs:   in.RoIs,
		}, nil
	}

	done = m.profiler.StartOperation(StageRoIAlign)
	x, err := m.pool(ctx, features, in.RoIs, inputW)
	done()
	if err != nil {
		return nil, err
	}

	done = m.profiler.StartOperation(StageHead)
	logits, err := m.head.Forward(x)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "head failed")
	}

	m.logger.Debug("forward",
		zap.Int("images", batch),
		zap.Int("rois", len(in.RoIs)),
		zap.Int("sequences", len(in.Sequences)),
	)
	return &Output{Logits: logits, RoIs: in.RoIs}, nil
}

// pool aligns boxes on both feature levels and returns the [K, InFeatures] head input.
func (m *Model) pool(ctx context.Context, f backbone.Features, boxes []roi.Box, inputW int) (*tensor.Dense, error) {
	levels := []struct {
		features *tensor.Dense
		size     int
	}{
		{f.L1, m.cfg.PoolL1},
		{f.L2, m.cfg.PoolL2},
	}
	pooled := make([]*tensor.Dense, len(levels))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, level := range levels {
		eg.Go(func() error {
			opts := roi.Square(level.size, roi.SpatialScale(level.features.Shape()[3], inputW))
			opts.SamplingRatio = m.cfg.SamplingRatio
			opts.Aligned = m.cfg.Aligned
			opts.Workers = m.cfg.Workers

			out, err := roi.Align(egCtx, level.features, boxes, opts)
			if err != nil {
				return errors.Wrapf(err, "failed to pool level %d", i+1)
			}
			s := out.Shape()
			if err := out.Reshape(s[0], s[1]*s[2]*s[3]); err != nil {
				return errors.Wrap(err, "failed to flatten pooled features")
			}
			pooled[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	x, err := pooled[0].Concat(1, pooled[1])
	if err != nil {
		return nil, errors.Wrap(err, "failed to concatenate pooled features")
	}
	return x, nil
}

// GetOutput returns the logits of a forward pass.
func GetOutput(out *Output) *tensor.Dense {
	if out == nil {
		return nil
	}
	return out.Logits
}

// Close releases the backbone.
func (m *Model) Close() error {
	if err := m.extractor.Close(); err != nil {
		return fmt.Errorf("failed to close backbone: %w", err)
	}
	return nil
}
