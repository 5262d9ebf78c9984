package head

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DefaultEps is the batch norm epsilon of the exported model.
const DefaultEps = 1e-5

// Config configures the head.
type Config struct {
	// Dropout is the probability of zeroing an input feature in training mode.
	Dropout float64 `json:"dropout" yaml:"dropout"`
	// Eps is added to the running variance (default 1e-5).
	Eps float32 `json:"eps" yaml:"eps"`
	// Training enables dropout. Batch norm always uses running statistics.
	Training bool `json:"training" yaml:"training"`
}

// Head is dropout → fc1 → relu → batch norm → fc2 over pooled region features.
//
// Weights are transposed and batch norm is folded into a per-feature scale
// and shift once, at construction. Forward builds a fresh graph per call, so
// a Head is safe for concurrent use.
type Head struct {
	cfg Config

	in, hidden, classes int

	w1, b1 *tensor.Dense // [in, hidden], [1, hidden]
	scale  *tensor.Dense // [1, hidden]
	shift  *tensor.Dense // [1, hidden]
	w2, b2 *tensor.Dense // [hidden, classes], [1, classes]
}

// New creates a head from parameters.
//
// Arguments:
//   - params: The head weights.
//   - cfg: The head configuration.
//
// Returns:
//   - *Head: The head.
//   - error: If the parameters are inconsistent or the dropout is out of range.
func New(params *Params, cfg Config) (*Head, error) {
	if params == nil {
		return nil, errors.New("head: params are nil")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("head: dropout must be in [0, 1), got %v", cfg.Dropout)
	}
	if cfg.Eps <= 0 {
		cfg.Eps = DefaultEps
	}

	in, hidden, classes := params.InFeatures(), params.Hidden(), params.NumClasses()

	gamma, beta := float32s(params.BNWeight), float32s(params.BNBias)
	mean, variance := float32s(params.BNMean), float32s(params.BNVar)
	scale := make([]float32, hidden)
	shift := make([]float32, hidden)
	for i := range scale {
		scale[i] = gamma[i] / math32.Sqrt(variance[i]+cfg.Eps)
		shift[i] = beta[i] - mean[i]*scale[i]
	}

	return &Head{
		cfg:     cfg,
		in:      in,
		hidden:  hidden,
		classes: classes,
		w1:      transpose(params.FC1Weight),
		b1:      row(float32s(params.FC1Bias)),
		scale:   row(scale),
		shift:   row(shift),
		w2:      transpose(params.FC2Weight),
		b2:      row(float32s(params.FC2Bias)),
	}, nil
}

// InFeatures returns the number of input features.
func (h *Head) InFeatures() int { return h.in }

// Hidden returns the width of the hidden layer.
func (h *Head) Hidden() int { return h.hidden }

// NumClasses returns the number of output classes.
func (h *Head) NumClasses() int { return h.classes }

// Forward computes class logits for a batch of region features.
//
// Arguments:
//   - x: A [N, InFeatures] float32 tensor.
//
// Returns:
//   - *tensor.Dense: A [N, NumClasses] tensor of logits.
//   - error: If the input shape is wrong or the graph fails to run.
func (h *Head) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if x == nil || x.Dims() != 2 || x.Shape()[1] != h.in {
		var shape tensor.Shape
		if x != nil {
			shape = x.Shape()
		}
		return nil, errors.Wrapf(ErrShapeMismatch, "input has shape %v, want [N %d]", shape, h.in)
	}
	n := x.Shape()[0]
	if n == 0 {
		return tensor.New(tensor.WithShape(0, h.classes), tensor.WithBacking([]float32{})), nil
	}

	g := G.NewGraph()
	input := G.NewMatrix(g, tensor.Float32, G.WithShape(n, h.in), G.WithName("x"), G.WithValue(x))
	w1 := G.NewMatrix(g, tensor.Float32, G.WithShape(h.in, h.hidden), G.WithName("fc1.w"), G.WithValue(h.w1))
	b1 := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.hidden), G.WithName("fc1.b"), G.WithValue(h.b1))
	scale := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.hidden), G.WithName("bn.scale"), G.WithValue(h.scale))
	shift := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.hidden), G.WithName("bn.shift"), G.WithValue(h.shift))
	w2 := G.NewMatrix(g, tensor.Float32, G.WithShape(h.hidden, h.classes), G.WithName("fc2.w"), G.WithValue(h.w2))
	b2 := G.NewMatrix(g, tensor.Float32, G.WithShape(1, h.classes), G.WithName("fc2.b"), G.WithValue(h.b2))

	logits, err := h.build(input, w1, b1, scale, shift, w2, b2)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build head graph")
	}

	var out G.Value
	G.Read(logits, &out)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to run head graph")
	}

	dense, ok := out.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("head: unexpected output value %T", out)
	}
	return dense.Clone().(*tensor.Dense), nil
}

func (h *Head) build(x, w1, b1, scale, shift, w2, b2 *G.Node) (*G.Node, error) {
	var err error
	if h.cfg.Training && h.cfg.Dropout > 0 {
		if x, err = G.Dropout(x, h.cfg.Dropout); err != nil {
			return nil, err
		}
	}

	hidden, err := G.Mul(x, w1)
	if err != nil {
		return nil, err
	}
	if hidden, err = G.BroadcastAdd(hidden, b1, nil, []byte{0}); err != nil {
		return nil, err
	}
	if hidden, err = G.Rectify(hidden); err != nil {
		return nil, err
	}
	if hidden, err = G.BroadcastHadamardProd(hidden, scale, nil, []byte{0}); err != nil {
		return nil, err
	}
	if hidden, err = G.BroadcastAdd(hidden, shift, nil, []byte{0}); err != nil {
		return nil, err
	}

	logits, err := G.Mul(hidden, w2)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(logits, b2, nil, []byte{0})
}

// transpose copies a [r, c] matrix into a new [c, r] matrix.
func transpose(t *tensor.Dense) *tensor.Dense {
	shape := t.Shape()
	r, c := shape[0], shape[1]
	src := float32s(t)
	dst := make([]float32, len(src))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst[j*r+i] = src[i*c+j]
		}
	}
	return tensor.New(tensor.WithShape(c, r), tensor.WithBacking(dst))
}

// row wraps a vector as a [1, n] matrix.
func row(v []float32) *tensor.Dense {
	data := make([]float32, len(v))
	copy(data, v)
	return tensor.New(tensor.WithShape(1, len(v)), tensor.WithBacking(data))
}
