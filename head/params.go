// Package head - Fully connected classification head over pooled region features.
package head

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HiddenDim is the width of the hidden layer of built models.
const HiddenDim = 1024

// Parameter keys, following the state-dict names of the exported model.
const (
	KeyFC1Weight   = "fc1.weight"
	KeyFC1Bias     = "fc1.bias"
	KeyBNWeight    = "bn.weight"
	KeyBNBias      = "bn.bias"
	KeyBNMean      = "bn.running_mean"
	KeyBNVar       = "bn.running_var"
	KeyFC2Weight   = "fc2.weight"
	KeyFC2Bias     = "fc2.bias"
	StateKeyPrefix = "head."
)

// Keys lists every parameter key of the head.
var Keys = []string{
	KeyFC1Weight, KeyFC1Bias,
	KeyBNWeight, KeyBNBias, KeyBNMean, KeyBNVar,
	KeyFC2Weight, KeyFC2Bias,
}

// ErrShapeMismatch is returned when parameters or inputs have inconsistent shapes.
var ErrShapeMismatch = errors.New("head: shape mismatch")

// Params holds the head weights in [out, in] layout.
type Params struct {
	FC1Weight *tensor.Dense // [hidden, in]
	FC1Bias   *tensor.Dense // [hidden]
	BNWeight  *tensor.Dense // [hidden]
	BNBias    *tensor.Dense // [hidden]
	BNMean    *tensor.Dense // [hidden]
	BNVar     *tensor.Dense // [hidden]
	FC2Weight *tensor.Dense // [classes, hidden]
	FC2Bias   *tensor.Dense // [classes]
}

// NewParams creates zero weights with an identity batch norm.
//
// Arguments:
//   - in: Number of input features.
//   - hidden: Width of the hidden layer.
//   - classes: Number of output classes.
//
// Returns:
//   - *Params: Parameters with the requested shapes.
func NewParams(in, hidden, classes int) *Params {
	return &Params{
		FC1Weight: zeros(hidden, in),
		FC1Bias:   zeros(hidden),
		BNWeight:  filled(1, hidden),
		BNBias:    zeros(hidden),
		BNMean:    zeros(hidden),
		BNVar:     filled(1, hidden),
		FC2Weight: zeros(classes, hidden),
		FC2Bias:   zeros(classes),
	}
}

// FromMap assembles parameters from a key → tensor map. Keys may carry the
// "head." prefix of a full model state dict.
func FromMap(m map[string]*tensor.Dense) (*Params, error) {
	get := func(key string) (*tensor.Dense, error) {
		if t, ok := m[key]; ok {
			return t, nil
		}
		if t, ok := m[StateKeyPrefix+key]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("missing head parameter %q", key)
	}

	p := &Params{}
	targets := []**tensor.Dense{
		&p.FC1Weight, &p.FC1Bias,
		&p.BNWeight, &p.BNBias, &p.BNMean, &p.BNVar,
		&p.FC2Weight, &p.FC2Bias,
	}
	for i, key := range Keys {
		t, err := get(key)
		if err != nil {
			return nil, err
		}
		*targets[i] = t
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Map returns the parameters keyed by state-dict name.
func (p *Params) Map() map[string]*tensor.Dense {
	return map[string]*tensor.Dense{
		KeyFC1Weight: p.FC1Weight,
		KeyFC1Bias:   p.FC1Bias,
		KeyBNWeight:  p.BNWeight,
		KeyBNBias:    p.BNBias,
		KeyBNMean:    p.BNMean,
		KeyBNVar:     p.BNVar,
		KeyFC2Weight: p.FC2Weight,
		KeyFC2Bias:   p.FC2Bias,
	}
}

// InFeatures returns the number of input features.
func (p *Params) InFeatures() int {
	return p.FC1Weight.Shape()[1]
}

// Hidden returns the width of the hidden layer.
func (p *Params) Hidden() int {
	return p.FC1Weight.Shape()[0]
}

// NumClasses returns the number of output classes.
func (p *Params) NumClasses() int {
	return p.FC2Weight.Shape()[0]
}

// Validate checks that all parameters are present, float32, and consistent.
func (p *Params) Validate() error {
	for key, t := range p.Map() {
		if t == nil {
			return errors.Wrapf(ErrShapeMismatch, "%s is nil", key)
		}
		if t.Dtype() != tensor.Float32 {
			return errors.Wrapf(ErrShapeMismatch, "%s has dtype %v, want float32", key, t.Dtype())
		}
	}
	if p.FC1Weight.Dims() != 2 || p.FC2Weight.Dims() != 2 {
		return errors.Wrap(ErrShapeMismatch, "linear weights must be rank 2")
	}

	hidden, classes := p.Hidden(), p.NumClasses()
	vectors := map[string]struct {
		t    *tensor.Dense
		size int
	}{
		KeyFC1Bias:  {p.FC1Bias, hidden},
		KeyBNWeight: {p.BNWeight, hidden},
		KeyBNBias:   {p.BNBias, hidden},
		KeyBNMean:   {p.BNMean, hidden},
		KeyBNVar:    {p.BNVar, hidden},
		KeyFC2Bias:  {p.FC2Bias, classes},
	}
	for key, v := range vectors {
		if v.t.Shape().TotalSize() != v.size {
			return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, want [%d]", key, v.t.Shape(), v.size)
		}
	}
	if p.FC2Weight.Shape()[1] != hidden {
		return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, want [%d %d]",
			KeyFC2Weight, p.FC2Weight.Shape(), classes, hidden)
	}
	return nil
}

func zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))
}

func filled(v float32, size int) *tensor.Dense {
	data := make([]float32, size)
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(size), tensor.WithBacking(data))
}

// float32s returns the contiguous backing data of t.
func float32s(t *tensor.Dense) []float32 {
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	return t.Data().([]float32)
}
