package roi

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

var (
	// ErrFeatureShape is returned when the feature map is not a [N,C,H,W] float32 tensor.
	ErrFeatureShape = errors.New("roi: features must be a rank 4 float32 tensor")
	// ErrBatchIndex is returned when a box refers to an image outside the batch.
	ErrBatchIndex = errors.New("roi: box batch index out of range")
	// ErrOutputSize is returned for an empty pooled grid.
	ErrOutputSize = errors.New("roi: output size must be positive")
)

// AlignOptions configures region-align pooling.
type AlignOptions struct {
	// OutputSize is the pooled grid size (X = width, Y = height).
	OutputSize image.Point `json:"output_size" yaml:"output_size"`
	// SpatialScale maps box coordinates onto the feature map.
	SpatialScale float32 `json:"spatial_scale" yaml:"spatial_scale"`
	// SamplingRatio is the number of samples per bin along each axis.
	// Values <= 0 use ceil(roi_size / output_size).
	SamplingRatio int `json:"sampling_ratio" yaml:"sampling_ratio"`
	// Aligned shifts box coordinates by half a pixel before sampling.
	Aligned bool `json:"aligned" yaml:"aligned"`
	// Workers bounds the number of boxes pooled concurrently. 0 uses GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// Square returns options for a size x size grid with the given scale.
func Square(size int, scale float32) AlignOptions {
	return AlignOptions{
		OutputSize:    image.Point{X: size, Y: size},
		SpatialScale:  scale,
		SamplingRatio: -1,
	}
}

// Align pools every box from features into a fixed-size grid.
//
// Sampling follows torchvision's roi_align: each output bin averages a grid of
// bilinearly interpolated samples, samples outside [-1, H] x [-1, W] read as
// zero, and unaligned boxes are at least one feature pixel wide.
//
// Arguments:
//   - ctx: Cancels pooling between boxes.
//   - features: A [N, C, H, W] float32 tensor.
//   - boxes: Regions in input coordinates; row k of the result pools boxes[k].
//   - opts: Pooling options.
//
// Returns:
//   - *tensor.Dense: A [K, C, OutputSize.Y, OutputSize.X] tensor.
//   - error: On invalid shapes, batch indices, or cancellation.
func Align(ctx context.Context, features *tensor.Dense, boxes []Box, opts AlignOptions) (*tensor.Dense, error) {
	if features == nil || features.Dims() != 4 || features.Dtype() != tensor.Float32 {
		return nil, ErrFeatureShape
	}
	if opts.OutputSize.X <= 0 || opts.OutputSize.Y <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrOutputSize, opts.OutputSize)
	}

	if features.IsMaterializable() {
		features = features.Materialize().(*tensor.Dense)
	}

	shape := features.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	for i, b := range boxes {
		if b.Batch < 0 || b.Batch >= n {
			return nil, fmt.Errorf("%w: box %d has batch %d, features have %d", ErrBatchIndex, i, b.Batch, n)
		}
	}

	ph, pw := opts.OutputSize.Y, opts.OutputSize.X
	perBox := c * ph * pw
	out := make([]float32, len(boxes)*perBox)
	data := features.Data().([]float32)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for k := range boxes {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			b := boxes[k]
			plane := h * w
			planes := data[b.Batch*c*plane : (b.Batch+1)*c*plane]
			alignBox(planes, c, h, w, b, opts, out[k*perBox:(k+1)*perBox])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return tensor.New(
		tensor.WithShape(len(boxes), c, ph, pw),
		tensor.WithBacking(out),
	), nil
}

// alignBox pools a single box from one image's [C, H, W] feature planes into dst.
func alignBox(src []float32, channels, height, width int, b Box, opts AlignOptions, dst []float32) {
	var offset float32
	if opts.Aligned {
		offset = 0.5
	}
	scale := opts.SpatialScale
	startW := b.X1*scale - offset
	startH := b.Y1*scale - offset
	roiW := b.X2*scale - offset - startW
	roiH := b.Y2*scale - offset - startH
	if !opts.Aligned {
		roiW = math32.Max(roiW, 1)
		roiH = math32.Max(roiH, 1)
	}

	ph, pw := opts.OutputSize.Y, opts.OutputSize.X
	binH := roiH / float32(ph)
	binW := roiW / float32(pw)

	gridH, gridW := opts.SamplingRatio, opts.SamplingRatio
	if gridH <= 0 {
		gridH = int(math32.Ceil(roiH / float32(ph)))
		gridW = int(math32.Ceil(roiW / float32(pw)))
	}
	count := float32(max(gridH*gridW, 1))

	plane := height * width
	for ch := 0; ch < channels; ch++ {
		values := src[ch*plane : (ch+1)*plane]
		for py := 0; py < ph; py++ {
			for px := 0; px < pw; px++ {
				var sum float32
				for iy := 0; iy < gridH; iy++ {
					y := startH + float32(py)*binH + (float32(iy)+0.5)*binH/float32(gridH)
					for ix := 0; ix < gridW; ix++ {
						x := startW + float32(px)*binW + (float32(ix)+0.5)*binW/float32(gridW)
						sum += bilinear(values, height, width, y, x)
					}
				}
				dst[(ch*ph+py)*pw+px] = sum / count
			}
		}
	}
}

// bilinear samples a single feature plane at (y, x).
func bilinear(values []float32, height, width int, y, x float32) float32 {
	if y < -1 || y > float32(height) || x < -1 || x > float32(width) {
		return 0
	}
	y = math32.Max(y, 0)
	x = math32.Max(x, 0)

	yLow, xLow := int(y), int(x)
	var yHigh, xHigh int
	if yLow >= height-1 {
		yLow, yHigh = height-1, height-1
		y = float32(yLow)
	} else {
		yHigh = yLow + 1
	}
	if xLow >= width-1 {
		xLow, xHigh = width-1, width-1
		x = float32(xLow)
	} else {
		xHigh = xLow + 1
	}

	ly, lx := y-float32(yLow), x-float32(xLow)
	hy, hx := 1-ly, 1-lx

	return hy*hx*values[yLow*width+xLow] +
		hy*lx*values[yLow*width+xHigh] +
		ly*hx*values[yHigh*width+xLow] +
		ly*lx*values[yHigh*width+xHigh]
}
