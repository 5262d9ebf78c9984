package images

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// Normalization holds per-channel RGB statistics applied after scaling
// pixel values to [0, 1].
type Normalization struct {
	Mean [3]float32 `json:"mean" yaml:"mean"`
	Std  [3]float32 `json:"std"  yaml:"std"`
}

// ImageNet is the normalization of torchvision's pretrained backbones.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// ToTensor converts a batch of equally sized images into a [B, 3, H, W]
// float32 tensor in RGB order.
//
// Arguments:
//   - imgs: The images; all must share the size of the first.
//   - norm: The normalization to apply. A zero Std leaves values in [0, 1].
//
// Returns:
//   - *tensor.Dense: The batch tensor.
//   - error: If the batch is empty or sizes differ.
func ToTensor(imgs []image.Image, norm Normalization) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}
	size := imgs[0].Bounds().Size()
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid image dimensions: %dx%d", size.X, size.Y)
	}

	var scale, shift [3]float32
	for c := 0; c < 3; c++ {
		scale[c], shift[c] = 1.0/255.0, 0
		if norm.Std[c] != 0 {
			scale[c] = 1.0 / (255.0 * norm.Std[c])
			shift[c] = -norm.Mean[c] / norm.Std[c]
		}
	}

	plane := size.X * size.Y
	data := make([]float32, len(imgs)*3*plane)
	for b, img := range imgs {
		bounds := img.Bounds()
		if bounds.Size() != size {
			return nil, fmt.Errorf("image %d has size %v, batch size is %v", b, bounds.Size(), size)
		}
		red := data[(b*3+0)*plane : (b*3+1)*plane]
		green := data[(b*3+1)*plane : (b*3+2)*plane]
		blue := data[(b*3+2)*plane : (b*3+3)*plane]

		i := 0
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				red[i] = float32(r>>8)*scale[0] + shift[0]
				green[i] = float32(g>>8)*scale[1] + shift[1]
				blue[i] = float32(bl>>8)*scale[2] + shift[2]
				i++
			}
		}
	}

	return tensor.New(
		tensor.WithShape(len(imgs), 3, size.Y, size.X),
		tensor.WithBacking(data),
	), nil
}

// FitWithin downscales img so that its longest side is at most maxSide.
//
// Arguments:
//   - img: The image to resize.
//   - maxSide: The longest allowed side. Values <= 0 disable resizing.
//
// Returns:
//   - image.Image: The resized (or original) image.
//   - float64: The applied scale; multiply page coordinates by it to map
//     them onto the returned image.
func FitWithin(img image.Image, maxSide int) (image.Image, float64) {
	size := img.Bounds().Size()
	longest := max(size.X, size.Y)
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}

	scale := float64(maxSide) / float64(longest)
	w := uint(max(1, int(float64(size.X)*scale+0.5)))
	h := uint(max(1, int(float64(size.Y)*scale+0.5)))
	return resize.Resize(w, h, img, resize.Bilinear), scale
}
