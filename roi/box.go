// Package roi - Region of interest boxes and region-align pooling.
package roi

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box is a region of interest in input-image pixel coordinates.
//
// X2,Y2 are exclusive like image.Rectangle. Batch selects the image within a
// batched feature map.
type Box struct {
	Batch          int
	X1, Y1, X2, Y2 float32
}

// Width returns the width of the box.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the height of the box.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Center returns the integer pixel center of the box.
//
// Returns:
//   - x, y: The rounded center coordinates.
func (b Box) Center() (int, int) {
	return int(math32.Floor((b.X1+b.X2)/2 + 0.5)), int(math32.Floor((b.Y1+b.Y2)/2 + 0.5))
}

// Scale multiplies the box coordinates by s.
func (b Box) Scale(s float32) Box {
	return Box{Batch: b.Batch, X1: b.X1 * s, Y1: b.Y1 * s, X2: b.X2 * s, Y2: b.Y2 * s}
}

func (b Box) String() string {
	return fmt.Sprintf("[%d] (%.1f, %.1f)-(%.1f, %.1f)", b.Batch, b.X1, b.Y1, b.X2, b.Y2)
}

// SpatialScale returns the ratio between a feature map width and the width of
// the image it was computed from.
//
// Arguments:
//   - featureWidth: Width of the feature map (last tensor dimension).
//   - inputWidth: Width of the network input.
//
// Returns:
//   - float32: featureWidth / inputWidth, or 0 when inputWidth is not positive.
func SpatialScale(featureWidth, inputWidth int) float32 {
	if inputWidth <= 0 {
		return 0
	}
	return float32(featureWidth) / float32(inputWidth)
}
