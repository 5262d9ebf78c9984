package images

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nvr-ai/kuzushiji/roi"
	"gocv.io/x/gocv"
)

// FromMat converts an OpenCV BGR frame into an image.Image.
func FromMat(mat gocv.Mat) (image.Image, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("mat is empty")
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert mat: %w", err)
	}
	return img, nil
}

// ReadMat loads an image file through OpenCV.
//
// The caller owns the returned Mat and must Close it.
func ReadMat(path string) (gocv.Mat, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("error reading image: %s", path)
	}
	return mat, nil
}

// Annotate draws each box with its caption onto mat.
//
// Arguments:
//   - mat: The page to draw on.
//   - boxes: Regions in page pixels.
//   - captions: Text per box; missing captions are skipped.
func Annotate(mat *gocv.Mat, boxes []roi.Box, captions []string) {
	boxColor := color.RGBA{0, 0, 255, 0}
	textColor := color.RGBA{255, 0, 0, 0}
	for i, b := range boxes {
		rect := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
		gocv.Rectangle(mat, rect, boxColor, 2)
		if i < len(captions) && captions[i] != "" {
			gocv.PutText(mat, captions[i], rect.Min.Sub(image.Pt(0, 4)), gocv.FontHersheyPlain, 1.2, textColor, 2)
		}
	}
}

// WriteMat writes mat to path, choosing the encoder from the extension.
func WriteMat(path string, mat gocv.Mat) error {
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("failed to write image: %s", path)
	}
	return nil
}
