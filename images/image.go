// Package images - Page decoding and tensor conversion.
package images

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ImageFormat represents supported image formats.
type ImageFormat string

// ImageFormat constants.
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image, if known.
	Width int `json:"width" yaml:"width"`
	// The height of the image, if known.
	Height int `json:"height" yaml:"height"`
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (ImageFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return FormatJPEG, nil
	case ".png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("unsupported image extension: %s", filepath.Ext(path))
	}
}

// ReadFile loads an encoded image from disk.
func ReadFile(path string) (*Image, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return &Image{Format: format, Data: data}, nil
}

// Decode decodes the image data.
//
// Arguments:
//   - img: The encoded image.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: If the data is empty or cannot be decoded in the declared format.
func Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("image data is empty")
	}

	reader := bytes.NewReader(img.Data)
	var (
		decoded image.Image
		err     error
	)
	switch img.Format {
	case FormatJPEG:
		decoded, err = jpeg.Decode(reader)
	case FormatPNG:
		decoded, err = png.Decode(reader)
	default:
		decoded, _, err = image.Decode(reader)
	}
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}

	if img.Width > 0 && img.Height > 0 {
		if b := decoded.Bounds(); b.Dx() != img.Width || b.Dy() != img.Height {
			return nil, fmt.Errorf("decoded size %dx%d does not match declared %dx%d",
				b.Dx(), b.Dy(), img.Width, img.Height)
		}
	}
	return decoded, nil
}
