package images

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/kuzushiji/roi"
)

// blank returns a black BGR frame.
func blank(rows, cols int) gocv.Mat {
	mat := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC3)
	mat.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return mat
}

func TestFromMat(t *testing.T) {
	// Pure blue in BGR order.
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 4, 6, gocv.MatTypeCV8UC3)
	defer mat.Close()

	img, err := FromMat(mat)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	r, g, b, _ := img.At(5, 3).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	assert.Equal(t, uint32(0), g>>8)
	assert.Equal(t, uint32(255), b>>8)

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = FromMat(empty)
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	mat := blank(40, 60)
	defer mat.Close()

	Annotate(&mat, []roi.Box{{X1: 5, Y1: 20, X2: 30, Y2: 38}}, []string{"U+3042"})

	// Boxes are blue; BGR channel 0.
	edge := mat.GetVecbAt(20, 5)
	assert.Equal(t, uint8(255), edge[0])
	assert.Equal(t, uint8(0), edge[2])
	assert.Equal(t, uint8(0), mat.GetVecbAt(29, 17)[0], "box interior stays untouched")

	// The caption sits above the box in red.
	var caption bool
	for y := 0; y < 18 && !caption; y++ {
		for x := 0; x < 60; x++ {
			if mat.GetVecbAt(y, x)[2] > 0 {
				caption = true
				break
			}
		}
	}
	assert.True(t, caption)
}

func TestAnnotate_MissingCaptions(t *testing.T) {
	mat := blank(20, 20)
	defer mat.Close()

	Annotate(&mat, []roi.Box{{X1: 2, Y1: 2, X2: 17, Y2: 17}, {X1: 8, Y1: 8, X2: 4, Y2: 4}}, nil)

	assert.Equal(t, uint8(255), mat.GetVecbAt(2, 2)[0])
	// Inverted boxes are drawn canonically.
	assert.Equal(t, uint8(255), mat.GetVecbAt(4, 4)[0])
	assert.Equal(t, uint8(0), mat.GetVecbAt(12, 12)[0])
}

func TestWriteReadMat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.png")

	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 8, 5, gocv.MatTypeCV8UC3)
	defer src.Close()
	require.NoError(t, WriteMat(path, src))

	got, err := ReadMat(path)
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, 8, got.Rows())
	assert.Equal(t, 5, got.Cols())
	assert.Equal(t, []uint8{10, 20, 30}, []uint8(got.GetVecbAt(7, 4)))

	img, err := FromMat(got)
	require.NoError(t, err)
	r, _, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(30), r>>8)
	assert.Equal(t, uint32(10), b>>8)
}

func TestReadMat_Missing(t *testing.T) {
	mat, err := ReadMat(filepath.Join(t.TempDir(), "missing.png"))
	defer mat.Close()
	assert.Error(t, err)
	assert.True(t, mat.Empty())
}
