package labels

import (
	"errors"
	"strings"
	"testing"

	"github.com/nvr-ai/kuzushiji/roi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	got, err := ParseLabels("U+306F 1231 3465 133 53 U+304C 275 1652 84 69")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Label{Code: "U+306F", X: 1231, Y: 3465, W: 133, H: 53}, got[0])
	assert.Equal(t, roi.Box{Batch: 2, X1: 275, Y1: 1652, X2: 359, Y2: 1721}, got[1].Box(2))

	empty, err := ParseLabels("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseLabels_Malformed(t *testing.T) {
	for _, s := range []string{
		"U+306F 1 2 3",
		"U+306F 1 2 3 x",
		"306F 1 2 3 4",
	} {
		_, err := ParseLabels(s)
		assert.True(t, errors.Is(err, ErrMalformed), s)
	}
}

func TestRuneAndCode(t *testing.T) {
	r, err := Rune("U+306F")
	require.NoError(t, err)
	assert.Equal(t, 'は', r)
	assert.Equal(t, "U+306F", Code(r))
	assert.Equal(t, "U+20B9F", Code(0x20B9F))

	_, err = Rune("U+")
	assert.Error(t, err)
	_, err = Rune("U+ZZ")
	assert.Error(t, err)
	_, err = Rune("U+110000")
	assert.Error(t, err)
	_, err = Rune("U+D800")
	assert.Error(t, err)

	_, err = ParseLabels("U+DFFF 1 2 3 4")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestBoxes(t *testing.T) {
	ls := []Label{{Code: "U+3042", X: 1, Y: 2, W: 3, H: 4}}
	assert.Equal(t, []roi.Box{{X1: 1, Y1: 2, X2: 4, Y2: 6}}, Boxes(ls, 0))
}

func TestFormatSubmission(t *testing.T) {
	row, err := FormatSubmission(
		[]string{"U+306F", "U+304C"},
		[]roi.Box{{X1: 1231, Y1: 3465, X2: 1364, Y2: 3518}, {X1: 275, Y1: 1652, X2: 359, Y2: 1721}},
	)
	require.NoError(t, err)
	assert.Equal(t, "U+306F 1298 3492 U+304C 317 1687", row)

	row, err = FormatSubmission(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, row)

	_, err = FormatSubmission([]string{"U+306F"}, nil)
	assert.Error(t, err)
}

func TestLoadClasses(t *testing.T) {
	c, err := LoadClasses(strings.NewReader("# codes\nU+3042 1200\n\nU+3044\nU+3046\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "U+3044", c.Code(1))
	assert.Empty(t, c.Code(3))
	assert.Empty(t, c.Code(-1))

	i, ok := c.Index("U+3046")
	assert.True(t, ok)
	assert.Equal(t, 2, i)

	_, err = LoadClasses(strings.NewReader("U+3042\nU+3042\n"))
	assert.Error(t, err)
	_, err = LoadClasses(strings.NewReader("hello\n"))
	assert.Error(t, err)
}
