// Package labels - Kuzushiji character codes, page labels, and submission rows.
package labels

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nvr-ai/kuzushiji/roi"
	"github.com/pkg/errors"
)

// ErrMalformed is returned for label strings that do not follow the
// "U+XXXX x y w h" layout.
var ErrMalformed = errors.New("labels: malformed label string")

// Label is one annotated character on a page.
type Label struct {
	// Code is the Unicode code point in "U+XXXX" form.
	Code string `json:"code" yaml:"code"`
	// X, Y is the top-left corner in page pixels.
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	// W, H is the size in page pixels.
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// Box returns the label's region for the given batch index.
func (l Label) Box(batch int) roi.Box {
	return roi.Box{
		Batch: batch,
		X1:    float32(l.X),
		Y1:    float32(l.Y),
		X2:    float32(l.X + l.W),
		Y2:    float32(l.Y + l.H),
	}
}

// ParseLabels parses a page label string.
//
// Arguments:
//   - s: Space separated groups of "U+XXXX x y w h". An empty string has no labels.
//
// Returns:
//   - []Label: The labels in order.
//   - error: ErrMalformed if a group is incomplete or not numeric.
func ParseLabels(s string) ([]Label, error) {
	fields := strings.Fields(s)
	if len(fields)%5 != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d fields is not a multiple of 5", len(fields))
	}

	out := make([]Label, 0, len(fields)/5)
	for i := 0; i < len(fields); i += 5 {
		if _, err := Rune(fields[i]); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "group %d: %v", i/5, err)
		}
		var nums [4]int
		for j := range nums {
			n, err := strconv.Atoi(fields[i+1+j])
			if err != nil {
				return nil, errors.Wrapf(ErrMalformed, "group %d: %v", i/5, err)
			}
			nums[j] = n
		}
		out = append(out, Label{Code: fields[i], X: nums[0], Y: nums[1], W: nums[2], H: nums[3]})
	}
	return out, nil
}

// Boxes returns the region of every label for the given batch index.
func Boxes(labels []Label, batch int) []roi.Box {
	out := make([]roi.Box, len(labels))
	for i, l := range labels {
		out[i] = l.Box(batch)
	}
	return out
}

// Rune converts a "U+XXXX" code into its character.
func Rune(code string) (rune, error) {
	hex, ok := strings.CutPrefix(code, "U+")
	if !ok || hex == "" {
		return 0, fmt.Errorf("code %q lacks the U+ prefix", code)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("code %q: %w", code, err)
	}
	r := rune(v)
	if !utf8.ValidRune(r) {
		return 0, fmt.Errorf("code %q is not a valid code point", code)
	}
	return r, nil
}

// Code formats a character as "U+XXXX".
func Code(r rune) string {
	return fmt.Sprintf("U+%04X", r)
}

// FormatSubmission formats predicted codes at their box centers as a
// "U+XXXX x y U+XXXX x y" row.
//
// Arguments:
//   - codes: Predicted code per region.
//   - boxes: Region per code; must have the same length as codes.
//
// Returns:
//   - string: The row; empty when there are no regions.
//   - error: If the lengths differ.
func FormatSubmission(codes []string, boxes []roi.Box) (string, error) {
	if len(codes) != len(boxes) {
		return "", fmt.Errorf("labels: %d codes for %d boxes", len(codes), len(boxes))
	}

	var sb strings.Builder
	for i, code := range codes {
		x, y := boxes[i].Center()
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s %d %d", code, x, y)
	}
	return sb.String(), nil
}
