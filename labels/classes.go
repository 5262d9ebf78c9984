package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Classes maps class indices of the model output to character codes.
type Classes struct {
	codes []string
	index map[string]int
}

// NewClasses builds a table from codes in class-index order.
func NewClasses(codes []string) (*Classes, error) {
	c := &Classes{
		codes: make([]string, len(codes)),
		index: make(map[string]int, len(codes)),
	}
	for i, code := range codes {
		if _, err := Rune(code); err != nil {
			return nil, errors.Wrapf(err, "class %d", i)
		}
		if prev, dup := c.index[code]; dup {
			return nil, fmt.Errorf("labels: code %s listed as class %d and %d", code, prev, i)
		}
		c.codes[i] = code
		c.index[code] = i
	}
	return c, nil
}

// LoadClasses reads one code per line. Blank lines and lines starting with
// '#' are skipped. A trailing column after whitespace (such as a frequency)
// is ignored.
func LoadClasses(r io.Reader) (*Classes, error) {
	var codes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, strings.Fields(line)[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read classes")
	}
	return NewClasses(codes)
}

// LoadClassesFile reads a classes file from disk.
func LoadClassesFile(path string) (*Classes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadClasses(f)
}

// Len returns the number of classes.
func (c *Classes) Len() int {
	return len(c.codes)
}

// Code returns the code of class i, or "" when out of range.
func (c *Classes) Code(i int) string {
	if i < 0 || i >= len(c.codes) {
		return ""
	}
	return c.codes[i]
}

// Index returns the class index of a code.
func (c *Classes) Index(code string) (int, bool) {
	i, ok := c.index[code]
	return i, ok
}
