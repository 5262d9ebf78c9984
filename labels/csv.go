package labels

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Page is one row of an "image_id,labels" table.
type Page struct {
	ImageID string  `json:"image_id" yaml:"image_id"`
	Labels  []Label `json:"labels"   yaml:"labels"`
}

// Row is one row of a submission table; Labels holds "U+XXXX cx cy" groups.
type Row struct {
	ImageID string `json:"image_id" yaml:"image_id"`
	Labels  string `json:"labels"   yaml:"labels"`
}

var header = []string{"image_id", "labels"}

// ReadPages parses an "image_id,labels" CSV table with a header row.
//
// Returns:
//   - []Page: The pages in file order.
//   - error: If the header is missing or a label string is malformed.
func ReadPages(r io.Reader) ([]Page, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2

	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pages")
	}
	if len(records) == 0 || !strings.EqualFold(records[0][0], header[0]) {
		return nil, errors.New("labels: page table lacks an image_id,labels header")
	}

	pages := make([]Page, 0, len(records)-1)
	for _, rec := range records[1:] {
		ls, err := ParseLabels(rec[1])
		if err != nil {
			return nil, errors.Wrapf(err, "page %s", rec[0])
		}
		pages = append(pages, Page{ImageID: rec[0], Labels: ls})
	}
	return pages, nil
}

// WriteSubmission writes rows as an "image_id,labels" CSV table.
func WriteSubmission(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write([]string{row.ImageID, row.Labels}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
