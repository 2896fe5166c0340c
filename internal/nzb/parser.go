package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/net/html/charset"
)

// Parse reads an NZB document. Segments are sorted by number and
// duplicates dropped; files without segments are an error.
func Parse(r io.Reader) (*Model, error) {
	var m Model
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("nzb: %w", err)
	}
	if len(m.Files) == 0 {
		return nil, ErrNoFiles
	}
	for i := range m.Files {
		f := &m.Files[i]
		for j := range f.Segments {
			f.Segments[j].MessageID = strings.TrimSpace(f.Segments[j].MessageID)
		}
		f.Segments = slices.DeleteFunc(f.Segments, func(s Segment) bool { return s.MessageID == "" })
		if len(f.Segments) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNoSegments, f.Subject)
		}
		slices.SortStableFunc(f.Segments, func(a, b Segment) int { return a.Number - b.Number })
		f.Segments = slices.CompactFunc(f.Segments, func(a, b Segment) bool { return a.Number == b.Number })
	}
	return &m, nil
}

// ParseFile opens and parses the NZB at path.
func ParseFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
