package nzb

import "encoding/xml"

type Model struct {
	XMLName xml.Name `xml:"nzb"`
	Metas   []Meta   `xml:"head>meta"`
	Files   []File   `xml:"file"`
}

// Meta is one <meta type="..."> entry of the head, e.g. title or password.
type Meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type File struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

type Segment struct {
	XMLName   xml.Name `xml:"segment"`
	Number    int      `xml:"number,attr"`
	Bytes     int64    `xml:"bytes,attr"`
	MessageID string   `xml:",chardata"`
}

// Meta returns the first head value of the given type.
func (m *Model) Meta(kind string) string {
	for _, meta := range m.Metas {
		if meta.Type == kind {
			return meta.Value
		}
	}
	return ""
}

// Size sums the segment sizes of all files.
func (m *Model) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size()
	}
	return n
}

func (f File) Size() int64 {
	var n int64
	for _, s := range f.Segments {
		n += s.Bytes
	}
	return n
}
