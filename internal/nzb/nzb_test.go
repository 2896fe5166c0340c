package nzb

import (
	"errors"
	"strings"
	"testing"
)

const sample = `<?xml version="1.0" encoding="iso-8859-1"?>
<!DOCTYPE nzb PUBLIC "-//newzBin//DTD NZB 1.1//EN" "http://www.newzbin.com/DTD/nzb/nzb-1.1.dtd">
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
 <head>
  <meta type="title">Holiday Pictures</meta>
  <meta type="password">secret</meta>
 </head>
 <file poster="joe@example.com" date="1071674882" subject="Pictures [1/2] - &quot;beach.jpg&quot; yEnc (1/3)">
  <groups>
   <group>alt.binaries.pictures</group>
   <group>alt.binaries.test</group>
  </groups>
  <segments>
   <segment bytes="102394" number="2">part2@example.com</segment>
   <segment bytes="102394" number="1">part1@example.com</segment>
   <segment bytes="4000" number="3"> part3@example.com </segment>
   <segment bytes="4000" number="3">part3@example.com</segment>
  </segments>
 </file>
 <file poster="joe@example.com" date="1071674882" subject="[2/2] notes.txt yEnc (1/1)">
  <groups><group>alt.binaries.pictures</group></groups>
  <segments><segment bytes="512" number="1">&lt;notes@example.com&gt;</segment></segments>
 </file>
</nzb>`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	if m.Meta("title") != "Holiday Pictures" || m.Meta("password") != "secret" || m.Meta("tag") != "" {
		t.Fatalf("metas = %+v", m.Metas)
	}
	if len(m.Files) != 2 {
		t.Fatalf("%d files", len(m.Files))
	}
	segs := m.Files[0].Segments
	if len(segs) != 3 {
		t.Fatalf("segments = %+v", segs)
	}
	for i, s := range segs {
		if s.Number != i+1 {
			t.Fatalf("segment %d has number %d", i, s.Number)
		}
	}
	if segs[2].MessageID != "part3@example.com" {
		t.Fatalf("message id %q", segs[2].MessageID)
	}
	if got := m.Size(); got != 102394*2+4000+512 {
		t.Fatalf("size = %d", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no files", `<nzb></nzb>`, ErrNoFiles},
		{"no segments", `<nzb><file subject="x"><segments></segments></file></nzb>`, ErrNoSegments},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tc.doc)); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := Parse(strings.NewReader("<nzb><file>")); err == nil {
		t.Fatal("truncated document parsed")
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{`Pictures [1/2] - "beach.jpg" yEnc (1/3)`, "beach.jpg"},
		{`[2/2] notes.txt yEnc (1/1)`, "notes.txt"},
		{`some.file.mkv (01/99)`, "some.file.mkv"},
		{`"a:b?.bin"`, "a_b_.bin"},
	}
	for _, tc := range tests {
		if got := FileName(tc.subject); got != tc.want {
			t.Errorf("FileName(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestDownload(t *testing.T) {
	m, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	d := m.Download(2, "/out", "")
	if d.Account != 2 || d.Path != "/out" || d.Desc != "Holiday Pictures" {
		t.Fatalf("download = %+v", d)
	}
	if d.NumArticles() != 4 {
		t.Fatalf("articles = %d", d.NumArticles())
	}
	f := d.Files[0]
	if f.Name != "beach.jpg" || len(f.Groups) != 2 || f.Articles[0] != "<part1@example.com>" {
		t.Fatalf("file = %+v", f)
	}
	if d.Files[1].Articles[0] != "<notes@example.com>" {
		t.Fatalf("bracketed id changed: %q", d.Files[1].Articles[0])
	}

	m.Metas = nil
	if d := m.Download(1, "", ""); d.Desc != "beach" {
		t.Fatalf("desc = %q", d.Desc)
	}
}
