package cmdlist

import (
	"bytes"
	"strconv"
	"strings"
)

// OverviewEntry is one line of XOVER output.
type OverviewEntry struct {
	Number     uint64
	Subject    string
	From       string
	Date       string
	MessageID  string
	References string
	Bytes      int64
	Lines      int
	Xref       string
}

// ListEntry is one line of LIST output.
type ListEntry struct {
	Name    string
	High    uint64
	Low     uint64
	Posting string
}

func eachLine(p []byte, fn func(line []byte)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		var line []byte
		if i < 0 {
			line, p = p, nil
		} else {
			line, p = p[:i], p[i+1:]
		}
		line = bytes.TrimRight(line, "\r")
		if len(line) > 0 {
			fn(line)
		}
	}
}

// ParseOverview parses overview content. Lines with a bad article number are
// skipped; missing trailing fields are left empty.
func ParseOverview(p []byte) []OverviewEntry {
	var entries []OverviewEntry
	eachLine(p, func(line []byte) {
		fields := strings.Split(string(line), "\t")
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return
		}
		field := func(i int) string {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
		e := OverviewEntry{
			Number:     n,
			Subject:    field(1),
			From:       field(2),
			Date:       field(3),
			MessageID:  field(4),
			References: field(5),
		}
		e.Bytes, _ = strconv.ParseInt(field(6), 10, 64)
		e.Lines, _ = strconv.Atoi(field(7))
		e.Xref = strings.TrimPrefix(field(8), "Xref: ")
		entries = append(entries, e)
	})
	return entries
}

// ParseList parses "group high low status" lines.
func ParseList(p []byte) []ListEntry {
	var entries []ListEntry
	eachLine(p, func(line []byte) {
		fields := strings.Fields(string(line))
		if len(fields) < 3 {
			return
		}
		e := ListEntry{Name: fields[0]}
		e.High, _ = strconv.ParseUint(fields[1], 10, 64)
		e.Low, _ = strconv.ParseUint(fields[2], 10, 64)
		if len(fields) > 3 {
			e.Posting = fields[3]
		}
		entries = append(entries, e)
	})
	return entries
}
