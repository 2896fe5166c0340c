// Package decoding turns article bodies into binary chunks. It recognizes
// yEnc (single and multi part) and UUencode (single and multi part) content
// and keeps any surrounding text for the caller.
package decoding

import (
	"bytes"
	"regexp"
)

// Encoding identifies the armor of a binary inside an article.
type Encoding int

const (
	EncodingText Encoding = iota
	EncodingYencSingle
	EncodingYencMulti
	EncodingUUSingle
	EncodingUUMulti
)

func (e Encoding) String() string {
	return [...]string{"text", "yenc", "yenc multipart", "uuencode", "uuencode multipart"}[e]
}

// Chunk is a piece of a decoded binary.
type Chunk struct {
	Name      string
	Data      []byte
	Offset    int64
	HasOffset bool
	// Size is the final size of the binary when the encoding tells it.
	Size int64

	Part      int
	Total     int
	First     bool
	Last      bool
	Multipart bool

	// CRC is the whole file checksum announced by the footer.
	CRC     uint32
	HasCRC  bool
	PartCRC uint32

	Problems Problem
	Messages []string
}

func (c *Chunk) problem(p Problem, msg string) {
	c.Problems |= p
	c.Messages = append(c.Messages, msg)
}

// Damaged reports whether a content problem was found.
func (c *Chunk) Damaged() bool { return c.Problems != 0 }

// Result is the outcome of decoding one article.
type Result struct {
	Encoding Encoding
	// Chunk is nil when the article holds text only.
	Chunk *Chunk
	// Text is the text around the binary. Text following the binary is
	// preceded by a "[name]" marker line.
	Text []byte
}

var (
	reYencMulti  = regexp.MustCompile(`(?i)^=ybegin +part=[0-9]+( +total=[0-9]+)?( +line=[0-9]+)?( +size=[0-9]+)?( +line=[0-9]+)? +name=.*`)
	reYencSingle = regexp.MustCompile(`(?i)^=ybegin +line=[0-9]+ +size=[0-9]+ +name=.*`)
	reUUBegin    = regexp.MustCompile(`(?i)^begin +[0-9]{3} +.*`)
)

// Identify classifies a single line (without its line break).
func Identify(line []byte) Encoding {
	switch {
	case reYencMulti.Match(line):
		return EncodingYencMulti
	case reYencSingle.Match(line):
		return EncodingYencSingle
	case reUUBegin.Match(line):
		return EncodingUUSingle
	case isUULine(line):
		return EncodingUUMulti
	}
	return EncodingText
}

// isUULine matches a full headerless UUencode data line: an 'M' length
// character followed by 60 encoded characters.
func isUULine(line []byte) bool {
	if len(line) != 61 || line[0] != 'M' {
		return false
	}
	for _, c := range line[1:] {
		if c < ' ' || c > '`' {
			return false
		}
	}
	return true
}

// nextLine returns the line at pos without its line break and the position
// of the following line.
func nextLine(p []byte, pos int) ([]byte, int) {
	if pos >= len(p) {
		return nil, len(p)
	}
	i := bytes.IndexByte(p[pos:], '\n')
	if i < 0 {
		return bytes.TrimRight(p[pos:], "\r"), len(p)
	}
	return bytes.TrimRight(p[pos:pos+i], "\r"), pos + i + 1
}

// Decode scans content line by line for a binary. Lines before it are kept
// as text, as is whatever follows it.
func Decode(content []byte) (*Result, error) {
	res := &Result{Encoding: EncodingText}
	var text bytes.Buffer

	pos := 0
	for pos < len(content) {
		line, next := nextLine(content, pos)
		enc := Identify(line)
		if enc == EncodingText {
			if len(line) > 2 || text.Len() > 0 {
				text.Write(content[pos:next])
			}
			pos = next
			continue
		}

		var chunk *Chunk
		var used int
		var err error
		switch enc {
		case EncodingYencSingle, EncodingYencMulti:
			chunk, used, err = decodeYenc(content[pos:])
		default:
			chunk, used, err = decodeUU(content[pos:])
		}
		if err != nil {
			return nil, err
		}
		if chunk.Multipart && enc == EncodingUUSingle {
			enc = EncodingUUMulti
		}
		res.Encoding = enc
		res.Chunk = chunk

		rest := content[pos+used:]
		if len(bytes.TrimSpace(rest)) > 0 {
			text.WriteString("[" + chunk.Name + "]\r\n")
			text.Write(rest)
		}
		break
	}
	if text.Len() > 0 {
		res.Text = text.Bytes()
	}
	return res, nil
}
