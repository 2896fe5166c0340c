package decoding

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// DefaultLineLength is the yEnc line length used when none is given.
const DefaultLineLength = 128

// YencHeader is the "=ybegin" line.
type YencHeader struct {
	Part  int
	Total int
	Line  int
	Size  int64
	Name  string
}

// YencPartHeader is the "=ypart" line. Begin and End are 1-based and inclusive.
type YencPartHeader struct {
	Begin int64
	End   int64
}

// Offset is the 0-based file offset of the part.
func (p YencPartHeader) Offset() int64 { return p.Begin - 1 }

// Size is the number of bytes in the part.
func (p YencPartHeader) Size() int64 { return p.End - p.Offset() }

// YencFooter is the "=yend" line.
type YencFooter struct {
	Size    int64
	Part    int
	PartCRC uint32
	CRC     uint32
	HasPCRC bool
	HasCRC  bool
}

// keywords splits "key=value" pairs following prefix. The value of "name"
// runs to the end of the line since file names may contain spaces.
func keywords(line []byte, prefix string) (map[string]string, bool) {
	text := strings.TrimRight(string(line), "\r\n")
	if !strings.HasPrefix(text, prefix) {
		return nil, false
	}
	text = text[len(prefix):]

	kv := make(map[string]string)
	if i := strings.Index(text, " name="); i >= 0 {
		kv["name"] = text[i+len(" name="):]
		text = text[:i]
	}
	for _, field := range strings.Fields(text) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, false
		}
		kv[strings.ToLower(key)] = value
	}
	return kv, true
}

func atoi64(kv map[string]string, key string) (int64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func hex32(kv map[string]string, key string) (uint32, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 32)
	return uint32(n), err == nil
}

// ParseYencHeader parses "=ybegin [part=] [total=] line= size= name=".
func ParseYencHeader(line []byte) (YencHeader, error) {
	kv, ok := keywords(line, "=ybegin ")
	if !ok {
		return YencHeader{}, ErrYencHeader
	}
	var h YencHeader
	var n int64
	if n, ok = atoi64(kv, "line"); !ok {
		return YencHeader{}, ErrYencHeader
	}
	h.Line = int(n)
	if h.Size, ok = atoi64(kv, "size"); !ok {
		return YencHeader{}, ErrYencHeader
	}
	if h.Name, ok = kv["name"]; !ok {
		return YencHeader{}, ErrYencHeader
	}
	if _, present := kv["part"]; present {
		if n, ok = atoi64(kv, "part"); !ok {
			return YencHeader{}, ErrYencHeader
		}
		h.Part = int(n)
	}
	if _, present := kv["total"]; present {
		if n, ok = atoi64(kv, "total"); !ok {
			return YencHeader{}, ErrYencHeader
		}
		h.Total = int(n)
	}
	return h, nil
}

// ParseYencPartHeader parses "=ypart begin= end=".
func ParseYencPartHeader(line []byte) (YencPartHeader, error) {
	kv, ok := keywords(line, "=ypart ")
	if !ok {
		return YencPartHeader{}, ErrYencPartHeader
	}
	var p YencPartHeader
	if p.Begin, ok = atoi64(kv, "begin"); !ok || p.Begin < 1 {
		return YencPartHeader{}, ErrYencPartHeader
	}
	if p.End, ok = atoi64(kv, "end"); !ok || p.End < p.Begin-1 {
		return YencPartHeader{}, ErrYencPartHeader
	}
	return p, nil
}

// ParseYencFooter parses "=yend size= [part=] [pcrc32=] [crc32=]".
func ParseYencFooter(line []byte) (YencFooter, error) {
	kv, ok := keywords(line, "=yend ")
	if !ok {
		return YencFooter{}, ErrYencFooter
	}
	var f YencFooter
	if f.Size, ok = atoi64(kv, "size"); !ok {
		return YencFooter{}, ErrYencFooter
	}
	if _, present := kv["part"]; present {
		n, ok := atoi64(kv, "part")
		if !ok {
			return YencFooter{}, ErrYencFooter
		}
		f.Part = int(n)
	}
	if _, present := kv["pcrc32"]; present {
		if f.PartCRC, f.HasPCRC = hex32(kv, "pcrc32"); !f.HasPCRC {
			return YencFooter{}, ErrYencFooter
		}
	}
	if _, present := kv["crc32"]; present {
		if f.CRC, f.HasCRC = hex32(kv, "crc32"); !f.HasCRC {
			return YencFooter{}, ErrYencFooter
		}
	}
	return f, nil
}

// DecodeYencBody decodes yEnc data until the "=y" of the footer line or the
// end of p. It returns the decoded bytes and the offset where decoding stopped.
func DecodeYencBody(p []byte, dst []byte) ([]byte, int) {
	escaped := false
	for i := 0; i < len(p); i++ {
		b := p[i]
		if escaped {
			dst = append(dst, b-64-42)
			escaped = false
			continue
		}
		switch b {
		case '\r', '\n':
			continue
		case '=':
			if i+1 < len(p) && p[i+1] == 'y' {
				return dst, i
			}
			escaped = true
			continue
		}
		dst = append(dst, b-42)
	}
	return dst, len(p)
}

func yencCritical(b byte) bool {
	switch b {
	case 0x00, '\n', '\r', '=', '\t':
		return true
	}
	return false
}

// EncodeYencBody encodes p, breaking lines after lineLen output characters.
// With doubleDots a dot starting a line is doubled for NNTP transport.
func EncodeYencBody(p []byte, lineLen int, doubleDots bool) []byte {
	if lineLen <= 0 {
		lineLen = DefaultLineLength
	}
	var out bytes.Buffer
	out.Grow(len(p) + len(p)/32 + 2*(len(p)/lineLen+1))
	col := 0
	for i, b := range p {
		val := b + 42
		if yencCritical(val) {
			out.WriteByte('=')
			out.WriteByte(val + 64)
			col += 2
		} else {
			if doubleDots && col == 0 && val == '.' {
				out.WriteByte('.')
			}
			out.WriteByte(val)
			col++
		}
		if col >= lineLen && i != len(p)-1 {
			out.WriteString("\r\n")
			col = 0
		}
	}
	return out.Bytes()
}

// EncodeYenc produces a complete single part yEnc block.
func EncodeYenc(name string, data []byte, lineLen int) []byte {
	if lineLen <= 0 {
		lineLen = DefaultLineLength
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "=ybegin line=%d size=%d name=%s\r\n", lineLen, len(data), name)
	out.Write(EncodeYencBody(data, lineLen, false))
	fmt.Fprintf(&out, "\r\n=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return out.Bytes()
}

// YencPart describes one part of a multi part yEnc binary.
type YencPart struct {
	Name     string
	Part     int
	Total    int
	FileSize int64
	Offset   int64
	FileCRC  uint32
}

// EncodeYencPart produces a complete multi part yEnc block for one part.
func EncodeYencPart(p YencPart, data []byte, lineLen int) []byte {
	if lineLen <= 0 {
		lineLen = DefaultLineLength
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", p.Part, p.Total, lineLen, p.FileSize, p.Name)
	fmt.Fprintf(&out, "=ypart begin=%d end=%d\r\n", p.Offset+1, p.Offset+int64(len(data)))
	out.Write(EncodeYencBody(data, lineLen, false))
	fmt.Fprintf(&out, "\r\n=yend size=%d part=%d pcrc32=%08x crc32=%08x\r\n", len(data), p.Part, crc32.ChecksumIEEE(data), p.FileCRC)
	return out.Bytes()
}

// decodeYenc decodes the yEnc block at the start of p.
func decodeYenc(p []byte) (*Chunk, int, error) {
	pos := 0
	line, next := nextLine(p, pos)
	header, err := ParseYencHeader(line)
	if err != nil {
		return nil, 0, err
	}
	pos = next

	c := &Chunk{
		Name:      header.Name,
		Size:      header.Size,
		Part:      header.Part,
		Total:     header.Total,
		Multipart: header.Part > 0,
	}

	var part YencPartHeader
	if c.Multipart {
		line, next = nextLine(p, pos)
		if part, err = ParseYencPartHeader(line); err != nil {
			return nil, 0, err
		}
		pos = next
		c.Offset = part.Offset()
		c.HasOffset = true
		c.First = header.Part == 1
		c.Last = header.Total > 0 && header.Part == header.Total
	} else {
		c.HasOffset = true
		c.First = true
		c.Last = true
	}

	data, stop := DecodeYencBody(p[pos:], make([]byte, 0, estimateDecoded(c, len(p)-pos)))
	pos += stop
	line, next = nextLine(p, pos)
	footer, err := ParseYencFooter(line)
	if err != nil {
		return nil, 0, err
	}
	pos = next
	c.Data = data
	c.CRC = footer.CRC
	c.HasCRC = footer.HasCRC

	actual := crc32.ChecksumIEEE(data)
	c.PartCRC = actual
	if c.Multipart {
		if footer.HasPCRC && footer.PartCRC != actual {
			c.problem(ProblemCRC, fmt.Sprintf("part %d checksum mismatch: expected %08x, got %08x", c.Part, footer.PartCRC, actual))
		}
		if int64(len(data)) != part.Size() || footer.Size != int64(len(data)) {
			c.problem(ProblemSize, fmt.Sprintf("part %d has %d bytes, part header says %d, footer says %d", c.Part, len(data), part.Size(), footer.Size))
		}
	} else {
		if footer.HasCRC && footer.CRC != actual {
			c.problem(ProblemCRC, fmt.Sprintf("checksum mismatch: expected %08x, got %08x", footer.CRC, actual))
		}
		if footer.Size != header.Size || int64(len(data)) != header.Size {
			c.problem(ProblemSize, fmt.Sprintf("decoded %d bytes, header says %d, footer says %d", len(data), header.Size, footer.Size))
		}
	}
	return c, pos, nil
}

func estimateDecoded(c *Chunk, encoded int) int {
	if c.Multipart {
		return encoded
	}
	if c.Size > 0 && c.Size < int64(encoded) {
		return int(c.Size)
	}
	return encoded
}
