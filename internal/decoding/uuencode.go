package decoding

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strings"
)

const uuLineBytes = 45

func uuChar(b byte) byte {
	if b == 0 {
		return '`'
	}
	return b + 32
}

func uuValue(c byte) byte {
	if c == '`' || c == '\r' || c == '\n' {
		return 0
	}
	return (c - 32) & 63
}

// ParseUUHeader parses "begin <mode> <file>".
func ParseUUHeader(line []byte) (mode string, name string, err error) {
	fields := strings.Fields(string(line))
	if len(fields) < 3 || !strings.EqualFold(fields[0], "begin") {
		return "", "", ErrUUHeader
	}
	mode = fields[1]
	// the name is everything after the mode, spaces included
	rest := strings.TrimSpace(string(line))
	rest = strings.TrimSpace(rest[len(fields[0]):])
	name = strings.TrimSpace(rest[len(mode):])
	return mode, name, nil
}

// DecodeUULine decodes one UUencode data line. It returns false for lines
// that are not UUencode data.
func DecodeUULine(line []byte, dst []byte) ([]byte, bool) {
	if len(line) == 0 {
		return dst, false
	}
	n := int(uuValue(line[0]))
	if line[0] < 33 || line[0] > 77 {
		return dst, false
	}
	groups := (n + 2) / 3
	// some encoders strip trailing spaces, so short lines are padded with zeros
	if len(line)-1 > groups*4+2 {
		return dst, false
	}
	data := line[1:]
	var quad [4]byte
	for g := 0; g < groups; g++ {
		for k := 0; k < 4; k++ {
			quad[k] = 0
			if idx := g*4 + k; idx < len(data) {
				c := data[idx]
				if c < ' ' || c > '`' {
					return dst, false
				}
				quad[k] = uuValue(c)
			}
		}
		out := [3]byte{
			quad[0]<<2 | quad[1]>>4,
			quad[1]<<4 | quad[2]>>2,
			quad[2]<<6 | quad[3],
		}
		take := min(3, n-g*3)
		dst = append(dst, out[:take]...)
	}
	return dst, true
}

// EncodeUUBody encodes p as UUencode data lines followed by the zero length
// line.
func EncodeUUBody(p []byte) []byte {
	var out bytes.Buffer
	for len(p) > 0 {
		n := min(uuLineBytes, len(p))
		line := p[:n]
		p = p[n:]
		out.WriteByte(uuChar(byte(n)))
		for i := 0; i < n; i += 3 {
			var b [3]byte
			copy(b[:], line[i:min(i+3, n)])
			out.WriteByte(uuChar(b[0] >> 2))
			out.WriteByte(uuChar((b[0]<<4 | b[1]>>4) & 63))
			out.WriteByte(uuChar((b[1]<<2 | b[2]>>6) & 63))
			out.WriteByte(uuChar(b[2] & 63))
		}
		out.WriteString("\r\n")
	}
	out.WriteString("`\r\n")
	return out.Bytes()
}

// EncodeUU produces a complete UUencode block.
func EncodeUU(name string, mode string, data []byte) []byte {
	var out bytes.Buffer
	fmt.Fprintf(&out, "begin %s %s\r\n", mode, name)
	out.Write(EncodeUUBody(data))
	out.WriteString("end\r\n")
	return out.Bytes()
}

// decodeUU decodes a UUencode block at the start of p. The block may start
// with a "begin" header or be a headerless continuation of a multi part
// binary. Decoding stops at the zero length line, at "end", or at the first
// line that is not UUencode data.
func decodeUU(p []byte) (*Chunk, int, error) {
	c := &Chunk{}
	pos := 0

	line, next := nextLine(p, pos)
	if reUUBegin.Match(line) {
		_, name, err := ParseUUHeader(line)
		if err != nil {
			return nil, 0, err
		}
		c.Name = name
		c.First = true
		pos = next
	}

	data := make([]byte, 0, len(p)*3/4)
	lines := 0
	for pos < len(p) {
		line, next = nextLine(p, pos)
		if len(line) > 0 && (line[0] == '`' || line[0] == ' ') {
			// zero length line, the encoded data ends here
			pos = next
			if end, after := nextLine(p, pos); strings.EqualFold(strings.TrimSpace(string(end)), "end") {
				c.Last = true
				pos = after
			}
			break
		}
		if strings.EqualFold(strings.TrimSpace(string(line)), "end") {
			c.Last = true
			pos = next
			break
		}
		decoded, ok := DecodeUULine(line, data)
		if !ok {
			break
		}
		data = decoded
		lines++
		pos = next
	}
	if lines == 0 && !c.First {
		return nil, 0, ErrUUData
	}
	c.Data = data
	c.Multipart = !(c.First && c.Last)
	c.PartCRC = crc32.ChecksumIEEE(data)
	return c, pos, nil
}
