package decoding

// DecodeError is a structural failure: a header, part header or footer that
// is missing or cannot be parsed. The article's bytes are not delivered.
type DecodeError string

func (e DecodeError) Error() string { return string(e) }

const (
	ErrYencHeader     DecodeError = "broken or missing yenc header"
	ErrYencPartHeader DecodeError = "broken or missing yenc part header"
	ErrYencFooter     DecodeError = "broken or missing yenc footer"
	ErrUUHeader       DecodeError = "broken or missing uuencode header"
	ErrUUData         DecodeError = "broken uuencode data"
)

// Problem is a content problem found while decoding. The decoded bytes are
// still delivered; the binary is reported as damaged.
type Problem uint8

const (
	ProblemCRC Problem = 1 << iota
	ProblemSize
	ProblemMissingParts
)

func (p Problem) Has(flag Problem) bool { return p&flag != 0 }

func (p Problem) String() string {
	switch {
	case p == 0:
		return "none"
	case p.Has(ProblemCRC):
		return "checksum mismatch"
	case p.Has(ProblemSize):
		return "size mismatch"
	default:
		return "missing parts"
	}
}
