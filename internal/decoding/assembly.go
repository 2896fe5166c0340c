package decoding

import (
	"fmt"
	"sort"
)

// crc32Combine returns the CRC-32 (IEEE) of A followed by B given the CRCs
// of both and the length of B.
func crc32Combine(crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}
	var even, odd [32]uint32

	odd[0] = 0xedb88320
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}
	gf2Square(even[:], odd[:])
	gf2Square(odd[:], even[:])

	for {
		gf2Square(even[:], odd[:])
		if lenB&1 != 0 {
			crcA = gf2Times(even[:], crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}
		gf2Square(odd[:], even[:])
		if lenB&1 != 0 {
			crcA = gf2Times(odd[:], crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}
	}
	return crcA ^ crcB
}

func gf2Times(mat []uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2Square(square, mat []uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2Times(mat, mat[n])
	}
}

type assembledPart struct {
	offset int64
	size   int64
	crc    uint32
}

// Assembly tracks the parts of a multi part binary as they arrive, in any
// order, and checks the whole file once the last one is in.
type Assembly struct {
	Name  string
	Size  int64
	Total int

	crc    uint32
	hasCRC bool
	parts  map[int]assembledPart
	next   int
}

// NewAssembly starts tracking the binary described by c.
func NewAssembly(c *Chunk) *Assembly {
	return &Assembly{
		Name:  c.Name,
		Size:  c.Size,
		Total: c.Total,
		parts: make(map[int]assembledPart),
	}
}

// Add records a decoded part. Parts without a part number (UUencode) are
// numbered in arrival order.
func (a *Assembly) Add(c *Chunk) {
	if c.HasCRC {
		a.crc = c.CRC
		a.hasCRC = true
	}
	if c.Total > a.Total {
		a.Total = c.Total
	}
	if c.Size > a.Size {
		a.Size = c.Size
	}
	part := c.Part
	if part <= 0 {
		a.next++
		part = a.next
	}
	offset := c.Offset
	if !c.HasOffset {
		offset = -1
	}
	a.parts[part] = assembledPart{offset: offset, size: int64(len(c.Data)), crc: c.PartCRC}
}

// Parts returns how many distinct parts were added.
func (a *Assembly) Parts() int { return len(a.parts) }

// Finish checks the assembled binary and returns the problems found with a
// message for each.
func (a *Assembly) Finish() (Problem, []string) {
	var problems Problem
	var messages []string

	if a.Total > 0 && len(a.parts) < a.Total {
		problems |= ProblemMissingParts
		messages = append(messages, fmt.Sprintf("%s: %d of %d parts received", a.Name, len(a.parts), a.Total))
	}

	ordered := make([]assembledPart, 0, len(a.parts))
	numbers := make([]int, 0, len(a.parts))
	for n := range a.parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		ordered = append(ordered, a.parts[n])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].offset < 0 || ordered[j].offset < 0 {
			return false
		}
		return ordered[i].offset < ordered[j].offset
	})

	var size int64
	var crc uint32
	contiguous := true
	for _, p := range ordered {
		if p.offset >= 0 && p.offset != size {
			contiguous = false
		}
		crc = crc32Combine(crc, p.crc, p.size)
		size += p.size
	}

	if a.Size > 0 && size != a.Size && !problems.Has(ProblemMissingParts) {
		problems |= ProblemSize
		messages = append(messages, fmt.Sprintf("%s: assembled %d bytes, expected %d", a.Name, size, a.Size))
	}
	if a.hasCRC && contiguous && !problems.Has(ProblemMissingParts) && crc != a.crc {
		problems |= ProblemCRC
		messages = append(messages, fmt.Sprintf("%s: checksum mismatch: expected %08x, got %08x", a.Name, a.crc, crc))
	}
	return problems, messages
}
