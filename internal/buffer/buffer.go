package buffer

import "fmt"

// Type describes what kind of payload a Buffer carries.
type Type int

const (
	TypeNone Type = iota
	TypeOverview
	TypeArticle
	TypeGroupList
	TypeGroupInfo
)

func (t Type) String() string {
	switch t {
	case TypeOverview:
		return "overview"
	case TypeArticle:
		return "article"
	case TypeGroupList:
		return "grouplist"
	case TypeGroupInfo:
		return "groupinfo"
	default:
		return "none"
	}
}

// Status is the outcome of the transfer that filled a Buffer.
type Status int

const (
	StatusNone Status = iota
	StatusSuccess
	StatusUnavailable
	StatusDmca
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnavailable:
		return "unavailable"
	case StatusDmca:
		return "dmca"
	case StatusError:
		return "error"
	default:
		return "none"
	}
}

// Buffer is a growable byte region split into a response header and a
// payload. The payload is the sub range [ContentStart, ContentStart+ContentLength).
type Buffer struct {
	data   []byte
	size   int
	start  int
	length int
	ctype  Type
	status Status
}

// New returns a buffer with the given initial capacity.
func New(capacity int) *Buffer {
	b := &Buffer{}
	if capacity > 0 {
		b.data = make([]byte, capacity)
	}
	return b
}

// FromBytes wraps a copy of p as a buffer whose payload is all of p.
func FromBytes(p []byte) *Buffer {
	b := New(len(p))
	b.Append(p)
	b.SetContent(0, len(p))
	return b
}

// Allocate makes sure at least capacity bytes are available in total.
func (b *Buffer) Allocate(capacity int) {
	if capacity <= len(b.data) {
		return
	}
	grown := make([]byte, capacity)
	copy(grown, b.data[:b.size])
	b.data = grown
}

// Grow makes room for at least n more bytes, doubling the capacity.
func (b *Buffer) Grow(n int) {
	if b.Available() >= n {
		return
	}
	capacity := len(b.data) * 2
	if capacity == 0 {
		capacity = 1024
	}
	for capacity-b.size < n {
		capacity *= 2
	}
	b.Allocate(capacity)
}

// Append copies p to the end of the written region.
func (b *Buffer) Append(p []byte) {
	b.Grow(len(p))
	copy(b.data[b.size:], p)
	b.size += len(p)
}

// Commit marks n bytes written directly into Back() as used.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.size+n > len(b.data) {
		panic(fmt.Sprintf("buffer: commit %d overflows capacity %d", n, len(b.data)-b.size))
	}
	b.size += n
}

// Back returns the unused tail of the buffer for a direct read into it.
func (b *Buffer) Back() []byte { return b.data[b.size:] }

// Head returns the written bytes.
func (b *Buffer) Head() []byte { return b.data[:b.size] }

func (b *Buffer) Size() int { return b.size }
func (b *Buffer) Capacity() int { return len(b.data) }
func (b *Buffer) Available() int { return len(b.data) - b.size }

// Clear drops the contents but keeps the allocation.
func (b *Buffer) Clear() {
	b.size = 0
	b.start = 0
	b.length = 0
	b.ctype = TypeNone
	b.status = StatusNone
}

// Pop discards the first n written bytes and shifts the rest to the front.
func (b *Buffer) Pop(n int) {
	if n > b.size {
		n = b.size
	}
	copy(b.data, b.data[n:b.size])
	b.size -= n
	b.start = 0
	b.length = 0
}

// Truncate drops everything written past n.
func (b *Buffer) Truncate(n int) {
	if n >= b.size {
		return
	}
	b.size = n
	if b.start+b.length > n {
		b.start = 0
		b.length = 0
	}
}

// Split moves the first n written bytes into a new buffer and keeps the
// remainder in b.
func (b *Buffer) Split(n int) *Buffer {
	if n > b.size {
		n = b.size
	}
	head := New(n)
	head.Append(b.data[:n])
	b.Pop(n)
	return head
}

// SetContent sets the payload range. It panics if the range is out of bounds.
func (b *Buffer) SetContent(start, length int) {
	if start < 0 || length < 0 || start+length > b.size {
		panic(fmt.Sprintf("buffer: content [%d,+%d) outside of %d bytes", start, length, b.size))
	}
	b.start = start
	b.length = length
}

func (b *Buffer) ContentStart() int { return b.start }
func (b *Buffer) ContentLength() int { return b.length }

// Content returns the payload bytes.
func (b *Buffer) Content() []byte { return b.data[b.start : b.start+b.length] }

func (b *Buffer) ContentType() Type { return b.ctype }
func (b *Buffer) SetContentType(t Type) { b.ctype = t }
func (b *Buffer) Status() Status { return b.status }
func (b *Buffer) SetStatus(s Status) { b.status = s }
func (b *Buffer) Succeeded() bool { return b.status == StatusSuccess }
