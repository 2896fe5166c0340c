// Package mmapfile gives random access to large files through a bounded set
// of memory mapped windows. Windows are mapped on demand and the least
// recently used one is flushed and unmapped when the limit is reached.
package mmapfile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultChunkSize = 16 << 20
	DefaultMaxChunks = 8
)

var ErrClosed = errors.New("mmapfile: file is closed")

// Options control the mapping windows.
type Options struct {
	// ChunkSize is rounded up to a multiple of the page size.
	ChunkSize int64
	MaxChunks int
	ReadOnly  bool
	// Create creates the file when it does not exist.
	Create bool
}

// File is a file accessed through memory mapped chunks.
type File struct {
	name      string
	chunkSize int64
	readOnly  bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	chunks *lru.Cache[int64, mmap.MMap]
	err    error
}

// Open opens name for mapped access.
func Open(name string, opts Options) (*File, error) {
	page := int64(os.Getpagesize())
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	chunk = (chunk + page - 1) / page * page
	maxChunks := opts.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}

	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if opts.Create && !opts.ReadOnly {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(name, flags, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	m := &File{
		name:      name,
		chunkSize: chunk,
		readOnly:  opts.ReadOnly,
		f:         f,
		size:      st.Size(),
	}
	m.chunks, err = lru.NewWithEvict(maxChunks, m.evicted)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// evicted runs with m.mu held, from inside the cache calls.
func (m *File) evicted(_ int64, region mmap.MMap) {
	if !m.readOnly {
		if err := region.Flush(); err != nil && m.err == nil {
			m.err = err
		}
	}
	if err := region.Unmap(); err != nil && m.err == nil {
		m.err = err
	}
}

func (m *File) Name() string { return m.name }

// ChunkSize returns the size of one mapping window.
func (m *File) ChunkSize() int64 { return m.chunkSize }

// MappedChunks returns how many windows are currently mapped.
func (m *File) MappedChunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks.Len()
}

func (m *File) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	return m.size, nil
}

// chunk returns the window starting at base, mapping it if needed.
func (m *File) chunk(base int64) (mmap.MMap, error) {
	if region, ok := m.chunks.Get(base); ok {
		return region, nil
	}
	length := min(m.chunkSize, m.size-base)
	if length <= 0 {
		return nil, fmt.Errorf("mmapfile: offset %d beyond end of file", base)
	}
	prot := mmap.RDWR
	if m.readOnly {
		prot = mmap.RDONLY
	}
	region, err := mmap.MapRegion(m.f, int(length), prot, 0, base)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: map %s at %d: %w", m.name, base, err)
	}
	m.chunks.Add(base, region)
	return region, nil
}

// ReadAt reads len(p) bytes at off. Reading past the end returns the bytes
// available and an error.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= m.size {
			return n, fmt.Errorf("mmapfile: read past end of %s", m.name)
		}
		base := pos / m.chunkSize * m.chunkSize
		region, err := m.chunk(base)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], region[pos-base:])
	}
	return n, nil
}

// WriteAt writes p at off, growing the file when the write ends past it.
func (m *File) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return 0, ErrClosed
	}
	if m.readOnly {
		return 0, fmt.Errorf("mmapfile: %s is read only", m.name)
	}
	if end := off + int64(len(p)); end > m.size {
		if err := m.resize(end); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		base := pos / m.chunkSize * m.chunkSize
		region, err := m.chunk(base)
		if err != nil {
			return n, err
		}
		n += copy(region[pos-base:], p[n:])
	}
	return n, nil
}

// Resize changes the file size. All windows are unmapped first.
func (m *File) Resize(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	return m.resize(size)
}

func (m *File) resize(size int64) error {
	m.chunks.Purge()
	if err := m.takeErr(); err != nil {
		return err
	}
	if err := m.f.Truncate(size); err != nil {
		return err
	}
	m.size = size
	return nil
}

// Flush writes every mapped window back to the file.
func (m *File) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return ErrClosed
	}
	for _, base := range m.chunks.Keys() {
		if region, ok := m.chunks.Peek(base); ok && !m.readOnly {
			if err := region.Flush(); err != nil {
				return err
			}
		}
	}
	return m.takeErr()
}

// Close unmaps every window and closes the file.
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	m.chunks.Purge()
	err := m.takeErr()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	m.f = nil
	return err
}

func (m *File) takeErr() error {
	err := m.err
	m.err = nil
	return err
}
