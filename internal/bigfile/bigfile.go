// Package bigfile provides positioned I/O on files larger than 4GB. Every
// offset is 64 bits and the file system is pluggable so the same code runs
// against the OS or an in-memory tree.
package bigfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Mode selects how a file is opened.
type Mode int

const (
	// ModeRead opens an existing file read only.
	ModeRead Mode = iota
	// ModeWrite opens or creates a file for writing, keeping its contents.
	ModeWrite
	// ModeCreate creates a new file, truncating an existing one.
	ModeCreate
)

var ErrClosed = errors.New("bigfile: file is closed")

// File is an open big file. It keeps its own position and is safe for use
// by multiple goroutines; positioned calls (ReadAt, WriteAt) do not move the
// position.
type File struct {
	fs   afero.Fs
	name string

	mu  sync.Mutex
	f   afero.File
	pos int64
}

// Open opens name on fs.
func Open(fs afero.Fs, name string, mode Mode) (*File, error) {
	var flags int
	switch mode {
	case ModeRead:
		flags = os.O_RDONLY
	case ModeWrite:
		flags = os.O_RDWR | os.O_CREATE
	case ModeCreate:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	default:
		return nil, fmt.Errorf("bigfile: unknown mode %d", mode)
	}
	f, err := fs.OpenFile(name, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &File{fs: fs, name: name, f: f}, nil
}

// Name returns the path the file was opened with.
func (b *File) Name() string { return b.name }

// IsOpen reports whether Close has not been called yet.
func (b *File) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f != nil
}

// Position returns the current file position.
func (b *File) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Seek moves the file position. It follows io.Seeker.
func (b *File) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = b.pos + offset
	case io.SeekEnd:
		st, err := b.f.Stat()
		if err != nil {
			return 0, err
		}
		next = st.Size() + offset
	default:
		return 0, fmt.Errorf("bigfile: bad whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("bigfile: negative position %d", next)
	}
	b.pos = next
	return next, nil
}

// Read reads at the current position and advances it.
func (b *File) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	n, err := b.f.ReadAt(p, b.pos)
	b.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Write writes at the current position and advances it.
func (b *File) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	n, err := b.f.WriteAt(p, b.pos)
	b.pos += int64(n)
	return n, err
}

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	return b.f.ReadAt(p, off)
}

func (b *File) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	return b.f.WriteAt(p, off)
}

// Resize truncates or extends the file. Extending does not write zeros on
// file systems that support sparse files.
func (b *File) Resize(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return ErrClosed
	}
	return b.f.Truncate(size)
}

// Size returns the current size of the file.
func (b *File) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return 0, ErrClosed
	}
	st, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Flush commits written data to stable storage.
func (b *File) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return ErrClosed
	}
	return b.f.Sync()
}

// Close closes the file. Closing twice is not an error.
func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Exists reports whether name exists on fs.
func Exists(fs afero.Fs, name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

// Size returns the size of the named file.
func Size(fs afero.Fs, name string) (int64, error) {
	st, err := fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Resize changes the size of the named file without keeping it open.
func Resize(fs afero.Fs, name string, size int64) error {
	f, err := fs.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Erase removes the named file. A missing file is not an error.
func Erase(fs afero.Fs, name string) error {
	err := fs.Remove(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
