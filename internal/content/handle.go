package content

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datallboy/newsflow/internal/bigfile"
	"github.com/spf13/afero"
)

// Storage is the open file behind a FileHandle. Both bigfile.File and
// mmapfile.File satisfy it.
type Storage interface {
	WriteAt(p []byte, off int64) (int, error)
	Resize(size int64) error
	Size() (int64, error)
	Flush() error
	Close() error
}

type handleState int32

const (
	stateOpen handleState = iota
	// stateDiscard drops further writes and erases the file once the last
	// reference goes away.
	stateDiscard
	stateClosed
)

var errHandleClosed = errors.New("content: file handle is closed")

// FileHandle is a shared, reference counted output file. The reconstructor
// holds one reference and every pending Write holds another; the file is
// closed when the last reference is released.
type FileHandle struct {
	fs     afero.Fs
	path   string
	binary string
	isBin  bool
	store  Storage

	refs    atomic.Int32
	state   atomic.Int32
	written atomic.Int64

	mu       sync.Mutex
	cursor   int64
	closeErr error
}

func newHandle(fs afero.Fs, path, binary string, isBinary bool, store Storage) *FileHandle {
	h := &FileHandle{fs: fs, path: path, binary: binary, isBin: isBinary, store: store}
	h.refs.Store(1)
	return h
}

// Path is where the file lives on disk.
func (h *FileHandle) Path() string { return h.path }

// BinaryName is the name announced by the encoding, before collision renaming.
func (h *FileHandle) BinaryName() string { return h.binary }

func (h *FileHandle) IsBinary() bool { return h.isBin }

// Written is the number of bytes written so far.
func (h *FileHandle) Written() int64 { return h.written.Load() }

func (h *FileHandle) acquire() { h.refs.Add(1) }

// Discard turns every later write into a no-op and removes the file when
// the last reference is released.
func (h *FileHandle) Discard() {
	h.state.CompareAndSwap(int32(stateOpen), int32(stateDiscard))
}

func (h *FileHandle) Discarded() bool {
	return handleState(h.state.Load()) == stateDiscard
}

func (h *FileHandle) write(p []byte, off int64, hasOffset bool) error {
	if handleState(h.state.Load()) != stateOpen {
		return nil
	}
	if !hasOffset {
		h.mu.Lock()
		off = h.cursor
		h.cursor += int64(len(p))
		h.mu.Unlock()
	}
	n, err := h.store.WriteAt(p, off)
	h.written.Add(int64(n))
	if err != nil {
		return fmt.Errorf("write %s at %d: %w", h.path, off, err)
	}
	return nil
}

// release drops one reference. The last one closes the file, and erases it
// when the handle was discarded.
func (h *FileHandle) release() error {
	if h.refs.Add(-1) > 0 {
		return nil
	}
	discard := !h.state.CompareAndSwap(int32(stateOpen), int32(stateClosed))
	if discard && !h.state.CompareAndSwap(int32(stateDiscard), int32(stateClosed)) {
		return errHandleClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !discard {
		if err := h.store.Flush(); err != nil {
			h.closeErr = err
		}
	}
	if err := h.store.Close(); err != nil && h.closeErr == nil {
		h.closeErr = err
	}
	if discard {
		if err := bigfile.Erase(h.fs, h.path); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
	}
	return h.closeErr
}

// Write is a pending write of decoded bytes. It holds a reference on its
// file until performed.
type Write struct {
	handle    *FileHandle
	offset    int64
	hasOffset bool
	data      []byte
}

func newWrite(h *FileHandle, data []byte, off int64, hasOffset bool) *Write {
	h.acquire()
	return &Write{handle: h, offset: off, hasOffset: hasOffset, data: data}
}

// Path of the file the write goes to.
func (w *Write) Path() string { return w.handle.path }

func (w *Write) Len() int { return len(w.data) }

// Perform writes the data and releases the reference. Writes into a
// discarded file are dropped.
func (w *Write) Perform() error {
	err := w.handle.write(w.data, w.offset, w.hasOffset)
	w.data = nil
	if rerr := w.handle.release(); err == nil {
		err = rerr
	}
	return err
}
