// Package content turns decoded chunks into files. Chunks may arrive in any
// order; those carrying an offset are written in place, the rest are
// appended in the order they are accepted.
package content

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/datallboy/newsflow/internal/bigfile"
	"github.com/datallboy/newsflow/internal/decoding"
	"github.com/datallboy/newsflow/internal/mmapfile"
	"github.com/spf13/afero"
)

// maxNameAttempts bounds the numbered variants tried on a name collision.
const maxNameAttempts = 10

var (
	ErrNoName     = errors.New("content: binary has no name")
	ErrCancelled  = errors.New("content: reconstruction was cancelled")
	badNameChars  = regexp.MustCompile(`[\\/:*?"<>|!]`)
	errNoFileName = errors.New("content: no free file name")
)

// Options mirror the download settings that affect files on disk.
type Options struct {
	Overwrite     bool
	DiscardText   bool
	UseMmap       bool
	MmapChunkSize int64
	MmapMaxChunks int
}

// File describes one finished output file.
type File struct {
	Path     string
	Name     string
	Size     int64
	Binary   bool
	Damaged  bool
	Messages []string
}

type binary struct {
	handle   *FileHandle
	assembly *decoding.Assembly
	problems decoding.Problem
	messages []string
}

// Reconstructor owns the files of one download.
type Reconstructor struct {
	fs   afero.Fs
	dir  string
	name string
	opts Options

	mu       sync.Mutex
	binaries map[string]*binary
	order    []*binary
	text     *FileHandle

	// multi part uuencode parts carry no offsets; they wait here in slot
	// order until Finish
	stash     [][]byte
	stashName string
	slots     int

	errs      []error
	cancelled bool
	finished  bool
}

// New creates a reconstructor writing under dir. name is the download name,
// used for the text file. slots is the number of articles in the download.
func New(fs afero.Fs, dir, name string, slots int, opts Options) *Reconstructor {
	return &Reconstructor{
		fs:       fs,
		dir:      dir,
		name:     CleanName(name),
		opts:     opts,
		binaries: make(map[string]*binary),
		slots:    max(slots, 2),
	}
}

// CleanName removes characters that cannot appear in a file name.
func CleanName(name string) string {
	name = strings.TrimSpace(badNameChars.ReplaceAllString(name, "_"))
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}

// numbered returns the attempt-th variant of name: "a.bin", "a (1).bin", ...
func numbered(name string, attempt int) string {
	if attempt == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), attempt, ext)
}

func (r *Reconstructor) open(name string, size int64, isBinary bool) (*FileHandle, error) {
	clean := CleanName(name)
	if clean == "" {
		return nil, ErrNoName
	}
	if err := r.fs.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", r.dir, err)
	}
	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(r.dir, numbered(clean, i))
		if !r.opts.Overwrite && bigfile.Exists(r.fs, path) {
			continue
		}
		store, err := r.create(path)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		if size > 0 {
			if err := store.Resize(size); err != nil {
				store.Close()
				return nil, fmt.Errorf("resize %s: %w", path, err)
			}
		}
		return newHandle(r.fs, path, name, isBinary, store), nil
	}
	return nil, fmt.Errorf("%w for %s in %s", errNoFileName, clean, r.dir)
}

func (r *Reconstructor) create(path string) (Storage, error) {
	if !r.opts.UseMmap {
		return bigfile.Open(r.fs, path, bigfile.ModeCreate)
	}
	m, err := mmapfile.Open(path, mmapfile.Options{
		ChunkSize: r.opts.MmapChunkSize,
		MaxChunks: r.opts.MmapMaxChunks,
		Create:    true,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Resize(0); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (r *Reconstructor) binaryFor(name string, size int64) (*binary, error) {
	if b, ok := r.binaries[name]; ok {
		return b, nil
	}
	h, err := r.open(name, size, true)
	if err != nil {
		return nil, err
	}
	b := &binary{handle: h}
	r.binaries[name] = b
	r.order = append(r.order, b)
	return b, nil
}

// Accept takes the decoded form of one article and returns the writes that
// put it on disk. The writes may be performed on any goroutine.
func (r *Reconstructor) Accept(res *decoding.Result) ([]*Write, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil, ErrCancelled
	}

	var writes []*Write
	if c := res.Chunk; c != nil && (len(c.Data) > 0 || c.First) {
		w, err := r.acceptChunk(res.Encoding, c)
		if err != nil {
			return nil, err
		}
		if w != nil {
			writes = append(writes, w)
		}
	}

	if len(res.Text) > 0 && !r.opts.DiscardText {
		if r.text == nil {
			h, err := r.open(r.textName(), 0, false)
			if err != nil {
				return nil, err
			}
			r.text = h
		}
		writes = append(writes, newWrite(r.text, res.Text, 0, false))
	}
	return writes, nil
}

func (r *Reconstructor) textName() string {
	if r.name == "" {
		return "download.txt"
	}
	return r.name + ".txt"
}

func (r *Reconstructor) acceptChunk(enc decoding.Encoding, c *decoding.Chunk) (*Write, error) {
	switch enc {
	case decoding.EncodingYencSingle, decoding.EncodingYencMulti:
		b, err := r.binaryFor(c.Name, c.Size)
		if err != nil {
			return nil, err
		}
		b.problems |= c.Problems
		b.messages = append(b.messages, c.Messages...)
		if c.Multipart {
			if b.assembly == nil {
				b.assembly = decoding.NewAssembly(c)
			}
			b.assembly.Add(c)
		}
		return newWrite(b.handle, c.Data, c.Offset, c.HasOffset), nil

	case decoding.EncodingUUMulti:
		r.stashPart(c)
		return nil, nil

	case decoding.EncodingUUSingle:
		b, err := r.binaryFor(c.Name, 0)
		if err != nil {
			return nil, err
		}
		return newWrite(b.handle, c.Data, 0, false), nil
	}
	return nil, fmt.Errorf("content: unsupported encoding %v", enc)
}

// stashPart places a uuencoded part: the first part goes to the first slot,
// the last part to the last slot and the rest fill the first free slot in
// between.
func (r *Reconstructor) stashPart(c *decoding.Chunk) {
	if r.stash == nil {
		r.stash = make([][]byte, r.slots)
	}
	switch {
	case c.First:
		r.stash[0] = c.Data
		r.stashName = c.Name
	case c.Last:
		r.stash[len(r.stash)-1] = c.Data
	default:
		for i := 1; i < len(r.stash)-1; i++ {
			if r.stash[i] == nil {
				r.stash[i] = c.Data
				return
			}
		}
		// more middle parts than articles, keep the data anyway
		r.stash = append(r.stash[:len(r.stash)-1], c.Data, r.stash[len(r.stash)-1])
	}
}

// Fail records an error that makes the download not good.
func (r *Reconstructor) Fail(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// Good reports whether no decode or I/O error was recorded.
func (r *Reconstructor) Good() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs) == 0
}

// Err joins the recorded errors.
func (r *Reconstructor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

// Cancel discards every file created so far. Pending writes become no-ops
// and the files are removed once the last write lets go of them.
func (r *Reconstructor) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.finished {
		return nil
	}
	r.cancelled = true
	r.stash = nil

	var errs []error
	for _, h := range r.handles() {
		h.Discard()
		errs = append(errs, h.release())
	}
	return errors.Join(errs...)
}

func (r *Reconstructor) handles() []*FileHandle {
	hs := make([]*FileHandle, 0, len(r.order)+1)
	for _, b := range r.order {
		hs = append(hs, b.handle)
	}
	if r.text != nil {
		hs = append(hs, r.text)
	}
	return hs
}

// Finish writes out stashed parts, checks multi part binaries and releases
// the files. Files still referenced by pending writes close when those
// writes complete.
func (r *Reconstructor) Finish() ([]File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return nil, ErrCancelled
	}
	if r.finished {
		return nil, nil
	}
	r.finished = true

	if r.stash != nil {
		if err := r.flushStash(); err != nil {
			r.errs = append(r.errs, err)
		}
	}

	files := make([]File, 0, len(r.order)+1)
	for _, b := range r.order {
		if b.assembly != nil {
			problems, msgs := b.assembly.Finish()
			b.problems |= problems
			b.messages = append(b.messages, msgs...)
		}
		files = append(files, File{
			Path:     b.handle.path,
			Name:     filepath.Base(b.handle.path),
			Size:     b.handle.Written(),
			Binary:   true,
			Damaged:  b.problems != 0,
			Messages: b.messages,
		})
	}
	if r.text != nil {
		files = append(files, File{
			Path: r.text.path,
			Name: filepath.Base(r.text.path),
			Size: r.text.Written(),
		})
	}

	for _, h := range r.handles() {
		if err := h.release(); err != nil {
			r.errs = append(r.errs, err)
		}
	}
	return files, errors.Join(r.errs...)
}

func (r *Reconstructor) flushStash() error {
	name := r.stashName
	if name == "" {
		name = r.name
	}
	b, err := r.binaryFor(name, 0)
	if err != nil {
		return err
	}
	for _, part := range r.stash {
		if part == nil {
			continue
		}
		if err := b.handle.write(part, 0, false); err != nil {
			return err
		}
	}
	r.stash = nil
	return nil
}
