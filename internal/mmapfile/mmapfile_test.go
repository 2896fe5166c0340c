package mmapfile

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAcrossChunks(t *testing.T) {
	name := filepath.Join(t.TempDir(), "big.bin")
	page := int64(os.Getpagesize())

	f, err := Open(name, Options{ChunkSize: page, MaxChunks: 2, Create: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.ChunkSize() != page {
		t.Fatalf("chunk size = %d", f.ChunkSize())
	}

	data := make([]byte, 5*page+123)
	rand.New(rand.NewSource(1)).Read(data)

	// write in pieces that straddle chunk boundaries, back to front
	const piece = 1000
	for off := (len(data) - 1) / piece * piece; off >= 0; off -= piece {
		end := min(off+piece, len(data))
		if _, err := f.WriteAt(data[off:end], int64(off)); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.MappedChunks(); n > 2 {
		t.Fatalf("%d chunks mapped, limit is 2", n)
	}
	if size, _ := f.Size(); size != int64(len(data)) {
		t.Fatalf("size = %d", size)
	}

	got := make([]byte, len(data))
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("mapped read differs from written data")
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	onDisk, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Fatal("file content differs after close")
	}
}

func TestResizeAndReadPastEnd(t *testing.T) {
	name := filepath.Join(t.TempDir(), "r.bin")
	f, err := Open(name, Options{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.Resize(100); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("abc"), 97); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := f.ReadAt(buf, 97); err != nil || string(buf) != "abc" {
		t.Fatalf("read %q err=%v", buf, err)
	}
	if n, err := f.ReadAt(make([]byte, 10), 95); err == nil || n != 5 {
		t.Fatalf("read past end: n=%d err=%v", n, err)
	}
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestClosed(t *testing.T) {
	name := filepath.Join(t.TempDir(), "c.bin")
	f, err := Open(name, Options{Create: true})
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := f.WriteAt([]byte("x"), 0); err != ErrClosed {
		t.Fatalf("err = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
