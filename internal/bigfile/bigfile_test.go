package bigfile

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
)

func TestOpenWriteRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := Open(fs, "/data/a.bin", ModeCreate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(" world")); err != nil {
		t.Fatal(err)
	}
	if f.Position() != 11 {
		t.Fatalf("position = %d", f.Position())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 11)
	if _, err := io.ReadFull(f, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("read %q", got)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestSeekWritePastEnd(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := Open(fs, "/b.bin", ModeCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.Resize(10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(6, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("tail")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("head"), 0); err != nil {
		t.Fatal(err)
	}
	size, err := f.Size()
	if err != nil || size != 10 {
		t.Fatalf("size=%d err=%v", size, err)
	}
	got := make([]byte, 10)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("head\x00\x00tail")) {
		t.Fatalf("content %q", got)
	}
	end, err := f.Seek(-4, io.SeekEnd)
	if err != nil || end != 6 {
		t.Fatalf("seek end = %d %v", end, err)
	}
	if _, err := f.Seek(-1, io.SeekStart); err == nil {
		t.Fatal("negative seek accepted")
	}
}

func TestPackageHelpers(t *testing.T) {
	fs := afero.NewMemMapFs()
	if Exists(fs, "/c.bin") {
		t.Fatal("file exists before creation")
	}
	f, err := Open(fs, "/c.bin", ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if !Exists(fs, "/c.bin") {
		t.Fatal("file missing after creation")
	}
	if err := Resize(fs, "/c.bin", 4096); err != nil {
		t.Fatal(err)
	}
	if n, err := Size(fs, "/c.bin"); err != nil || n != 4096 {
		t.Fatalf("size=%d err=%v", n, err)
	}
	if err := Erase(fs, "/c.bin"); err != nil {
		t.Fatal(err)
	}
	if err := Erase(fs, "/c.bin"); err != nil {
		t.Fatalf("erasing a missing file: %v", err)
	}
	if _, err := Open(fs, "/c.bin", ModeRead); err == nil {
		t.Fatal("opened an erased file for reading")
	}
}
