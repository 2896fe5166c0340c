package content

import (
	"bytes"
	"errors"
	"hash/crc32"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/datallboy/newsflow/internal/decoding"
	"github.com/spf13/afero"
)

func yencParts(t *testing.T, name string, data []byte, partSize int) []*decoding.Result {
	t.Helper()
	total := (len(data) + partSize - 1) / partSize
	var out []*decoding.Result
	for i := 0; i < total; i++ {
		off := i * partSize
		end := min(off+partSize, len(data))
		block := decoding.EncodeYencPart(decoding.YencPart{
			Name: name, Part: i + 1, Total: total, FileSize: int64(len(data)),
			Offset: int64(off), FileCRC: crc32.ChecksumIEEE(data),
		}, data[off:end], 128)
		res, err := decoding.Decode(block)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, res)
	}
	return out
}

func perform(t *testing.T, r *Reconstructor, results []*decoding.Result) {
	t.Helper()
	var writes []*Write
	for _, res := range results {
		ws, err := r.Accept(res)
		if err != nil {
			t.Fatal(err)
		}
		writes = append(writes, ws...)
	}
	var wg sync.WaitGroup
	for _, w := range writes {
		wg.Add(1)
		go func(w *Write) {
			defer wg.Done()
			if err := w.Perform(); err != nil {
				t.Error(err)
			}
		}(w)
	}
	wg.Wait()
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	data := make([]byte, 10000)
	rand.New(rand.NewSource(42)).Read(data)

	for seed := int64(0); seed < 5; seed++ {
		parts := yencParts(t, "movie.mkv", data, 1500)
		rand.New(rand.NewSource(seed)).Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

		fs := afero.NewMemMapFs()
		r := New(fs, "/out", "movie", len(parts), Options{})
		perform(t, r, parts)
		files, err := r.Finish()
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 1 || files[0].Damaged {
			t.Fatalf("seed %d: files = %+v", seed, files)
		}
		got, err := afero.ReadFile(fs, "/out/movie.mkv")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("seed %d: reconstructed file differs", seed)
		}
		if !r.Good() {
			t.Fatal("reconstructor not good")
		}
	}
}

func TestMissingPartMarksDamaged(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 300)
	parts := yencParts(t, "a.bin", data, 1000)

	r := New(afero.NewMemMapFs(), "/out", "a", len(parts), Options{})
	perform(t, r, parts[:2])
	files, err := r.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if !files[0].Damaged {
		t.Fatal("binary with a missing part not reported damaged")
	}
}

func TestCollisionNaming(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/out/pic.jpg", []byte("old"), 0644)
	afero.WriteFile(fs, "/out/pic (1).jpg", []byte("old"), 0644)

	r := New(fs, "/out", "pics", 1, Options{})
	perform(t, r, []*decoding.Result{mustDecode(t, decoding.EncodeYenc("pic.jpg", []byte("new"), 128))})
	files, err := r.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if files[0].Path != filepath.Join("/out", "pic (2).jpg") {
		t.Fatalf("path = %s", files[0].Path)
	}
	if old, _ := afero.ReadFile(fs, "/out/pic.jpg"); string(old) != "old" {
		t.Fatal("existing file was overwritten")
	}

	r = New(fs, "/out", "pics", 1, Options{Overwrite: true})
	perform(t, r, []*decoding.Result{mustDecode(t, decoding.EncodeYenc("pic.jpg", []byte("new"), 128))})
	if _, err := r.Finish(); err != nil {
		t.Fatal(err)
	}
	if got, _ := afero.ReadFile(fs, "/out/pic.jpg"); string(got) != "new" {
		t.Fatalf("overwrite: %q", got)
	}
}

func TestNoFreeName(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/out/x.bin", nil, 0644)
	for i := 1; i < maxNameAttempts; i++ {
		afero.WriteFile(fs, filepath.Join("/out", numbered("x.bin", i)), nil, 0644)
	}
	r := New(fs, "/out", "x", 1, Options{})
	if _, err := r.Accept(mustDecode(t, decoding.EncodeYenc("x.bin", []byte("a"), 128))); !errors.Is(err, errNoFileName) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelDiscardsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, "/out", "job", 2, Options{})
	writes, err := r.Accept(mustDecode(t, decoding.EncodeYenc("gone.bin", []byte("data"), 128)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(); err != nil {
		t.Fatal(err)
	}
	// the file stays until the pending write lets go of it
	if ok, _ := afero.Exists(fs, "/out/gone.bin"); !ok {
		t.Fatal("file removed while a write still holds it")
	}
	for _, w := range writes {
		if err := w.Perform(); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := afero.Exists(fs, "/out/gone.bin"); ok {
		t.Fatal("discarded file still exists")
	}
	if _, err := r.Accept(mustDecode(t, decoding.EncodeYenc("late.bin", []byte("x"), 128))); !errors.Is(err, ErrCancelled) {
		t.Fatalf("accept after cancel: %v", err)
	}
}

func TestTextContent(t *testing.T) {
	content := "Posted by someone\r\n" + string(decoding.EncodeYenc("a.bin", []byte("abc"), 128))
	for _, discard := range []bool{false, true} {
		fs := afero.NewMemMapFs()
		r := New(fs, "/out", "my job", 1, Options{DiscardText: discard})
		perform(t, r, []*decoding.Result{mustDecode(t, []byte(content))})
		files, err := r.Finish()
		if err != nil {
			t.Fatal(err)
		}
		exists, _ := afero.Exists(fs, "/out/my job.txt")
		if exists == discard {
			t.Fatalf("discard=%v: text file exists=%v", discard, exists)
		}
		if !discard {
			got, _ := afero.ReadFile(fs, "/out/my job.txt")
			if !strings.Contains(string(got), "Posted by someone") || len(files) != 2 {
				t.Fatalf("text = %q files=%d", got, len(files))
			}
		}
	}
}

func TestUUMultipartStashOrder(t *testing.T) {
	data := make([]byte, 45*6)
	rand.New(rand.NewSource(9)).Read(data)
	lines := strings.SplitAfter(string(decoding.EncodeUUBody(data)), "\r\n")

	// three articles: header + 2 lines, 2 lines, 2 lines + end
	first := "begin 644 scan.jpg\r\n" + strings.Join(lines[0:2], "")
	middle := strings.Join(lines[2:4], "")
	last := strings.Join(lines[4:], "") + "end\r\n"

	fs := afero.NewMemMapFs()
	r := New(fs, "/out", "scan", 3, Options{})
	// the last part arrives first
	perform(t, r, []*decoding.Result{
		mustDecode(t, []byte(last)),
		mustDecode(t, []byte(first)),
		mustDecode(t, []byte(middle)),
	})
	if _, err := r.Finish(); err != nil {
		t.Fatal(err)
	}
	got, err := afero.ReadFile(fs, "/out/scan.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("uuencoded parts joined in the wrong order")
	}
}

func TestMmapBackedFile(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 50000)
	rand.New(rand.NewSource(3)).Read(data)
	parts := yencParts(t, "m.bin", data, 7000)

	fs := afero.NewOsFs()
	r := New(fs, dir, "m", len(parts), Options{UseMmap: true, MmapChunkSize: 4096, MmapMaxChunks: 2})
	perform(t, r, parts)
	if _, err := r.Finish(); err != nil {
		t.Fatal(err)
	}
	got, err := afero.ReadFile(fs, filepath.Join(dir, "m.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("mmap backed file differs")
	}
}

func TestCleanName(t *testing.T) {
	tests := map[string]string{
		"a/b.bin":     "a_b.bin",
		`x"y".rar`:    "x_y_.rar",
		" spaced.nfo": "spaced.nfo",
		"..":          "",
	}
	for in, want := range tests {
		if got := CleanName(in); got != want {
			t.Errorf("CleanName(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustDecode(t *testing.T, p []byte) *decoding.Result {
	t.Helper()
	res, err := decoding.Decode(p)
	if err != nil {
		t.Fatal(err)
	}
	return res
}
