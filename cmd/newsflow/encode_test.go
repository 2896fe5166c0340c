package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/datallboy/newsflow/internal/decoding"
)

func TestEncodeRoundTrip(t *testing.T) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	path := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		args []string
		enc  decoding.Encoding
	}{
		{[]string{"encode", path}, decoding.EncodingYencSingle},
		{[]string{"encode", "--line", "64", path}, decoding.EncodingYencSingle},
		{[]string{"encode", "--uu", path}, decoding.EncodingUUSingle},
	}
	for _, tc := range tests {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(tc.args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		res, err := decoding.Decode(out.Bytes())
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if res.Encoding != tc.enc || res.Chunk == nil {
			t.Fatalf("%v: encoding %v", tc.args, res.Encoding)
		}
		if res.Chunk.Name != "sample.bin" || !bytes.Equal(res.Chunk.Data, data) {
			t.Fatalf("%v: decoded %q, %d bytes", tc.args, res.Chunk.Name, len(res.Chunk.Data))
		}
	}
}

func TestEncodeRejectsBadLineLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	os.WriteFile(path, []byte("x"), 0o644)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"encode", "--line", "0", path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error")
	}
}
