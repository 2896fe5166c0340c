package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelsAndNames(t *testing.T) {
	var out bytes.Buffer
	l := NewWriter(&out, LevelInfo)
	l.Debug("hidden")
	l.Named("conn").Named("3").Warn("slow %d", 5)
	l.Info("plain")

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Fatal("debug message logged at info level")
	}
	if !strings.Contains(got, "[WARN] [conn/3] slow 5") {
		t.Fatalf("missing named warning:\n%s", got)
	}
	if !strings.Contains(got, "[INFO] plain") {
		t.Fatalf("missing info line:\n%s", got)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "WARN": LevelWarn, "error": LevelError, "info": LevelInfo, "bogus": LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriteTrimsNewline(t *testing.T) {
	var out bytes.Buffer
	l := NewWriter(&out, LevelDebug)
	n, err := l.Write([]byte("GET /api 200\n"))
	if err != nil || n != 13 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !strings.HasSuffix(out.String(), "[INFO] GET /api 200\n") {
		t.Fatalf("out = %q", out.String())
	}
}
