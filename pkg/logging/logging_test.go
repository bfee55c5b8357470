package logging

import (
	"bytes"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

type countingArg struct{ n *atomic.Int32 }

func (c countingArg) String() string {
	c.n.Add(1)
	return "formatted"
}

func TestDebugfSkipsFormattingWhenOff(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr); Setup("info", "text") })

	var calls atomic.Int32
	Setup("info", "text")
	Debugf("[test] value=%s", countingArg{&calls})
	if calls.Load() != 0 || buf.Len() != 0 {
		t.Fatalf("expected no formatting at info level, calls=%d out=%q", calls.Load(), buf.String())
	}

	Setup("debug", "text")
	Debugf("[test] value=%s", countingArg{&calls})
	if calls.Load() != 1 || !strings.Contains(buf.String(), "value=formatted") {
		t.Fatalf("expected one formatted debug line, calls=%d out=%q", calls.Load(), buf.String())
	}
}

func TestFatalfFlushesBeforeExit(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()

	var (
		code    = -1
		written string
	)
	logger.SetOutput(f)
	logger.ExitFunc = func(c int) {
		code = c
		data, _ := os.ReadFile(f.Name())
		written = string(data)
	}
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
		logger.ExitFunc = os.Exit
	})

	Fatalf("[main] %s failed", "gateway")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(written, "gateway failed") || !strings.Contains(written, "level=fatal") {
		t.Fatalf("expected the fatal line on disk before exit, got %q", written)
	}
}
