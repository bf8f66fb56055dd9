package fifo

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteLine(Stdout, []byte("hello")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if err := w.WriteLine(Stderr, []byte("oops")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	l0, ok := ParseLine(lines[0])
	if !ok || l0.Stream != Stdout || string(l0.Payload) != "hello" {
		t.Fatalf("unexpected first line: %+v ok=%v", l0, ok)
	}
	l1, ok := ParseLine(lines[1])
	if !ok || l1.Stream != Stderr || string(l1.Payload) != "oops" {
		t.Fatalf("unexpected second line: %+v ok=%v", l1, ok)
	}
}

func TestParseLineRejectsUnprefixed(t *testing.T) {
	if _, ok := ParseLine([]byte("plain text")); ok {
		t.Fatal("expected unprefixed line to be rejected")
	}
}

func TestTailerToleratesTrailingFragment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	w := NewWriter(f)
	if err := w.WriteLine(Stdout, []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Simulate a command still writing: an unterminated fragment.
	if _, err := f.Write(append([]byte{0x01, 0x01, 0x01}, []byte("partial")...)); err != nil {
		t.Fatalf("write partial: %v", err)
	}

	tailer, err := OpenTailer(path)
	if err != nil {
		t.Fatalf("open tailer: %v", err)
	}
	defer tailer.Close()

	lines, err := tailer.ReadLines()
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if len(lines) != 1 || string(lines[0].Payload) != "first" {
		t.Fatalf("expected only the complete line, got %+v", lines)
	}

	if _, err := f.Write([]byte(" more\n")); err != nil {
		t.Fatalf("write completion: %v", err)
	}
	lines, err = tailer.ReadLines()
	if err != nil {
		t.Fatalf("read lines after completion: %v", err)
	}
	if len(lines) != 1 || string(lines[0].Payload) != "partial more" {
		t.Fatalf("expected the fragment to complete into one line, got %+v", lines)
	}
}

func TestWaitForExitCodeExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exit-code")
	if err := os.WriteFile(path, []byte("0\n"), 0o644); err != nil {
		t.Fatalf("write exit code: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, err := WaitForExitCode(ctx, dir, path, time.Second)
	if err != nil {
		t.Fatalf("wait for exit code: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestWaitForExitCodeCreatedLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exit-code")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("7"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code, err := WaitForExitCode(ctx, dir, path, 2*time.Second)
	if err != nil {
		t.Fatalf("wait for exit code: %v", err)
	}
	if code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
}

func TestWaitForExitCodeTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exit-code")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := WaitForExitCode(ctx, dir, path, 100*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout sentinel, got %v", err)
	}
}
