// Package fifo implements the wire format used inside a session's per-command
// log file: interleaved stdout/stderr lines tagged with a three-byte binary
// prefix, plus the exit-code file that is the authoritative completion
// signal. See spec §4.1.
package fifo

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
)

// Stream identifies which file descriptor a tagged line originated from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Three-byte prefixes chosen for negligible collision probability with
// ordinary program output (spec §4.1).
var (
	stdoutPrefix = []byte{0x01, 0x01, 0x01}
	stderrPrefix = []byte{0x02, 0x02, 0x02}
)

// Line is one demultiplexed line of command output.
type Line struct {
	Stream  Stream
	Payload []byte
}

// Writer appends tagged lines to an underlying sink. It plays the role the
// reader sub-processes play in the reference shell script: every line a
// command writes to its stdout or stderr is re-emitted here with its
// stream prefix. Safe for concurrent use by multiple goroutines writing to
// the same log file.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w as a tagged-line sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine appends one tagged line. payload must not itself contain a
// newline; callers split on newlines before calling this.
func (w *Writer) WriteLine(stream Stream, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := stdoutPrefix
	if stream == Stderr {
		prefix = stderrPrefix
	}

	if _, err := w.w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	_, err := w.w.Write([]byte{'\n'})
	return err
}

// ParseLine classifies one newline-stripped line by its three-byte prefix.
// Lines without either prefix are not part of the protocol and are
// discarded by returning ok=false (spec §4.1: "should not occur").
func ParseLine(line []byte) (Line, bool) {
	switch {
	case bytes.HasPrefix(line, stdoutPrefix):
		return Line{Stream: Stdout, Payload: line[len(stdoutPrefix):]}, true
	case bytes.HasPrefix(line, stderrPrefix):
		return Line{Stream: Stderr, Payload: line[len(stderrPrefix):]}, true
	default:
		return Line{}, false
	}
}

// Tailer incrementally reads newly-appended, newline-terminated lines from
// a growing log file, tolerating a trailing unterminated fragment left by a
// command still writing (spec §4.1).
type Tailer struct {
	file    *os.File
	reader  *bufio.Reader
	pending []byte
}

// OpenTailer opens path for reading from its current start. The caller
// must Close it when done.
func OpenTailer(path string) (*Tailer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Tailer{file: f, reader: bufio.NewReader(f)}, nil
}

// ReadLines returns every complete line newly available since the last
// call, classified via ParseLine. Unclassifiable lines are silently
// skipped. An unterminated trailing fragment is buffered for the next call.
func (t *Tailer) ReadLines() ([]Line, error) {
	var lines []Line
	for {
		chunk, err := t.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if chunk[len(chunk)-1] == '\n' {
				full := append(t.pending, chunk[:len(chunk)-1]...)
				t.pending = nil
				if l, ok := ParseLine(full); ok {
					lines = append(lines, l)
				}
			} else {
				t.pending = append(t.pending, chunk...)
			}
		}
		if err != nil {
			if err == io.EOF {
				return lines, nil
			}
			return lines, err
		}
	}
}

// Close releases the underlying file handle.
func (t *Tailer) Close() error {
	return t.file.Close()
}
