package session

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/stringutil"
	"github.com/kandev/sandboxd/internal/fifo"
	"github.com/kandev/sandboxd/internal/scriptbuilder"
)

// logCommandMaxLen bounds how much of a command's text is echoed into logs;
// sandboxed commands can carry arbitrarily long embedded scripts.
const logCommandMaxLen = 200

// ExecOptions carries the per-call overrides exec and execStream accept.
type ExecOptions struct {
	Cwd       string
	CommandID string
}

// ExecResult is the outcome of a completed foreground command (spec §4.3).
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Command    string
	DurationMs int64
	Timestamp  time.Time
}

// EventType tags one event of an execStream sequence (spec §4.3, §9).
type EventType string

const (
	EventStart    EventType = "start"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one element of the lazy sequence execStream produces. Start
// always precedes any chunk; Complete or Error is last and exactly once.
type Event struct {
	Type     EventType
	Chunk    string
	ExitCode int
	Result   *ExecResult
	Err      *apperr.AppError
}

// Exec registers a command, injects a foreground script, waits for the
// exit-code file, parses the log, and unregisters the command (spec §4.3).
func (s *Session) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, *apperr.AppError) {
	if !s.IsReady() {
		return ExecResult{}, apperr.SessionNotReady(s.id)
	}

	commandID := opts.CommandID
	if commandID == "" {
		commandID = newCommandID()
	}
	h := s.registerCommand(commandID)

	s.log.Debug("executing foreground command",
		zap.String("command_id", commandID),
		zap.String("command", stringutil.TruncateStringWithEllipsis(command, logCommandMaxLen)),
	)

	script := scriptbuilder.Build(scriptbuilder.Request{
		Command:      command,
		CommandID:    commandID,
		StdoutPipe:   h.stdoutPipe,
		StderrPipe:   h.stderrPipe,
		LogPath:      h.logPath,
		ExitCodePath: h.exitCodePath,
		PidPath:      h.pidPath,
		Cwd:          opts.Cwd,
		Mode:         scriptbuilder.Foreground,
	})

	start := time.Now()
	if _, err := s.stdin.Write([]byte(script + "\n")); err != nil {
		s.unregisterCommand(h)
		return ExecResult{}, apperr.New(apperr.CodeSessionDead, "failed to write to session shell").WithDetails(map[string]interface{}{"error": err.Error()})
	}

	execCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	exitCode, err := fifo.WaitForExitCode(execCtx, s.tempDir, h.exitCodePath, s.commandTimeout)
	if err != nil {
		if fifo.IsTimeout(err) || execCtx.Err() != nil {
			killBestEffort(h.pidPath)
			s.unregisterCommand(h)
			return ExecResult{}, apperr.CommandTimeout(int(s.commandTimeout / time.Millisecond))
		}
		s.unregisterCommand(h)
		return ExecResult{}, apperr.Internal("failed waiting for command completion", err)
	}

	stdout, stderr, sizeErr := parseLogFile(h.logPath, s.maxOutputBytes)
	s.unregisterCommand(h)
	if sizeErr != nil {
		return ExecResult{}, sizeErr
	}

	return ExecResult{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		Command:    command,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  start,
	}, nil
}

// ExecStream runs command in background mode and returns a channel of
// tagged events (spec §4.3, §5). The channel is closed after exactly one
// Complete or Error event.
func (s *Session) ExecStream(ctx context.Context, command string, opts ExecOptions) (<-chan Event, *apperr.AppError) {
	if !s.IsReady() {
		return nil, apperr.SessionNotReady(s.id)
	}

	commandID := opts.CommandID
	if commandID == "" {
		commandID = newCommandID()
	}
	h := s.registerCommand(commandID)

	script := scriptbuilder.Build(scriptbuilder.Request{
		Command:      command,
		CommandID:    commandID,
		StdoutPipe:   h.stdoutPipe,
		StderrPipe:   h.stderrPipe,
		LogPath:      h.logPath,
		ExitCodePath: h.exitCodePath,
		PidPath:      h.pidPath,
		Cwd:          opts.Cwd,
		Mode:         scriptbuilder.Background,
	})

	if _, err := s.stdin.Write([]byte(script + "\n")); err != nil {
		s.unregisterCommand(h)
		return nil, apperr.New(apperr.CodeSessionDead, "failed to write to session shell").WithDetails(map[string]interface{}{"error": err.Error()})
	}

	events := make(chan Event, 32)
	go s.streamLoop(ctx, command, h, events)
	return events, nil
}

// streamLoop polls the command's log file at a fixed cadence, yielding
// events in the order spec §4.3 and §5 require.
func (s *Session) streamLoop(ctx context.Context, command string, h *commandHandle, events chan<- Event) {
	defer close(events)

	// Hold the start event until the subshell's pid file (or its exit code)
	// exists, so a KillCommand issued right after the start event finds it.
	waitLimit := time.After(s.commandTimeout)
	for {
		_, pidWritten := readPidFile(h.pidPath)
		_, exited, _ := fifo.TryReadExitCode(h.exitCodePath)
		if pidWritten || exited {
			break
		}
		select {
		case <-ctx.Done():
		case <-waitLimit:
		case <-time.After(5 * time.Millisecond):
			continue
		}
		break
	}

	events <- Event{Type: EventStart}

	interval := s.pollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tailer *fifo.Tailer
	var totalBytes int64
	deadline := time.NewTimer(s.commandTimeout)
	defer deadline.Stop()

	finish := func(ev Event) {
		if tailer != nil {
			_ = tailer.Close()
		}
		s.unregisterCommand(h)
		events <- ev
	}

	for {
		select {
		case <-ctx.Done():
			killBestEffort(h.pidPath)
			finish(Event{Type: EventError, Err: apperr.Internal("stream context canceled", ctx.Err())})
			return
		case <-deadline.C:
			killBestEffort(h.pidPath)
			finish(Event{Type: EventError, Err: apperr.CommandTimeout(int(s.commandTimeout / time.Millisecond))})
			return
		case <-ticker.C:
			if tailer == nil {
				t, err := fifo.OpenTailer(h.logPath)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					finish(Event{Type: EventError, Err: apperr.Internal("failed to open command log", err)})
					return
				}
				tailer = t
			}

			lines, err := tailer.ReadLines()
			if err != nil {
				finish(Event{Type: EventError, Err: apperr.Internal("failed to read command log", err)})
				return
			}
			for _, l := range lines {
				totalBytes += int64(len(l.Payload)) + 1
				if totalBytes > s.maxOutputBytes {
					killBestEffort(h.pidPath)
					finish(Event{Type: EventError, Err: apperr.OutputTooLarge(s.maxOutputBytes)})
					return
				}
				if l.Stream == fifo.Stdout {
					events <- Event{Type: EventStdout, Chunk: string(l.Payload) + "\n"}
				} else {
					events <- Event{Type: EventStderr, Chunk: string(l.Payload) + "\n"}
				}
			}

			if code, ok, err := fifo.TryReadExitCode(h.exitCodePath); err != nil {
				finish(Event{Type: EventError, Err: apperr.Internal("malformed exit code", err)})
				return
			} else if ok {
				finish(Event{
					Type:     EventComplete,
					ExitCode: code,
					Result: &ExecResult{
						ExitCode:  code,
						Command:   command,
						Timestamp: time.Now(),
					},
				})
				return
			}
		}
	}
}

// parseLogFile reads a command's tagged log file and reconstitutes separate
// stdout/stderr strings, preserving each stream's internal ordering (spec
// invariant 2). Exceeding maxBytes fails with OutputTooLarge before the
// file is fully read.
func parseLogFile(path string, maxBytes int64) (string, string, *apperr.AppError) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", apperr.Internal("failed to stat command log", err)
	}
	if info.Size() > maxBytes {
		return "", "", apperr.OutputTooLarge(maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", apperr.Internal("failed to read command log", err)
	}

	var stdout, stderr strings.Builder
	for _, raw := range bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		l, ok := fifo.ParseLine(raw)
		if !ok {
			continue
		}
		if l.Stream == fifo.Stdout {
			stdout.Write(l.Payload)
			stdout.WriteByte('\n')
		} else {
			stderr.Write(l.Payload)
			stderr.WriteByte('\n')
		}
	}
	return stdout.String(), stderr.String(), nil
}
