// Package session implements one persistent interactive shell (spec §3, §4.3):
// a single long-running shell child process with a dedicated temp directory,
// into which commands are injected via stdin and whose output is
// demultiplexed through package fifo.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/logger"
)

// State is the session's lifecycle stage (spec §4.3: Created → Ready ↔
// Serving → Destroying → Gone).
type State int

const (
	StateCreated State = iota
	StateReady
	StateDestroying
	StateGone
)

// Options configures a Session at construction time. Fields left zero take
// the package-level defaults a SessionManager applies from config.
type Options struct {
	ID             string
	Cwd            string
	Env            map[string]string
	CommandTimeout time.Duration
	MaxOutputBytes int64
	PollInterval   time.Duration
	KillGrace      time.Duration
	Locale         string
}

// commandHandle is the bookkeeping record for one in-flight command (spec §3).
// All five paths live under the owning Session's temp directory.
type commandHandle struct {
	id           string
	stdoutPipe   string
	stderrPipe   string
	logPath      string
	pidPath      string
	exitCodePath string
}

// Session owns one shell child, one temp directory, and the table of
// commands currently registered against it.
type Session struct {
	id      string
	tempDir string
	log     *logger.Logger

	cwd            string
	env            map[string]string
	commandTimeout time.Duration
	maxOutputBytes int64
	pollInterval   time.Duration
	killGrace      time.Duration
	locale         string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	ready      atomic.Bool
	destroying atomic.Bool

	mu       sync.Mutex
	commands map[string]*commandHandle
}

// New constructs a Session in the Created state. Initialize must be called
// before any other operation.
func New(opts Options, log *logger.Logger) *Session {
	return &Session{
		id:             opts.ID,
		cwd:            opts.Cwd,
		env:            opts.Env,
		commandTimeout: opts.CommandTimeout,
		maxOutputBytes: opts.MaxOutputBytes,
		pollInterval:   opts.PollInterval,
		killGrace:      opts.KillGrace,
		locale:         opts.Locale,
		log:            log.WithFields(zap.String("component", "session"), zap.String("session_id", opts.ID)),
		commands:       make(map[string]*commandHandle),
	}
}

// ID returns the session's stable identity.
func (s *Session) ID() string { return s.id }

// IsReady reports whether the shell child is alive and the session has
// completed initialization (spec §4.3).
func (s *Session) IsReady() bool {
	if !s.ready.Load() || s.destroying.Load() {
		return false
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	// Signal 0 probes existence without affecting the process.
	return s.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Initialize creates the session temp directory and spawns the persistent
// shell. Fails with ResourceInit if either step fails (spec §4.3).
func (s *Session) Initialize(ctx context.Context) *apperr.AppError {
	tempDir := filepath.Join(os.TempDir(), fmt.Sprintf("session-%s-%d", s.id, time.Now().UnixMilli()))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return apperr.New(apperr.CodeResourceInit, "failed to create session temp directory").WithDetails(map[string]interface{}{"error": err.Error()})
	}
	s.tempDir = tempDir

	cmd := exec.Command("bash", "--norc", "--noprofile")
	cmd.Dir = s.cwd
	cmd.Env = s.buildEnv()
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return apperr.New(apperr.CodeResourceInit, "failed to create shell stdin pipe").WithDetails(map[string]interface{}{"error": err.Error()})
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(tempDir)
		return apperr.New(apperr.CodeResourceInit, "failed to start shell").WithDetails(map[string]interface{}{"error": err.Error()})
	}

	s.cmd = cmd
	s.stdin = stdin
	s.ready.Store(true)

	s.log.Info("session initialized", zap.String("temp_dir", tempDir), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// buildEnv overlays the process environment with the session's env and a
// forced locale, matching the order spec §4.3 specifies: process env
// overlaid with session env overlaid with forced UTF-8 locale.
func (s *Session) buildEnv() []string {
	env := os.Environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	locale := s.locale
	if locale == "" {
		locale = "C.UTF-8"
	}
	env = append(env, "LANG="+locale, "LC_ALL="+locale, "PWD="+s.cwd)
	return env
}

// Destroy performs the ordered, idempotent shutdown spec §4.3 mandates:
// close stdin (EOF), SIGTERM, wait up to killGrace, SIGKILL on timeout,
// then remove the session directory.
func (s *Session) Destroy(ctx context.Context) {
	if !s.destroying.CompareAndSwap(false, true) {
		return
	}
	s.ready.Store(false)

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			_ = s.cmd.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.killGrace):
			s.log.Warn("session shell did not exit after SIGTERM, sending SIGKILL")
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
	}

	if s.tempDir != "" {
		if err := os.RemoveAll(s.tempDir); err != nil {
			s.log.Warn("failed to remove session temp directory", zap.Error(err))
		}
	}

	s.log.Info("session destroyed")
}

// registerCommand allocates a commandHandle under the session temp
// directory and adds it to the live command table.
func (s *Session) registerCommand(commandID string) *commandHandle {
	h := &commandHandle{
		id:           commandID,
		stdoutPipe:   filepath.Join(s.tempDir, commandID+"-stdout.pipe"),
		stderrPipe:   filepath.Join(s.tempDir, commandID+"-stderr.pipe"),
		logPath:      filepath.Join(s.tempDir, commandID+".log"),
		pidPath:      filepath.Join(s.tempDir, commandID+".pid"),
		exitCodePath: filepath.Join(s.tempDir, commandID+".exit"),
	}
	s.mu.Lock()
	s.commands[commandID] = h
	s.mu.Unlock()
	return h
}

// unregisterCommand removes a command from the live table and best-effort
// deletes its scratch files.
func (s *Session) unregisterCommand(h *commandHandle) {
	s.mu.Lock()
	delete(s.commands, h.id)
	s.mu.Unlock()

	for _, p := range []string{h.stdoutPipe, h.stderrPipe, h.logPath, h.pidPath, h.exitCodePath} {
		_ = os.Remove(p)
	}
}

// KillCommand reads the command's pid file, sends SIGTERM if present, and
// removes the handle (spec §4.3: "sends SIGTERM and removes the handle").
// Returns false if the handle is unknown or already terminated: the
// semantics of "already gone" and "never existed" are indistinguishable
// from the caller's perspective, both report false. Removing the handle on
// success makes a second call against the same commandID report false too
// (spec §8: killCommand is idempotent, the second call returns
// CommandNotFound), regardless of how long streamLoop's async poll takes to
// notice the command actually exited.
func (s *Session) KillCommand(commandID string) bool {
	s.mu.Lock()
	h, ok := s.commands[commandID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	pid, found := readPidFile(h.pidPath)
	if !found {
		return false
	}

	_ = syscall.Kill(pid, syscall.SIGTERM)
	s.unregisterCommand(h)
	return true
}

// readPidFile best-effort reads an integer pid from path.
func readPidFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// killBestEffort is the Open-Question resolution applied on timeout: also
// attempt to kill whatever process recorded its pid at path, swallowing the
// case where no pid was ever written (plain foreground commands).
func killBestEffort(path string) {
	if pid, ok := readPidFile(path); ok {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}
