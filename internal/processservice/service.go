// Package processservice implements C6: a sandbox-wide façade that
// translates "start a background process" into a streaming command on a
// Session, maintaining status, buffered output, listener fan-out, kill,
// streaming reads, and periodic GC (spec §4.6).
package processservice

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/audit"
	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/constants"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/events"
	"github.com/kandev/sandboxd/internal/events/bus"
	"github.com/kandev/sandboxd/internal/processstore"
	"github.com/kandev/sandboxd/internal/session"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

// Options configures one call to startProcess/executeCommand(Stream).
type Options struct {
	SessionID string
	Cwd       string
	TimeoutMs int
}

// ExecuteResult is the converted shape executeCommand returns (spec §4.6).
type ExecuteResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Service is the sandbox-wide ProcessRecord façade.
type Service struct {
	log       *logger.Logger
	bus       bus.EventBus
	manager   *sessionmanager.Manager
	store     *processstore.Store
	auditSink *audit.Sink

	stopGC chan struct{}
	gcOnce sync.Once
}

// SetAuditSink wires the optional audit sink. A nil sink is valid and
// leaves auditing disabled.
func (s *Service) SetAuditSink(sink *audit.Sink) {
	s.auditSink = sink
}

// New constructs a Service and starts its periodic GC loop.
func New(manager *sessionmanager.Manager, store *processstore.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		log:     log.WithFields(zap.String("component", "process-service")),
		bus:     eventBus,
		manager: manager,
		store:   store,
		stopGC:  make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

func (s *Service) gcLoop() {
	ticker := time.NewTicker(constants.ProcessGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			removed := s.store.Cleanup(time.Now().Add(-constants.ProcessGCMaxAge))
			if removed > 0 {
				s.log.Info("process gc removed terminal records", zap.Int("count", removed))
			}
		}
	}
}

// startProcess is semantically identical to executeCommandStream; it
// exists as a distinct, named entry point for long-lived background
// processes (spec §4.6).
func (s *Service) StartProcess(ctx context.Context, command string, opts Options) (*processstore.Record, *apperr.AppError) {
	return s.ExecuteCommandStream(ctx, command, opts)
}

// ExecuteCommand runs command to completion and converts the raw Session
// result into the simplified {success, exitCode, stdout, stderr} shape.
func (s *Service) ExecuteCommand(ctx context.Context, command string, opts Options) (ExecuteResult, *apperr.AppError) {
	if strings.TrimSpace(command) == "" {
		return ExecuteResult{}, apperr.New(apperr.CodeInvalidCommand, "command must not be empty")
	}
	res, err := s.manager.ExecuteInSession(ctx, opts.SessionID, command, opts.Cwd, opts.TimeoutMs)
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{
		Success:  res.ExitCode == 0,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

// ExecuteCommandStream mints a process id, creates a running ProcessRecord,
// starts a streaming command on the session, and returns the record as soon
// as the first stream event has been observed (spec §4.6, invariant 4).
func (s *Service) ExecuteCommandStream(ctx context.Context, command string, opts Options) (*processstore.Record, *apperr.AppError) {
	if strings.TrimSpace(command) == "" {
		return nil, apperr.New(apperr.CodeInvalidCommand, "command must not be empty")
	}

	processID := newProcessID()
	record := s.store.Create(processID, command, opts.SessionID, processstore.Handle{
		SessionID: opts.SessionID,
		CommandID: processID,
	})
	record.Status = processstore.StatusRunning

	first := make(chan struct{})
	var once sync.Once

	err := s.manager.ExecuteStreamInSession(ctx, opts.SessionID, command, opts.Cwd, processID, func(ev session.Event) {
		s.handleEvent(ctx, record, ev)
		once.Do(func() { close(first) })
	})
	if err != nil {
		s.store.Delete(processID)
		return nil, err
	}

	<-first
	s.publish(ctx, events.ProcessStarted, record)
	return record, nil
}

func (s *Service) handleEvent(ctx context.Context, record *processstore.Record, ev session.Event) {
	switch ev.Type {
	case session.EventStdout:
		record.AppendOutput("stdout", ev.Chunk)
	case session.EventStderr:
		record.AppendOutput("stderr", ev.Chunk)
	case session.EventComplete:
		status := processstore.StatusCompleted
		if ev.ExitCode != 0 {
			status = processstore.StatusFailed
		}
		record.SetTerminal(status, ev.ExitCode, time.Now())
		s.publish(ctx, events.ProcessStatus, record)
		s.recordAudit(record)
	case session.EventError:
		record.SetTerminal(processstore.StatusError, -1, time.Now())
		s.publish(ctx, events.ProcessStatus, record)
		s.recordAudit(record)
	}
}

func (s *Service) recordAudit(record *processstore.Record) {
	if s.auditSink == nil {
		return
	}
	s.auditSink.Record(context.Background(), record.ID, record.Command, string(record.Status), record.ExitCode, record.StartTime, record.EndTime)
}

// GetProcess returns the live record, or ProcessNotFound.
func (s *Service) GetProcess(id string) (*processstore.Record, *apperr.AppError) {
	r := s.store.Get(id)
	if r == nil {
		return nil, apperr.ProcessNotFound(id)
	}
	return r, nil
}

// ListProcesses returns snapshots of every record matching filter.
func (s *Service) ListProcesses(filter processstore.Filter) []processstore.Record {
	return s.store.List(filter)
}

// KillProcess fails with ProcessNotFound on an unknown id; killing an
// already-terminal process (no live command handle) is a success no-op
// (spec §4.6).
func (s *Service) KillProcess(sessionID string, id string) *apperr.AppError {
	r, err := s.GetProcess(id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}
	if killErr := s.manager.KillCommand(r.Handle.SessionID, r.Handle.CommandID); killErr != nil {
		if apperr.Is(killErr, apperr.CodeCommandNotFound) {
			return nil
		}
		return killErr
	}
	r.SetTerminal(processstore.StatusKilled, -1, time.Now())
	s.publish(context.Background(), events.ProcessStatus, r)
	s.recordAudit(r)
	return nil
}

// KillAllProcesses kills every non-terminal process, collecting but not
// short-circuiting on individual failures.
func (s *Service) KillAllProcesses() []*apperr.AppError {
	var errs []*apperr.AppError
	for _, snap := range s.store.List(processstore.Filter{}) {
		if snap.Status.IsTerminal() {
			continue
		}
		if err := s.KillProcess(snap.SessionID, snap.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// LogChunk is one element streamProcessLogs yields.
type LogChunk struct {
	Stream string
	Data   string
	Done   bool
}

// StreamProcessLogs returns a restartable channel that replays any already
// buffered stdout/stderr, forwards further chunks, and closes on the first
// terminal status (spec §4.6).
func (s *Service) StreamProcessLogs(id string) (<-chan LogChunk, *apperr.AppError) {
	r, err := s.GetProcess(id)
	if err != nil {
		return nil, err
	}

	out := make(chan LogChunk, 32)
	var closeOnce sync.Once
	closeCh := func() { closeOnce.Do(func() { close(out) }) }

	stdout, stderr := r.SubscribeOutput(func(stream, chunk string) {
		defer func() { recover() }()
		out <- LogChunk{Stream: stream, Data: chunk}
	})
	if stdout != "" {
		out <- LogChunk{Stream: "stdout", Data: stdout}
	}
	if stderr != "" {
		out <- LogChunk{Stream: "stderr", Data: stderr}
	}

	r.AddStatusListener(func(status processstore.Status) {
		defer func() { recover() }()
		out <- LogChunk{Done: true}
		closeCh()
	})
	return out, nil
}

// Destroy stops the GC loop. It does not tear down SessionManager, whose
// lifecycle is owned by the caller.
func (s *Service) Destroy() {
	s.gcOnce.Do(func() { close(s.stopGC) })
}

func (s *Service) publish(ctx context.Context, eventType string, r *processstore.Record) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"processId": r.ID,
		"sessionId": r.SessionID,
		"status":    string(r.Status),
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "sandboxd", data)); err != nil {
		s.log.Debug("failed to publish process event", zap.String("type", eventType), zap.Error(err))
	}
}
