package processservice

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/processstore"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	requireBash(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	mgr := sessionmanager.New(sessionmanager.Defaults{
		Cwd:            t.TempDir(),
		CommandTimeout: 5 * time.Second,
		MaxOutputBytes: 1024 * 1024,
		PollInterval:   20 * time.Millisecond,
		KillGrace:      time.Second,
		Locale:         "C.UTF-8",
	}, nil, log)
	store := processstore.New()
	svc := New(mgr, store, nil, log)
	t.Cleanup(func() {
		svc.Destroy()
		mgr.Destroy(context.Background())
	})
	return svc
}

func TestExecuteCommandConvertsResult(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.ExecuteCommand(context.Background(), "echo hi", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.Stdout != "hi\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteCommandRejectsEmpty(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.ExecuteCommand(context.Background(), "   ", Options{SessionID: "s1"}); err == nil || err.Code != apperr.CodeInvalidCommand {
		t.Fatalf("expected InvalidCommand, got %v", err)
	}
}

func TestExecuteCommandStreamRecordTerminatesCompleted(t *testing.T) {
	svc := newTestService(t)
	record, err := svc.ExecuteCommandStream(context.Background(), "echo hi", Options{SessionID: "s2"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !record.Status.IsTerminal() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if record.Status != processstore.StatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
	if record.Stdout != "hi\n" {
		t.Fatalf("expected buffered stdout hi\\n, got %q", record.Stdout)
	}
}

func TestKillProcessUnknownIDFails(t *testing.T) {
	svc := newTestService(t)
	if err := svc.KillProcess("s3", "does-not-exist"); err == nil || err.Code != apperr.CodeProcessNotFound {
		t.Fatalf("expected ProcessNotFound, got %v", err)
	}
}

func TestKillProcessBackgroundSleep(t *testing.T) {
	svc := newTestService(t)
	record, err := svc.StartProcess(context.Background(), "sleep 30", Options{SessionID: "s4"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if killErr := svc.KillProcess("s4", record.ID); killErr != nil {
		t.Fatalf("kill: %v", killErr)
	}
	deadline := time.Now().Add(time.Second)
	for record.Status != processstore.StatusKilled && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if record.Status != processstore.StatusKilled {
		t.Fatalf("expected killed, got %s", record.Status)
	}
}

func TestKillProcessOnCompletedIsNoOp(t *testing.T) {
	svc := newTestService(t)
	record, err := svc.ExecuteCommandStream(context.Background(), "echo done", Options{SessionID: "s5"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !record.Status.IsTerminal() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if killErr := svc.KillProcess("s5", record.ID); killErr != nil {
		t.Fatalf("expected no-op success on already-terminal process, got %v", killErr)
	}
}

func TestStreamProcessLogsReplaysBufferedOutput(t *testing.T) {
	svc := newTestService(t)
	record, err := svc.ExecuteCommandStream(context.Background(), "echo hi", Options{SessionID: "s6"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !record.Status.IsTerminal() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	chunks, logErr := svc.StreamProcessLogs(record.ID)
	if logErr != nil {
		t.Fatalf("stream logs: %v", logErr)
	}

	var gotStdout bool
	var gotDone bool
	timeout := time.After(2 * time.Second)
readLoop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break readLoop
			}
			if c.Stream == "stdout" && c.Data == "hi\n" {
				gotStdout = true
			}
			if c.Done {
				gotDone = true
			}
		case <-timeout:
			break readLoop
		}
	}
	if !gotStdout {
		t.Fatal("expected replayed stdout chunk")
	}
	if !gotDone {
		t.Fatal("expected a done signal on terminal status")
	}
}
