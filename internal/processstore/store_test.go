package processstore

import (
	"testing"
	"time"
)

func TestUpdateUnknownIDFails(t *testing.T) {
	s := New()
	if err := s.Update("missing", func(r *Record) {}); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestSetTerminalIsOneShot(t *testing.T) {
	s := New()
	r := s.Create("p1", "echo hi", "sess1", Handle{SessionID: "sess1", CommandID: "c1"})

	r.SetTerminal(StatusCompleted, 0, time.Now())
	r.SetTerminal(StatusFailed, 1, time.Now())

	if r.Status != StatusCompleted || r.ExitCode != 0 {
		t.Fatalf("expected first terminal transition to stick, got status=%s exitCode=%d", r.Status, r.ExitCode)
	}
}

func TestStatusListenerNotifiedImmediatelyAfterTermination(t *testing.T) {
	s := New()
	r := s.Create("p2", "echo hi", "sess1", Handle{})
	r.SetTerminal(StatusCompleted, 0, time.Now())

	var got Status
	r.AddStatusListener(func(status Status) { got = status })
	if got != StatusCompleted {
		t.Fatalf("expected immediate notification with final status, got %q", got)
	}
}

func TestStatusListenerNotifiedOnTransition(t *testing.T) {
	s := New()
	r := s.Create("p3", "echo hi", "sess1", Handle{})

	var got Status
	r.AddStatusListener(func(status Status) { got = status })
	r.SetTerminal(StatusFailed, 1, time.Now())

	if got != StatusFailed {
		t.Fatalf("expected listener to observe StatusFailed, got %q", got)
	}
}

func TestAppendOutputFansOutToListeners(t *testing.T) {
	s := New()
	r := s.Create("p4", "echo hi", "sess1", Handle{})

	var gotStream, gotChunk string
	r.AddOutputListener(func(stream, chunk string) {
		gotStream, gotChunk = stream, chunk
	})
	r.AppendOutput("stdout", "hi\n")

	if gotStream != "stdout" || gotChunk != "hi\n" {
		t.Fatalf("expected listener to observe (stdout, hi\\n), got (%q, %q)", gotStream, gotChunk)
	}
	if r.Stdout != "hi\n" {
		t.Fatalf("expected buffered stdout hi\\n, got %q", r.Stdout)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := New()
	r1 := s.Create("p5", "cmd", "sess1", Handle{})
	s.Create("p6", "cmd", "sess1", Handle{})
	r1.SetTerminal(StatusCompleted, 0, time.Now())

	completed := StatusCompleted
	results := s.List(Filter{Status: &completed})
	if len(results) != 1 || results[0].ID != "p5" {
		t.Fatalf("expected only p5 in completed filter, got %+v", results)
	}
}

func TestCleanupRemovesOnlyTerminalAndAged(t *testing.T) {
	s := New()

	old := s.Create("old-terminal", "cmd", "sess1", Handle{})
	old.StartTime = time.Now().Add(-2 * time.Hour)
	old.SetTerminal(StatusCompleted, 0, time.Now())

	recent := s.Create("recent-terminal", "cmd", "sess1", Handle{})
	recent.SetTerminal(StatusCompleted, 0, time.Now())

	running := s.Create("old-running", "cmd", "sess1", Handle{})
	running.StartTime = time.Now().Add(-2 * time.Hour)

	removed := s.Cleanup(time.Now().Add(-time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}
	if s.Get("old-terminal") != nil {
		t.Fatal("expected old terminal record to be removed")
	}
	if s.Get("recent-terminal") == nil {
		t.Fatal("expected recent terminal record to survive")
	}
	if s.Get("old-running") == nil {
		t.Fatal("expected old but non-terminal record to survive")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := New()
	s.Create("p7", "cmd", "sess1", Handle{})
	s.Delete("p7")
	if s.Get("p7") != nil {
		t.Fatal("expected record to be gone after Delete")
	}
}
