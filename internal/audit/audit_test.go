package audit

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/sandboxd/internal/common/config"
	"github.com/kandev/sandboxd/internal/common/logger"
)

func TestProvideWithNoDatabaseURLDisablesSink(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	sink, cleanup := Provide(config.AuditConfig{}, log)
	defer cleanup()

	if sink != nil {
		t.Fatal("expected nil sink when DatabaseURL is empty")
	}
}

func TestNilSinkRecordIsNoOp(t *testing.T) {
	var sink *Sink
	// Must not panic on a nil receiver.
	sink.Record(context.Background(), "p1", "echo hi", "completed", 0, time.Now(), time.Now())
}
