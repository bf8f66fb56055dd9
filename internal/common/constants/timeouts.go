// Package constants provides application-wide constants shared across
// sandboxd's core components.
package constants

import "time"

const (
	// ControlPlanePort is the single HTTP port the core is fronted by.
	// It is unconditionally reserved and can never be exposed through the
	// port reverse-proxy registry (C7).
	ControlPlanePort = 3000

	// DefaultCommandTimeout is the per-command timeout applied when a
	// session does not override it (spec.md §6.4: COMMAND_TIMEOUT_MS).
	DefaultCommandTimeout = 30 * time.Second

	// DefaultMaxOutputSizeBytes caps the per-command log file; exceeding it
	// fails the command with OutputTooLarge (spec.md §5).
	DefaultMaxOutputSizeBytes int64 = 10 * 1024 * 1024

	// DefaultWorkDir is the default session working directory.
	DefaultWorkDir = "/workspace"

	// DefaultLocale is forced onto every session's environment so command
	// output encoding is predictable regardless of the host locale.
	DefaultLocale = "C.UTF-8"

	// DefaultPollInterval is the cadence at which execStream tails the
	// per-command log file (spec.md §4.3).
	DefaultPollInterval = 100 * time.Millisecond

	// SessionKillGrace is how long Session.destroy waits after SIGTERM
	// before escalating to SIGKILL (spec.md §4.3).
	SessionKillGrace = 1 * time.Second

	// ProcessKillGrace is a SIGTERM-to-SIGKILL grace period for background
	// processes. ProcessService.KillProcess does not use it: it sends one
	// SIGTERM (through Session.KillCommand) and never escalates to SIGKILL.
	ProcessKillGrace = 2 * time.Second

	// ProcessGCInterval and ProcessGCMaxAge govern ProcessService's periodic
	// sweep of terminal ProcessRecords (spec.md §4.6).
	ProcessGCInterval = 30 * time.Minute
	ProcessGCMaxAge   = 30 * time.Minute

	// PortGCInterval and PortGCMaxAge govern the port registry's periodic
	// sweep of inactive entries (spec.md §4.7).
	PortGCInterval = 10 * time.Minute
	PortGCMaxAge   = 1 * time.Hour

	// MaxPathLength is the format-only path validation ceiling (spec.md §9).
	MaxPathLength = 4096
)
