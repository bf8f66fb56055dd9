// Package scriptbuilder produces the shell text injected into a session's
// persistent shell for one command invocation (spec §4.2). It has two
// modes with identical output labeling (see package fifo) but different
// concurrency and state semantics: foreground (state-preserving, runs as a
// command group in the caller's shell) and background (kill-capable,
// detached subshell).
package scriptbuilder

import (
	"fmt"
	"strings"

	"github.com/kandev/sandboxd/internal/common/stringutil"
)

// Mode selects which of the two script shapes Build produces.
type Mode int

const (
	// Foreground runs the command as a command group in the enclosing
	// shell, so cd/export/function definitions persist for later commands.
	Foreground Mode = iota
	// Background runs the command in a detached subshell whose pid is
	// recorded immediately, so it can be killed independently.
	Background
)

// Request carries everything Build needs to produce one command's script.
type Request struct {
	Command      string
	CommandID    string
	StdoutPipe   string
	StderrPipe   string
	LogPath      string
	ExitCodePath string
	PidPath      string
	Cwd          string // optional; empty means "don't change directory"
	Mode         Mode
}

// Build renders the shell text for req. The returned string is intended to
// be written verbatim to a session's shell stdin, followed by a newline.
func Build(req Request) string {
	if req.Mode == Background {
		return buildBackground(req)
	}
	return buildForeground(req)
}

// readerLoop is the reader sub-process spec §4.2 describes: it tails one
// named pipe line-by-line and re-emits each line tagged with its stream's
// three-byte prefix into the shared log file.
func readerLoop(pipe, log string, prefix string) string {
	return fmt.Sprintf(
		`( while IFS= read -r __l || [ -n "$__l" ]; do printf '%s%%s\n' "$__l"; done < %s >> %s ) & `,
		prefix, stringutil.ShellQuote(pipe), stringutil.ShellQuote(log),
	)
}

func buildForeground(req Request) string {
	var b strings.Builder

	qOut := stringutil.ShellQuote(req.StdoutPipe)
	qErr := stringutil.ShellQuote(req.StderrPipe)
	qLog := stringutil.ShellQuote(req.LogPath)
	qExit := stringutil.ShellQuote(req.ExitCodePath)

	fmt.Fprintf(&b, "rm -f %s %s\n", qOut, qErr)
	fmt.Fprintf(&b, "mkfifo %s %s\n", qOut, qErr)
	fmt.Fprintln(&b, readerLoop(req.StdoutPipe, req.LogPath, `\001\001\001`))
	b.WriteString("__sbx_out_pid=$!\n")
	fmt.Fprintln(&b, readerLoop(req.StderrPipe, req.LogPath, `\002\002\002`))
	b.WriteString("__sbx_err_pid=$!\n")

	b.WriteString("__sbx_prev_pwd=\"$PWD\"\n")
	b.WriteString("__sbx_cd_status=0\n")
	if req.Cwd != "" {
		fmt.Fprintf(&b, "cd -- %s 2>> %s || __sbx_cd_status=1\n", stringutil.ShellQuote(req.Cwd), qLog)
	}
	b.WriteString("if [ \"$__sbx_cd_status\" -eq 0 ]; then\n")
	fmt.Fprintf(&b, "  { %s ; } > %s 2> %s\n", req.Command, qOut, qErr)
	b.WriteString("  __sbx_cmd_status=$?\n")
	b.WriteString("else\n")
	b.WriteString("  __sbx_cmd_status=1\n")
	b.WriteString("fi\n")
	b.WriteString("cd -- \"$__sbx_prev_pwd\"\n")
	b.WriteString("wait \"$__sbx_out_pid\" \"$__sbx_err_pid\"\n")
	fmt.Fprintf(&b, "printf '%%d' \"$__sbx_cmd_status\" > %s\n", qExit)
	fmt.Fprintf(&b, "rm -f %s %s\n", qOut, qErr)

	return b.String()
}

func buildBackground(req Request) string {
	var b strings.Builder

	qOut := stringutil.ShellQuote(req.StdoutPipe)
	qErr := stringutil.ShellQuote(req.StderrPipe)
	qLog := stringutil.ShellQuote(req.LogPath)
	qExit := stringutil.ShellQuote(req.ExitCodePath)
	qPid := stringutil.ShellQuote(req.PidPath)

	fmt.Fprintf(&b, "rm -f %s %s\n", qOut, qErr)
	fmt.Fprintf(&b, "mkfifo %s %s\n", qOut, qErr)
	fmt.Fprintln(&b, readerLoop(req.StdoutPipe, req.LogPath, `\001\001\001`))
	b.WriteString("__sbx_out_pid=$!\n")
	fmt.Fprintln(&b, readerLoop(req.StderrPipe, req.LogPath, `\002\002\002`))
	b.WriteString("__sbx_err_pid=$!\n")

	b.WriteString("(\n")
	if req.Cwd != "" {
		fmt.Fprintf(&b, "  cd -- %s 2>> %s\n", stringutil.ShellQuote(req.Cwd), qLog)
	}
	fmt.Fprintf(&b, "  { %s ; } > %s 2> %s\n", req.Command, qOut, qErr)
	b.WriteString("  __sbx_cmd_status=$?\n")
	b.WriteString("  printf '%d' \"$__sbx_cmd_status\" >&3\n")
	fmt.Fprintf(&b, ") 3> %s &\n", qExit)
	b.WriteString("__sbx_sub_pid=$!\n")
	fmt.Fprintf(&b, "printf '%%d' \"$__sbx_sub_pid\" > %s\n", qPid)
	b.WriteString("(\n")
	b.WriteString("  wait \"$__sbx_out_pid\" \"$__sbx_err_pid\"\n")
	fmt.Fprintf(&b, "  rm -f %s %s %s\n", qPid, qOut, qErr)
	b.WriteString(") &\n")

	return b.String()
}
