package fifo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForExitCode blocks until exitCodePath is created and holds a
// complete, non-empty decimal integer, or until timeout elapses. It
// establishes the watch on dir before checking for the race where the file
// was already written (spec §4.3: "if the exit-code file already exists
// (race), it is read immediately; otherwise the watcher resolves on
// create").
func WaitForExitCode(ctx context.Context, dir, exitCodePath string, timeout time.Duration) (int, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return 0, fmt.Errorf("fifo: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return 0, fmt.Errorf("fifo: watch %s: %w", dir, err)
	}

	if code, ok, err := readExitCode(exitCodePath); err != nil {
		return 0, err
	} else if ok {
		return code, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	target := filepath.Clean(exitCodePath)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, errTimeout
		case err, ok := <-watcher.Errors:
			if !ok {
				return 0, errTimeout
			}
			return 0, fmt.Errorf("fifo: watcher error: %w", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return 0, errTimeout
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if code, ok, err := readExitCode(exitCodePath); err != nil {
				return 0, err
			} else if ok {
				return code, nil
			}
		}
	}
}

// errTimeout is a sentinel; callers translate it into apperr.CodeCommandTimeout.
var errTimeout = fmt.Errorf("fifo: exit-code wait timed out")

// IsTimeout reports whether err is the timeout sentinel WaitForExitCode
// returns.
func IsTimeout(err error) bool {
	return err == errTimeout
}

// readExitCode reads and parses path's contents if the file exists and is
// non-empty. A zero-length file means the writer has not finished flushing
// yet and is treated as "not ready" rather than an error.
func readExitCode(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fifo: read exit code: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, false, nil
	}
	code, err := strconv.Atoi(text)
	if err != nil {
		return 0, false, fmt.Errorf("fifo: malformed exit code %q: %w", text, err)
	}
	return code, true, nil
}
