package fifo

// TryReadExitCode reads path without blocking, reporting whether a complete
// exit code was available. It is the non-watching counterpart to
// WaitForExitCode, used by execStream's polling loop (spec §4.3) instead of
// the one-shot fsnotify wait exec uses.
func TryReadExitCode(path string) (int, bool, error) {
	return readExitCode(path)
}
