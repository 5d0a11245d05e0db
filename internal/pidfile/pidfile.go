// Package pidfile writes and removes the daemon's PID file, the Go
// analogue of the original's snprintf-into-/var/run-and-on_exit pattern.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Path returns the PID file path for a given tty path, e.g.
// "/var/run/mux2tty.ttyUSB0.pid" for dir "/var/run" and tty
// "/dev/ttyUSB0".
func Path(dir, ttyPath string) string {
	return filepath.Join(dir, fmt.Sprintf("mux2tty.%s.pid", filepath.Base(ttyPath)))
}

// Write creates (or truncates) the PID file at path and writes the current
// process's PID into it, matching the original's 0644
// S_IRUSR|S_IWUSR|S_IRGRP|S_IROTH mode.
func Write(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the PID file, ignoring a not-found error so a second call
// (or a crash-then-cleanup race) is harmless.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
