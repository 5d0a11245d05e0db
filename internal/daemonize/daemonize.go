// Package daemonize re-execs the current process detached from its
// controlling terminal, the Go-safe replacement for the original's
// double-fork/setsid/dup2-onto-/dev/null sequence. Raw fork() after the Go
// runtime has started its scheduler goroutines is not safe, so instead of
// forking this re-execs argv[0] with Setsid in its SysProcAttr and a guard
// environment variable so the child recognizes it's already detached.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// guardEnv marks a process as the already-detached child, so a re-exec
// never loops.
const guardEnv = "MUX2TTY_DAEMONIZED=1"

// Detached reports whether this process is the already-detached child.
func Detached() bool {
	for _, e := range os.Environ() {
		if e == guardEnv {
			return true
		}
	}
	return false
}

// Daemonize re-execs the current binary with its original arguments,
// detached into a new session with stdio redirected to /dev/null, then
// exits the parent with status 0. It must only be called once, before any
// state the child can't reconstruct from argv has been set up, and never
// when Detached() is already true.
func Daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), guardEnv)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: re-exec: %w", err)
	}

	os.Exit(0)
	return nil
}
