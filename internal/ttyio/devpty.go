package ttyio

import (
	"fmt"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/mux2tty/internal/fdio"
)

// OpenDevPTY allocates a PTY pair instead of opening a real device path —
// wired in via the daemon's --dev-pty flag for local development and demos
// without physical serial hardware. The slave end is raw-moded and its path
// is returned so a human (or a test) can open it as the "other side" of
// the tty; the master end is what the mux loop treats as the tty session,
// set nonblocking like any real device.
func OpenDevPTY() (*Tty, string, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, "", fmt.Errorf("ttyio: allocate pty pair: %w", err)
	}

	slaveName := slave.Name()

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, "", fmt.Errorf("ttyio: raw-mode pty slave %s: %w", slaveName, err)
	}

	// master.Fd() puts the descriptor into blocking mode, so it is taken
	// once, before SetNonblock.
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, "", fmt.Errorf("ttyio: set pty master nonblocking: %w", err)
	}

	// The slave is kept open for the master's lifetime so the pty pair
	// doesn't vanish before a peer process opens it by path.

	return &Tty{FD: fdio.FD(fd), Path: slaveName, devPTY: master, devPTYSlave: slave, restore: true}, slaveName, nil
}

func (t *Tty) closeDevPTY() error {
	if t.devPTY == nil {
		return nil
	}
	var errs []error
	if err := t.devPTY.Close(); err != nil {
		errs = append(errs, err)
	}
	if t.devPTYSlave != nil {
		if err := t.devPTYSlave.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ttyio: close dev-pty: %v", errs)
	}
	return nil
}
