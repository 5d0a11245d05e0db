// Package ttyio handles tty configuration external to the mux loop: opening
// the device, validating it is a character-special tty, setting raw 8N1
// mode at a requested baud rate, and restoring the saved attributes on
// shutdown.
//
// The loop itself never touches termios; it only ever sees the nonblocking
// fdio.FD this package hands back.
package ttyio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/srg/mux2tty/internal/fdio"
)

// bauds mirrors validate_terminal's switch table in the original C
// implementation: the full B0...B4000000 enumeration golang.org/x/sys/unix
// exposes for Linux termios.
var bauds = map[int]uint32{
	0:       unix.B0,
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// ValidBaud reports whether baud is one of the standard rates the platform
// enumerates, matching validate_terminal's acceptance table.
func ValidBaud(baud int) bool {
	_, ok := bauds[baud]
	return ok
}

// Tty is an open, raw-mode tty device together with the attributes needed
// to restore it on shutdown.
type Tty struct {
	FD      fdio.FD
	Path    string
	saved   unix.Termios
	restore bool

	// devPTY and devPTYSlave are set only when the Tty was created by
	// OpenDevPTY; Restore closes both ends instead of restoring termios,
	// since an allocated pty pair has no prior attributes to return to.
	devPTY      *os.File
	devPTYSlave *os.File
}

// Open validates path as a character-special, isatty device, opens it
// O_RDWR|O_NOCTTY|O_NDELAY, saves its current attributes, and sets raw mode
// at baud with optional hardware flow control (CRTSCTS).
func Open(path string, baud int, flowctrl bool) (*Tty, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ttyio: stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("ttyio: %s is not a character special device", path)
	}

	rate, ok := bauds[baud]
	if !ok {
		return nil, fmt.Errorf("ttyio: invalid baud rate %d", baud)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NDELAY, 0)
	if err != nil {
		return nil, fmt.Errorf("ttyio: open %s: %w", path, err)
	}

	if !isatty(fd) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ttyio: %s is not a tty", path)
	}

	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ttyio: tcgetattr %s: %w", path, err)
	}

	cfg := *saved
	cfg.Cflag &^= unix.CBAUD
	cfg.Cflag |= rate
	cfg.Ispeed = rate
	cfg.Ospeed = rate

	cfg.Lflag &^= unix.ICANON | unix.ISIG | unix.IEXTEN | unix.ECHO
	cfg.Iflag &^= unix.BRKINT | unix.ICRNL | unix.IGNBRK | unix.IGNCR | unix.INLCR | unix.INPCK | unix.ISTRIP | unix.IXON | unix.PARMRK
	cfg.Oflag &^= unix.OPOST
	if flowctrl {
		cfg.Cflag |= unix.CRTSCTS
	}
	cfg.Cflag &^= unix.CSTOPB | unix.PARENB | unix.CSIZE
	cfg.Cflag |= unix.CS8
	cfg.Cc[unix.VMIN] = 1
	cfg.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETSF, &cfg); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ttyio: set raw mode on %s: %w", path, err)
	}

	return &Tty{FD: fdio.FD(fd), Path: path, saved: *saved, restore: true}, nil
}

// Restore resets the saved attributes with a drain-then-flush disposition
// (TCSAFLUSH) and closes the device. Idempotent. A dev-pty tty has nothing
// to restore termios to, so Restore just closes both ends of the pair.
func (t *Tty) Restore() error {
	if !t.restore {
		return nil
	}
	t.restore = false

	if t.devPTY != nil {
		return t.closeDevPTY()
	}

	err := unix.IoctlSetTermios(int(t.FD), unix.TCSETSF, &t.saved)
	if closeErr := t.FD.Close(); err == nil {
		err = closeErr
	}
	return err
}

func isatty(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
