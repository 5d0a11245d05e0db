// Package fdio adapts a raw nonblocking file descriptor to the
// ringbuf.Reader/Writer interfaces.
//
// The mux loop talks to the tty, the listening socket, and every client
// socket through raw descriptors rather than through os.File or net.Conn so
// that a single unix.Poll call can wait on all of them at once — the one
// suspension point the event loop allows itself per iteration.
package fdio

import "golang.org/x/sys/unix"

// FD is a raw, nonblocking file descriptor.
type FD int

// Read issues one nonblocking read syscall, satisfying ringbuf.Reader.
func (f FD) Read(p []byte) (int, error) {
	return unix.Read(int(f), p)
}

// Write issues one nonblocking write syscall, satisfying ringbuf.Writer.
func (f FD) Write(p []byte) (int, error) {
	return unix.Write(int(f), p)
}

// Close closes the descriptor.
func (f FD) Close() error {
	return unix.Close(int(f))
}

// Int returns the underlying descriptor number.
func (f FD) Int() int {
	return int(f)
}

// Fd returns the underlying descriptor number as int32, the width
// unix.PollFd wants it in.
func (f FD) Fd() int32 {
	return int32(f)
}
