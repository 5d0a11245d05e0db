// Package muxloop implements the single-threaded cooperative event loop
// that multiplexes one tty descriptor, one listening socket, and N client
// sockets under readiness-based I/O.
//
// It upholds two invariants: records written to the tty are never
// interleaved across clients, and every client gets fair, round-robin
// access to the tty writer. There are no background goroutines and no
// locks — every buffer mutation, record discovery, and I/O call between one
// readiness wait and the next runs to completion on the loop's own
// goroutine.
package muxloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/mux2tty/internal/fdio"
	"github.com/srg/mux2tty/internal/netlisten"
	"github.com/srg/mux2tty/internal/ringbuf"
	"github.com/srg/mux2tty/internal/session"
)

// ShutdownReason distinguishes the two ways Run returns cleanly.
type ShutdownReason int

const (
	// ShutdownTTYClosed: the tty read returned EOF.
	ShutdownTTYClosed ShutdownReason = iota
	// ShutdownSignal: the self-pipe was signaled (SIGTERM observed).
	ShutdownSignal
)

func (r ShutdownReason) String() string {
	if r == ShutdownSignal {
		return "signal"
	}
	return "tty-closed"
}

// ErrSessionAllocFailed is returned when allocating a new client session's
// ring fails. This aborts the daemon with a nonzero status: a session the
// loop can't buffer for is worse than not accepting it.
var ErrSessionAllocFailed = errors.New("muxloop: failed to allocate session")

// Config fixes the parameters that stay constant for the loop's lifetime.
type Config struct {
	// Mode selects LINE or TIU record framing, used on every ring.
	Mode ringbuf.Mode
	// InitialRingSize is the capacity new rings (tty and clients) start
	// with; defaults to ringbuf.DefaultCapacity (64).
	InitialRingSize int
	Logger          *logrus.Logger
}

func (c Config) initialRingSize() int {
	if c.InitialRingSize > 0 {
		return c.InitialRingSize
	}
	return ringbuf.DefaultCapacity
}

// ttyIO is what the loop needs from its tty descriptor: the ring
// read/write primitives plus a raw fd number for the poll set. fdio.FD
// satisfies this directly; tests substitute a fake to force partial
// writes without relying on real pipe buffering.
type ttyIO interface {
	ringbuf.Reader
	ringbuf.Writer
	Fd() int32
}

// Loop owns the tty session, the listener, the client session table, and
// the round-robin scheduler state.
type Loop struct {
	cfg    Config
	logger *logrus.Logger

	tty     ttyIO
	ttyRing *ringbuf.Rb

	listener fdio.FD
	clients  *session.Table

	pending session.Handle
	last    session.Handle

	selfPipeRead fdio.FD
}

// New constructs a Loop. tty and listener must already be open and
// nonblocking (ttyio.Open / netlisten.Listen); selfPipeRead is the read
// end of the self-pipe the signal-handling goroutine writes to on SIGTERM.
// Termios restoration never happens from within the signal handler itself
// — only after the loop observes the pipe and returns.
func New(cfg Config, tty ttyIO, listener fdio.FD, selfPipeRead fdio.FD) (*Loop, error) {
	ttyRing, err := ringbuf.New(cfg.initialRingSize())
	if err != nil {
		return nil, fmt.Errorf("muxloop: allocate tty ring: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Loop{
		cfg:          cfg,
		logger:       logger,
		tty:          tty,
		ttyRing:      ttyRing,
		listener:     listener,
		clients:      session.New(),
		selfPipeRead: selfPipeRead,
	}, nil
}

// pollTarget binds one poll entry back to what it represents.
type pollTarget struct {
	kind   targetKind
	handle session.Handle // valid only when kind == targetClient
}

type targetKind int

const (
	targetTTY targetKind = iota
	targetListener
	targetSelfPipe
	targetClient
)

// Run drives the loop until the tty closes or the self-pipe is signaled.
// It never returns an error for either of those; err is non-nil when ctx is
// cancelled (ctx.Err()), when reading the self-pipe fails, or when a
// session allocation failure aborts the loop.
func (l *Loop) Run(ctx context.Context) (ShutdownReason, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ShutdownSignal, err
		}

		if signaled, err := l.drainSelfPipe(); err != nil {
			return ShutdownSignal, err
		} else if signaled {
			return ShutdownSignal, nil
		}

		anyClientRecord := l.refreshClients()

		pollFds, targets := l.buildPollSet(anyClientRecord)

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			l.logger.WithError(err).Warn("poll error")
			continue
		}
		if n == 0 {
			continue
		}

		ttyEOF, shutdownErr := l.serviceReadable(pollFds, targets)
		if shutdownErr != nil {
			return ShutdownSignal, shutdownErr
		}
		if ttyEOF {
			l.shutdownOnTTYClose()
			return ShutdownTTYClosed, nil
		}

		l.serviceTTYWritable(pollFds, targets)
		l.serviceTTYToClients()
	}
}

// refreshClients recomputes record-discovery for every client, reaps
// closed clients whose rings hold no more complete records, and grows
// any ring that's full with no delimiter in sight. It returns whether any
// client ring currently holds a complete record.
func (l *Loop) refreshClients() bool {
	anyRecord := false
	for _, c := range l.clients.Ordered() {
		n := c.Ring.FindDelimiter(l.cfg.Mode)

		if c.State == session.ClosedDraining && n == 0 {
			l.logger.WithField("client", c.RemoteAddr).Debug("closed client has no complete record, reaping")
			l.clients.Remove(c.Handle)
			continue
		}

		if n > 0 {
			anyRecord = true
		} else if c.Ring.Full() {
			if err := c.Ring.GrowDefault(); err != nil {
				l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("failed to grow client ring")
			}
		}
	}
	return anyRecord
}

func (l *Loop) buildPollSet(anyClientRecord bool) ([]unix.PollFd, []pollTarget) {
	pollFds := make([]unix.PollFd, 0, l.clients.Len()+3)
	targets := make([]pollTarget, 0, cap(pollFds))

	ttyEvents := int16(unix.POLLIN)
	if anyClientRecord || l.pending != 0 {
		ttyEvents |= unix.POLLOUT
	}
	pollFds = append(pollFds, unix.PollFd{Fd: l.tty.Fd(), Events: ttyEvents})
	targets = append(targets, pollTarget{kind: targetTTY})

	pollFds = append(pollFds, unix.PollFd{Fd: int32(l.listener), Events: unix.POLLIN})
	targets = append(targets, pollTarget{kind: targetListener})

	pollFds = append(pollFds, unix.PollFd{Fd: int32(l.selfPipeRead), Events: unix.POLLIN})
	targets = append(targets, pollTarget{kind: targetSelfPipe})

	for _, c := range l.clients.Ordered() {
		if c.State != session.Open {
			continue
		}
		pollFds = append(pollFds, unix.PollFd{Fd: int32(c.FD), Events: unix.POLLIN})
		targets = append(targets, pollTarget{kind: targetClient, handle: c.Handle})
	}

	order := make([]int, len(pollFds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return pollFds[order[i]].Fd < pollFds[order[j]].Fd })

	sortedFds := make([]unix.PollFd, len(pollFds))
	sortedTargets := make([]pollTarget, len(targets))
	for i, idx := range order {
		sortedFds[i] = pollFds[idx]
		sortedTargets[i] = targets[idx]
	}
	return sortedFds, sortedTargets
}

// serviceReadable handles every descriptor poll marked readable, in
// ascending fd order. It returns true if the tty hit EOF, at which point
// the caller must stop servicing immediately.
func (l *Loop) serviceReadable(pollFds []unix.PollFd, targets []pollTarget) (ttyEOF bool, err error) {
	for i, pfd := range pollFds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		switch targets[i].kind {
		case targetTTY:
			if l.serviceTTYReadable() {
				return true, nil
			}
		case targetListener:
			if e := l.serviceListenerReadable(); e != nil {
				return false, e
			}
		case targetSelfPipe:
			// Drained at the top of the next iteration.
		case targetClient:
			l.serviceClientReadable(targets[i].handle)
		}
	}
	return false, nil
}

func (l *Loop) serviceTTYReadable() (eof bool) {
	n, err := l.ttyRing.FillFrom(l.tty)
	if err != nil {
		if errors.Is(err, ringbuf.ErrNoSpace) {
			return false
		}
		if isTransient(err) {
			l.logger.WithError(err).Debug("transient tty read error")
			return false
		}
		l.logger.WithError(err).Warn("tty read error")
		return false
	}
	if n == 0 {
		l.logger.Info("tty closed (EOF)")
		return true
	}
	l.logger.WithField("bytes", n).Debug("read from tty")
	return false
}

func (l *Loop) serviceListenerReadable() error {
	fd, remote, err := netlisten.Accept(l.listener)
	if err != nil {
		if isTransient(err) {
			l.logger.WithError(err).Debug("transient accept error")
			return nil
		}
		l.logger.WithError(err).Warn("accept error")
		return nil
	}

	c, err := l.clients.Add(fd, remote, l.cfg.initialRingSize())
	if err != nil {
		l.logger.WithError(err).Error("failed to allocate session for new client, aborting")
		_ = fd.Close()
		return fmt.Errorf("%w: %v", ErrSessionAllocFailed, err)
	}

	l.logger.WithFields(logrus.Fields{"client": c.Handle, "remote": remote}).Info("accepted connection")
	return nil
}

func (l *Loop) serviceClientReadable(h session.Handle) {
	c, ok := l.clients.Get(h)
	if !ok {
		return
	}

	n, err := c.Ring.FillFrom(c.FD)
	if err != nil {
		if errors.Is(err, ringbuf.ErrNoSpace) {
			return
		}
		if isTransient(err) {
			l.logger.WithError(err).WithField("client", c.RemoteAddr).Debug("transient client read error")
			return
		}
		l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("client read error")
		return
	}
	if n == 0 {
		l.logger.WithField("client", c.RemoteAddr).Debug("client closed (peer EOF), draining remaining records")
		c.State = session.ClosedDraining
		_ = c.FD.Close()
		return
	}
	l.logger.WithFields(logrus.Fields{"client": c.RemoteAddr, "bytes": n}).Debug("read from client")
}

// serviceTTYWritable drives the round-robin tty writer.
func (l *Loop) serviceTTYWritable(pollFds []unix.PollFd, targets []pollTarget) {
	writable := false
	for i, pfd := range pollFds {
		if targets[i].kind == targetTTY && pfd.Revents&unix.POLLOUT != 0 {
			writable = true
		}
	}
	if !writable {
		return
	}

	if l.pending != 0 {
		l.drainPending()
		return
	}

	l.elect()
}

func (l *Loop) drainPending() {
	c, ok := l.clients.Get(l.pending)
	if !ok {
		// Pending client vanished; nothing left to complete.
		l.pending = 0
		return
	}

	n := c.Ring.FindDelimiter(l.cfg.Mode)
	if n == 0 {
		// Shouldn't happen: a pending record was already discovered once.
		l.pending = 0
		return
	}

	written, err := c.Ring.DrainTo(l.tty, n)
	if err != nil && !isTransient(err) {
		l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("tty write error draining pending record")
	}
	if written == n {
		l.logger.WithField("client", c.RemoteAddr).Debug("completed pending record")
		l.pending = 0
	}
}

func (l *Loop) elect() {
	for _, c := range l.clients.ElectionOrder(l.last) {
		n := c.Ring.FindDelimiter(l.cfg.Mode)
		if n == 0 {
			if c.Ring.Full() {
				if err := c.Ring.GrowDefault(); err != nil {
					l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("failed to grow client ring")
				}
			}
			continue
		}

		written, err := c.Ring.DrainTo(l.tty, n)
		if err != nil && !isTransient(err) {
			l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("tty write error")
		}
		if written > 0 && written < n {
			l.pending = c.Handle
		}
		l.last = c.Handle
		return
	}
}

// serviceTTYToClients broadcasts one framed record from the tty ring to
// every open client verbatim.
func (l *Loop) serviceTTYToClients() {
	n := l.ttyRing.FindDelimiter(l.cfg.Mode)
	if n == 0 {
		if l.ttyRing.Full() {
			if err := l.ttyRing.GrowDefault(); err != nil {
				l.logger.WithError(err).Warn("failed to grow tty ring")
			}
		}
		return
	}

	buf := make([]byte, n)
	l.ttyRing.CopyOut(buf, n)

	for _, c := range l.clients.Ordered() {
		if c.State != session.Open {
			continue
		}
		written, err := c.FD.Write(buf)
		if err != nil && !isTransient(err) {
			l.logger.WithError(err).WithField("client", c.RemoteAddr).Warn("client write error")
			continue
		}
		if written < n {
			l.logger.WithFields(logrus.Fields{
				"client": c.RemoteAddr, "wrote": written, "want": n,
			}).Warn("short write broadcasting record to client, tail dropped")
		}
	}
}

// shutdownOnTTYClose closes the listener and marks every open client
// closed. It does not reap clients immediately: the process is about to
// exit, so there is nothing left to drain for.
func (l *Loop) shutdownOnTTYClose() {
	_ = l.listener.Close()
	for _, c := range l.clients.Ordered() {
		if c.State == session.Open {
			c.State = session.ClosedDraining
			_ = c.FD.Close()
		}
	}
}

// drainSelfPipe reports whether SIGTERM has been observed, draining any
// bytes the notifying goroutine wrote so the pipe doesn't stay readable.
func (l *Loop) drainSelfPipe() (bool, error) {
	buf := make([]byte, 16)
	n, err := l.selfPipeRead.Read(buf)
	if err != nil {
		if isTransient(err) {
			return false, nil
		}
		return false, fmt.Errorf("muxloop: self-pipe read: %w", err)
	}
	return n > 0, nil
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}
