// Package netlisten binds a listening socket across every local address
// family for a given port, the direct analogue of validate_port in the
// original C implementation: resolve every address, try each until one
// binds with SO_REUSEADDR, then listen. Built on raw sockets so the
// resulting descriptor sits in the mux loop's own unix.Poll set instead of
// behind the runtime netpoller.
package netlisten

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/srg/mux2tty/internal/fdio"
)

// Backlog is the fixed listen() backlog.
const Backlog = 50

// wildcards is the address list validate_port's
// getaddrinfo(NULL, portstr, AI_PASSIVE|AI_NUMERICSERV, ...) call resolves
// to with no host given: every family, listening on all interfaces.
var wildcards = []net.IP{net.IPv6zero, net.IPv4zero}

// Listen tries every AF_UNSPEC passive address for port and binds the
// first one that succeeds with SO_REUSEADDR set, mirroring validate_port's
// socket/bind loop over the resolved address list.
func Listen(port int) (fdio.FD, error) {
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("netlisten: invalid port %d", port)
	}

	var lastErr error
	for _, ip := range wildcards {
		fd, bindErr := bindOne(ip, port)
		if bindErr != nil {
			lastErr = bindErr
			continue
		}
		if err := unix.Listen(int(fd), Backlog); err != nil {
			_ = unix.Close(int(fd))
			lastErr = fmt.Errorf("netlisten: listen on %s:%d: %w", ip, port, err)
			continue
		}
		return fd, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("netlisten: no addresses to bind for port %d", port)
	}
	return 0, fmt.Errorf("netlisten: bind failed on all addresses: %w", lastErr)
}

func bindOne(ip net.IP, port int) (fdio.FD, error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, fmt.Errorf("netlisten: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("netlisten: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var addr [4]byte
		copy(addr[:], ip.To4())
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	} else {
		var addr [16]byte
		copy(addr[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: addr}
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("netlisten: bind %s:%d: %w", ip, port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("netlisten: set nonblocking: %w", err)
	}

	return fdio.FD(fd), nil
}

// Accept accepts one pending connection on the nonblocking listener fd,
// returning the accepted descriptor (also set nonblocking) and the peer's
// numeric "host:port" string, the Go analogue of getnameinfo with
// NI_NUMERICHOST|NI_NUMERICSERV.
func Accept(listener fdio.FD) (fdio.FD, string, error) {
	nfd, sa, err := unix.Accept(int(listener))
	if err != nil {
		return 0, "", err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return 0, "", fmt.Errorf("netlisten: set accepted fd nonblocking: %w", err)
	}
	return fdio.FD(nfd), peerString(sa), nil
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	default:
		return ""
	}
}
