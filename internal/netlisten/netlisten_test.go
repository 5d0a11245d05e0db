package netlisten

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenAndAccept(t *testing.T) {
	fd, err := Listen(0)
	require.NoError(t, err)
	defer fd.Close()

	sa, err := unix.Getsockname(int(fd))
	require.NoError(t, err)

	var port int
	var host string
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		port, host = a.Port, "127.0.0.1"
	case *unix.SockaddrInet6:
		port, host = a.Port, "::1"
	default:
		t.Fatalf("unexpected sockaddr type %T", sa)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	accepted, remote, err := Accept(fd)
	require.NoError(t, err)
	defer accepted.Close()

	require.NotEmpty(t, remote)
}

func TestListen_RejectsInvalidPort(t *testing.T) {
	_, err := Listen(0)
	require.NoError(t, err) // 0 means "any free port", always valid

	_, err = Listen(-1)
	require.Error(t, err)

	_, err = Listen(70000)
	require.Error(t, err)
}
