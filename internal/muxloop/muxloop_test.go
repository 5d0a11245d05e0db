package muxloop

import (
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/mux2tty/internal/fdio"
	"github.com/srg/mux2tty/internal/ringbuf"
	"github.com/srg/mux2tty/internal/session"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeTTY is a ringbuf.Reader/Writer double that accepts at most `limit`
// bytes in total, across calls, before refusing more (m=0, nil error — the same contract
// ringbuf_test.go's failingWriter uses), modeling a tty whose kernel write
// buffer fills up mid-record. Tests bump limit between calls to model the
// tty becoming writable again on a later readiness event.
type fakeTTY struct {
	written []byte
	limit   int
}

func (f *fakeTTY) Read(p []byte) (int, error) { return 0, syscall.EAGAIN }

func (f *fakeTTY) Write(p []byte) (int, error) {
	n := len(p)
	if n > f.limit {
		n = f.limit
	}
	f.written = append(f.written, p[:n]...)
	f.limit -= n
	return n, nil
}

func (f *fakeTTY) Fd() int32 { return -1 }

func newTestLoop(t *testing.T, tty ttyIO) *Loop {
	t.Helper()
	return &Loop{
		cfg:     Config{Mode: ringbuf.Line},
		logger:  testLogger(),
		tty:     tty,
		clients: session.New(),
	}
}

func TestElect_PartialWriteSetsPending_ThenDrainPendingCompletes(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{})
	c, err := l.clients.Add(fdio.FD(0), "client-a", 64)
	require.NoError(t, err)
	c.Ring.CopyIn([]byte("0123456789\n"), 11)

	tty := l.tty.(*fakeTTY)

	tty.limit = 4
	l.elect()
	assert.Equal(t, c.Handle, l.pending, "partial write must leave this client pending")
	assert.Equal(t, "0123", string(tty.written))

	tty.limit = 4
	l.drainPending()
	assert.Equal(t, c.Handle, l.pending, "still incomplete, must remain pending")
	assert.Equal(t, "01234567", string(tty.written))

	tty.limit = 4
	l.drainPending()
	assert.Equal(t, session.Handle(0), l.pending, "record complete, pending must clear")
	assert.Equal(t, "0123456789\n", string(tty.written))
}

func TestElect_NoInterleaving_PendingBlocksOtherClients(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{limit: 2})
	a, err := l.clients.Add(fdio.FD(0), "A", 64)
	require.NoError(t, err)
	a.Ring.CopyIn([]byte("AAAA\n"), 5)
	b, err := l.clients.Add(fdio.FD(0), "B", 64)
	require.NoError(t, err)
	b.Ring.CopyIn([]byte("BBBB\n"), 5)

	l.elect() // only A is considered; writes partial, sets pending
	require.Equal(t, a.Handle, l.pending)

	// A second "tty writable" event must drain the pending record, not
	// start B's, however much room is available.
	l.tty.(*fakeTTY).limit = 10
	l.drainPending()
	assert.Equal(t, session.Handle(0), l.pending)
	assert.Equal(t, "AAAA\n", string(l.tty.(*fakeTTY).written))
	assert.Equal(t, 5, b.Ring.Available(), "B's record must be untouched while A was pending")
}

func TestElect_RoundRobinFairness(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{limit: 1 << 20})
	names := []string{"A", "B", "C"}
	handles := make(map[string]session.Handle, len(names))
	for _, n := range names {
		c, err := l.clients.Add(fdio.FD(0), n, 64)
		require.NoError(t, err)
		handles[n] = c.Handle
	}

	served := map[session.Handle]int{}
	const rounds = 9
	for i := 0; i < rounds; i++ {
		for _, n := range names {
			c, _ := l.clients.Get(handles[n])
			c.Ring.CopyIn([]byte(n+"\n"), len(n)+1)
		}
		l.elect()
		served[l.last]++
	}

	for _, n := range names {
		assert.Equal(t, rounds/len(names), served[handles[n]], "client %s must be served evenly under continuous offering", n)
	}
}

func TestRefreshClients_ReapsClosedWithNoRecord(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{})
	c, err := l.clients.Add(fdio.FD(0), "closing", 64)
	require.NoError(t, err)
	c.State = session.ClosedDraining
	// ring is empty: no complete record

	l.refreshClients()
	_, ok := l.clients.Get(c.Handle)
	assert.False(t, ok, "closed client with no complete record must be reaped")
}

func TestRefreshClients_DrainAfterClose_KeepsRecordUntilDelivered(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{limit: 64})
	c, err := l.clients.Add(fdio.FD(0), "closing", 64)
	require.NoError(t, err)
	c.Ring.CopyIn([]byte("X\n"), 2)
	c.State = session.ClosedDraining

	anyRecord := l.refreshClients()
	assert.True(t, anyRecord)
	_, ok := l.clients.Get(c.Handle)
	assert.True(t, ok, "closed client must survive while it still holds a complete record")

	l.elect()
	assert.Equal(t, "X\n", string(l.tty.(*fakeTTY).written), "X\\n must reach the tty before the session is freed")

	l.refreshClients()
	_, ok = l.clients.Get(c.Handle)
	assert.False(t, ok, "once drained, the closed client must be reaped")
}

func TestRefreshClients_GrowsFullRingWithNoDelimiter(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{})
	c, err := l.clients.Add(fdio.FD(0), "oversized", 4)
	require.NoError(t, err)
	c.Ring.CopyIn([]byte("abcd"), 4)
	require.True(t, c.Ring.Full())

	l.refreshClients()
	assert.Equal(t, 8, c.Ring.Cap(), "full ring with no delimiter must double")
}

func TestServiceTTYToClients_BroadcastAtomicity(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{})
	l.ttyRing, _ = ringbuf.New(64)
	l.ttyRing.CopyIn([]byte("Y\n"), 2)

	type pipe struct{ r, w *os.File }
	var pipes []pipe
	for i := 0; i < 2; i++ {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		pipes = append(pipes, pipe{r, w})
		_, err = l.clients.Add(fdio.FD(int(w.Fd())), "c", 64)
		require.NoError(t, err)
	}

	l.serviceTTYToClients()

	for _, p := range pipes {
		buf := make([]byte, 8)
		p.w.Close()
		n, _ := p.r.Read(buf)
		assert.Equal(t, "Y\n", string(buf[:n]), "each client must receive the full framed record as one write")
	}
}

func TestTIUMode_FramesOnMarkerByte(t *testing.T) {
	l := newTestLoop(t, &fakeTTY{limit: 64})
	l.cfg.Mode = ringbuf.TIU
	c, err := l.clients.Add(fdio.FD(0), "tiu-client", 64)
	require.NoError(t, err)
	c.Ring.CopyIn([]byte("FOO\x4Dbar\x4D"), 8)

	l.elect()
	assert.Equal(t, "FOO\x4D", string(l.tty.(*fakeTTY).written), "first TIU record must stop at the marker byte")

	tty := l.tty.(*fakeTTY)
	tty.written = nil
	l.pending = 0
	l.last = 0
	l.elect()
	assert.Equal(t, "bar\x4D", string(tty.written))
}
