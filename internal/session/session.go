// Package session holds the client session table for the mux loop.
//
// The descriptor-indexed array that C mux2tty reallocs on accept is left
// behind here: the table is keyed by an opaque Handle instead of a raw file
// descriptor, and the readiness primitive is handed a set of handles built
// from this table each iteration, not an fd range. Ordering still matters —
// round-robin election walks sessions in the order they were added, the
// direct analogue of an ascending fd scan — which is why the table is
// backed by wk8/go-ordered-map/v2 rather than a plain map.
package session

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/mux2tty/internal/fdio"
	"github.com/srg/mux2tty/internal/ringbuf"
)

// Handle identifies a client session for the lifetime of its connection.
// It carries no meaning beyond identity and insertion order.
type Handle uint64

// State is the client session's position in its state machine.
type State int

const (
	// Open: accepted, readable, eligible for round-robin election.
	Open State = iota
	// ClosedDraining: peer EOF observed, ring may still hold complete
	// records; eligible for round-robin election but not for Readable.
	ClosedDraining
)

// Client is one TCP client session: its raw descriptor and framing ring.
//
// The loop holds the descriptor directly rather than a net.Conn so that it
// can sit in the same unix.Poll set as the tty and the listening socket —
// see internal/fdio for why net.Conn's runtime-managed netpoller is the
// wrong fit here.
type Client struct {
	Handle     Handle
	FD         fdio.FD
	RemoteAddr string
	Ring       *ringbuf.Rb
	State      State
}

// Table is the session table the loop rebuilds its readiness sets from
// every iteration. It is not safe for concurrent use — the loop is the only
// goroutine that ever touches it.
type Table struct {
	clients *orderedmap.OrderedMap[Handle, *Client]
	next    Handle
}

// New returns an empty session table.
func New() *Table {
	return &Table{clients: orderedmap.New[Handle, *Client]()}
}

// Add creates a new Open client session for fd with a freshly allocated
// ring of initialCap bytes and adds it to the table in insertion order.
func (t *Table) Add(fd fdio.FD, remoteAddr string, initialCap int) (*Client, error) {
	ring, err := ringbuf.New(initialCap)
	if err != nil {
		return nil, err
	}
	t.next++
	c := &Client{Handle: t.next, FD: fd, RemoteAddr: remoteAddr, Ring: ring, State: Open}
	t.clients.Set(c.Handle, c)
	return c, nil
}

// Get returns the client for h, if still present.
func (t *Table) Get(h Handle) (*Client, bool) {
	return t.clients.Get(h)
}

// Remove destroys h's ring and drops it from the table. Idempotent.
func (t *Table) Remove(h Handle) {
	if c, ok := t.clients.Get(h); ok {
		c.Ring.Destroy()
		t.clients.Delete(h)
	}
}

// Len returns the number of sessions currently tracked.
func (t *Table) Len() int {
	return t.clients.Len()
}

// Ordered returns every client in insertion order, the stand-in for a
// scan in ascending file descriptor order.
func (t *Table) Ordered() []*Client {
	out := make([]*Client, 0, t.clients.Len())
	for pair := t.clients.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// ElectionOrder returns every client in the order the round-robin writer
// must consider them: starting just after last, wrapping around. If last is
// zero or no longer present, election starts from the oldest session — the
// insertion-order generalization of the original's "(last+1) mod N" fd
// arithmetic.
func (t *Table) ElectionOrder(last Handle) []*Client {
	ordered := t.Ordered()
	if last == 0 || len(ordered) == 0 {
		return ordered
	}

	idx := -1
	for i, c := range ordered {
		if c.Handle == last {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ordered
	}

	out := make([]*Client, 0, len(ordered))
	for i := 1; i <= len(ordered); i++ {
		out = append(out, ordered[(idx+i)%len(ordered)])
	}
	return out
}
