package tcpip

import (
	"errors"

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
)

// ErrTooManyListeners is returned by RegisterListener when the listener
// table is full.
var ErrTooManyListeners = errors.New("tcpip: too many listeners")

// ErrSequenceGap and ErrDuplicateSegment classify inbound segments whose
// sequence number does not match what the connection slot expects; they
// are not returned to callers (the state machine acts on them directly)
// but are exported for tests and logging.
var (
	ErrSequenceGap       = errors.New("tcpip: sequence gap")
	ErrDuplicateSegment  = errors.New("tcpip: duplicate segment")
)

// Callback is invoked for connection lifecycle events and inbound data.
// payload is nil to announce connection-open, the per-poll tick, and
// connection-close; otherwise it is the pure application byte stream
// (the caller must Release it, or hand it onward, exactly once).
type Callback func(conn *Conn, payload *pool.Buffer)

// state is a connection slot's position in the simplified two-state
// machine described in spec.md §4.D: no LISTEN/SYN-SENT/FIN-WAIT states
// are retained.
type state int

const (
	closed state = iota
	established
)

// Listener is a registered passive-open acceptor: SYNs arriving for Port
// are served directly into a connection slot, no accept queue.
type Listener struct {
	Port     uint16
	Callback Callback

	// NewState, if set, is invoked once per accepted connection to produce
	// the typed per-connection application state stored in Conn.State —
	// e.g. chargen's rotating-phase counters or httpd's response cursor.
	NewState func() interface{}
}

// Conn is a connection slot. Fields mirror spec.md §3's TCP connection slot
// data model exactly.
type Conn struct {
	state state

	callback Callback

	PeerAddr ipv6.Addr
	PeerMAC  ipv6.MAC
	PeerPort uint16
	LocalPort uint16

	txSequence       uint32 // next byte number to send
	rxSequence       uint32 // next byte number expected
	lastAckSent      uint32 // last ack number we transmitted
	lastAckReceived  uint32 // most recent peer ack

	lastEvent uint64 // for LRU eviction

	// State holds per-connection application data (see Listener.NewState),
	// the Go-native replacement for the original firmware's fixed "context
	// words" scratch array.
	State interface{}
}

// Established reports whether the slot currently holds a live connection.
func (c *Conn) Established() bool {
	return c.state == established
}
