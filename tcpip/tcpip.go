package tcpip

import (
	"encoding/binary"
	"log"

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
)

// TotalHeaderLen is Ethernet + IPv6 + TCP (no options): the fixed prefix
// Allocate reserves ahead of every payload.
const TotalHeaderLen = ipv6.EthernetHeaderLen + ipv6.HeaderLen + HeaderLen

// Transmitter hands a fully-built outbound frame to the link layer.
type Transmitter interface {
	Transmit(b *pool.Buffer)
}

// Endpoint is the TCP stack: a fixed listener table, a fixed connection
// table, and the send/receive/poll state machine described in
// spec.md §4.D. All fields are process-wide singletons for the lifetime of
// the firmware, per spec.md §9 ("Global mutable state").
type Endpoint struct {
	Pool *pool.Pool
	Link Transmitter
	MAC  ipv6.MAC
	Addr ipv6.Addr

	Now func() uint64 // monotonic microseconds, injected for testability
	Log *log.Logger

	listeners [8]Listener
	conns     [4]Conn
}

func (e *Endpoint) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

func (e *Endpoint) now() uint64 {
	if e.Now != nil {
		return e.Now()
	}
	return 0
}

// RegisterListener fills the next empty listener slot. newState, if
// non-nil, is invoked once per accepted connection to produce that
// connection's typed application state.
func (e *Endpoint) RegisterListener(port uint16, cb Callback, newState func() interface{}) error {
	for i := range e.listeners {
		if e.listeners[i].Port == 0 {
			e.listeners[i] = Listener{Port: port, Callback: cb, NewState: newState}
			return nil
		}
	}

	e.logger().Printf("tcpip: listener slots all in use, not registering port %d", port)
	return ErrTooManyListeners
}

// Allocate reserves a buffer for an outbound payload of n bytes, returning
// a view past the fixed Ethernet+IPv6+TCP header prefix; callers fill it
// and pass it to Send.
func (e *Endpoint) Allocate(n int) (*pool.Buffer, error) {
	full, err := e.Pool.Allocate(n + TotalHeaderLen)
	if err != nil {
		return nil, err
	}
	return full.Slice(TotalHeaderLen, 0), nil
}

// Release returns a payload buffer obtained from Allocate (or delivered to
// a Callback) to the pool.
func (e *Endpoint) Release(payload *pool.Buffer) {
	e.Pool.Release(payload.Unslice())
}

// Send transmits payload as an ACK-flagged segment on conn. Ownership of
// payload transfers to the link layer.
func (e *Endpoint) Send(conn *Conn, payload *pool.Buffer) {
	buf := payload.Unslice()
	buf.SetLen(TotalHeaderLen + payload.Len())
	e.sendCtrl(conn, buf, FlagACK)
}

// Close sends FIN+ACK, marks the slot CLOSED, and invokes the connection's
// callback once more with a nil payload so the application can tear down.
func (e *Endpoint) Close(conn *Conn) {
	e.sendCtrl(conn, nil, FlagFIN|FlagACK)
	conn.state = closed

	if conn.callback != nil {
		conn.callback(conn, nil)
	}
}

// sendCtrl builds (or overwrites, if buf is non-nil and already carries the
// fixed header prefix plus payload) the Ethernet+IPv6+TCP headers, computes
// the checksum, transmits, and advances conn's sequence/ack bookkeeping.
// buf, when non-nil, is the OUTER buffer (not a payload slice) sized to
// TotalHeaderLen plus whatever payload bytes follow.
func (e *Endpoint) sendCtrl(conn *Conn, buf *pool.Buffer, control uint16) {
	var payloadLen int

	if buf != nil {
		payloadLen = buf.Len() - TotalHeaderLen
	} else {
		var err error
		buf, err = e.Pool.Allocate(TotalHeaderLen)
		if err != nil {
			e.logger().Printf("tcpip: dropping control segment, out of buffers")
			return
		}
		buf.SetLen(TotalHeaderLen)
	}

	dataOffsetWords := uint8(HeaderLen / 4)
	optionsLen := 0

	if control&FlagSYN != 0 && payloadLen == 0 {
		optionsLen = 4
		dataOffsetWords = uint8((HeaderLen + optionsLen) / 4)

		buf.SetLen(buf.Len() + optionsLen)
		opt := mssOption(uint16(pool.LargeCapacity - TotalHeaderLen))
		copy(buf.Full()[TotalHeaderLen:TotalHeaderLen+4], opt[:])
	}

	data := buf.Bytes()

	eth := ipv6.EthernetHeader{Src: e.MAC, Dest: conn.PeerMAC, EtherType: ipv6.EtherTypeIPv6}
	eth.Marshal(data)

	ip := ipv6.Header{
		PayloadLength: uint16(HeaderLen + optionsLen + payloadLen),
		NextHeader:    ipv6.NextHeaderTCP,
		HopLimit:      255,
		Src:           e.Addr,
		Dst:           conn.PeerAddr,
	}
	ip.Marshal(data[ipv6.EthernetHeaderLen:])

	tcpOff := ipv6.EthernetHeaderLen + ipv6.HeaderLen

	th := Header{
		SourcePort:      conn.LocalPort,
		DestPort:        conn.PeerPort,
		Sequence:        conn.txSequence,
		Ack:             conn.rxSequence,
		DataOffsetWords: dataOffsetWords,
		Flags:           control,
		WindowSize:      WindowSize,
	}
	th.Marshal(data[tcpOff:])

	segment := data[tcpOff:]
	sum := ipv6.Checksum(ip.Src, ip.Dst, ipv6.NextHeaderTCP, segment)
	binary.BigEndian.PutUint16(data[tcpOff+16:tcpOff+18], sum)

	e.Link.Transmit(buf)

	conn.txSequence += uint32(payloadLen)
	conn.lastAckSent = conn.rxSequence
	conn.lastEvent = e.now()
}

// sendRST builds a TCP RST in place from the offending inbound buffer b and
// transmits it.
func (e *Endpoint) sendRST(b *pool.Buffer) {
	data := b.Bytes()

	var eth ipv6.EthernetHeader
	eth.Unmarshal(data)
	eth.Dest, eth.Src = eth.Src, e.MAC
	eth.EtherType = ipv6.EtherTypeIPv6

	var ip ipv6.Header
	ip.Unmarshal(data[ipv6.EthernetHeaderLen:])
	ip.Dst, ip.Src = ip.Src, e.Addr
	ip.HopLimit = 255
	ip.PayloadLength = HeaderLen

	tcpOff := ipv6.EthernetHeaderLen + ipv6.HeaderLen

	var th Header
	th.Unmarshal(data[tcpOff:])

	sourcePort, destPort := th.DestPort, th.SourcePort
	sequence, ack := th.Ack, th.Sequence

	if th.Flags&FlagSYN != 0 {
		ack++
	}

	b.SetLen(TotalHeaderLen)
	data = b.Bytes()

	eth.Marshal(data)
	ip.Marshal(data[ipv6.EthernetHeaderLen:])

	th = Header{
		SourcePort:      sourcePort,
		DestPort:        destPort,
		Sequence:        sequence,
		Ack:             ack,
		DataOffsetWords: uint8(HeaderLen / 4),
		Flags:           FlagRST | FlagACK,
		WindowSize:      WindowSize,
	}
	th.Marshal(data[tcpOff:])

	segment := data[tcpOff:]
	sum := ipv6.Checksum(ip.Src, ip.Dst, ipv6.NextHeaderTCP, segment)
	binary.BigEndian.PutUint16(data[tcpOff+16:tcpOff+18], sum)

	e.Link.Transmit(b)
}

// allocateConn picks a connection slot for a new SYN: the first CLOSED
// slot, or else the slot whose last_event is oldest (closed with a
// FIN-ACK first).
func (e *Endpoint) allocateConn() *Conn {
	for i := range e.conns {
		if e.conns[i].state == closed {
			e.conns[i] = Conn{}
			return &e.conns[i]
		}
	}

	oldest := 0
	now := e.now()

	for i := 1; i < len(e.conns); i++ {
		if now-e.conns[i].lastEvent > now-e.conns[oldest].lastEvent {
			oldest = i
		}
	}

	e.logger().Printf("tcpip: no free connection slots, terminating oldest connection")
	e.Close(&e.conns[oldest])
	e.conns[oldest] = Conn{}

	return &e.conns[oldest]
}

func (e *Endpoint) findConn(localPort, peerPort uint16, peerAddr ipv6.Addr) *Conn {
	for i := range e.conns {
		c := &e.conns[i]
		if c.state == established && c.LocalPort == localPort && c.PeerPort == peerPort && c.PeerAddr == peerAddr {
			return c
		}
	}
	return nil
}

func (e *Endpoint) findListener(port uint16) *Listener {
	for i := range e.listeners {
		if e.listeners[i].Port == port {
			return &e.listeners[i]
		}
	}
	return nil
}

// ReceiveSegment dispatches an inbound Ethernet+IPv6+TCP frame, already
// known to carry next-header TCP. b is consumed.
func (e *Endpoint) ReceiveSegment(b *pool.Buffer) {
	data := b.Bytes()
	if len(data) < TotalHeaderLen {
		e.Pool.Release(b)
		return
	}

	var th Header
	th.Unmarshal(data[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])

	if th.Flags&FlagSYN != 0 {
		e.handleSYN(b, &th)
	} else {
		e.handleActive(b, &th)
	}
}

func (e *Endpoint) handleSYN(b *pool.Buffer, th *Header) {
	data := b.Bytes()

	var eth ipv6.EthernetHeader
	eth.Unmarshal(data)

	var ip ipv6.Header
	ip.Unmarshal(data[ipv6.EthernetHeaderLen:])

	l := e.findListener(th.DestPort)
	if l == nil {
		e.logger().Printf("tcpip: no matching listener port=%d", th.DestPort)
		e.sendRST(b)
		return
	}

	conn := e.allocateConn()
	conn.state = established
	conn.LocalPort = l.Port
	conn.callback = l.Callback
	if l.NewState != nil {
		conn.State = l.NewState()
	}

	conn.PeerAddr = ip.Src
	conn.PeerMAC = eth.Src
	conn.PeerPort = th.SourcePort
	conn.rxSequence = th.Sequence + 1
	conn.txSequence = conn.rxSequence + uint32(e.now())
	conn.lastAckReceived = conn.txSequence

	b.SetLen(TotalHeaderLen)
	e.sendCtrl(conn, b, FlagSYN|FlagACK)
	conn.txSequence++

	conn.callback(conn, nil)
}

func (e *Endpoint) handleActive(b *pool.Buffer, th *Header) {
	data := b.Bytes()

	var ip ipv6.Header
	ip.Unmarshal(data[ipv6.EthernetHeaderLen:])

	dataOffset := ipv6.EthernetHeaderLen + ipv6.HeaderLen + int(th.DataOffsetWords)*4
	dataLen := len(data) - dataOffset

	conn := e.findConn(th.DestPort, th.SourcePort, ip.Src)

	if conn == nil {
		if th.Flags&FlagACK != 0 && dataLen == 0 {
			// late ACK to our FIN-ACK
			e.Pool.Release(b)
			return
		}

		e.logger().Printf("tcpip: no matching connection port=%d", th.DestPort)
		e.sendRST(b)
		return
	}

	conn.lastAckReceived = th.Ack
	conn.lastEvent = e.now()

	if dataLen > 0 {
		if th.Sequence < conn.rxSequence && th.Sequence+WindowSize > conn.rxSequence {
			e.logger().Printf("tcpip: ignoring resend on port=%d", conn.LocalPort)
			e.Pool.Release(b)
			return
		}

		if th.Sequence > conn.rxSequence {
			e.logger().Printf("tcpip: sequence gap on port=%d: expected %08x, got %08x", conn.LocalPort, conn.rxSequence, th.Sequence)
			e.Pool.Release(b)
			e.Close(conn)
			return
		}

		conn.rxSequence += uint32(dataLen)

		if dataOffset > TotalHeaderLen {
			copy(b.Full()[TotalHeaderLen:TotalHeaderLen+dataLen], b.Full()[dataOffset:dataOffset+dataLen])
		}
		b.SetLen(TotalHeaderLen + dataLen)

		payload := b.Slice(TotalHeaderLen, 0)
		payload.SetLen(dataLen)
		conn.callback(conn, payload)
	} else {
		e.Pool.Release(b)
	}

	if th.Flags&(FlagFIN|FlagRST) != 0 {
		conn.rxSequence++
		e.Close(conn)
	}
}

// Poll gives every ESTABLISHED connection a chance to process: its callback
// is invoked with a nil payload, any unacked received data is bare-ACKed,
// and connections with no progress for too long are closed. It should be
// called once per main-loop iteration.
func (e *Endpoint) Poll() {
	for i := range e.conns {
		conn := &e.conns[i]
		if conn.state != established {
			continue
		}

		conn.callback(conn, nil)

		if conn.state != established {
			continue
		}

		if conn.lastAckSent != conn.rxSequence {
			e.sendCtrl(conn, nil, FlagACK)
		}

		if conn.txSequence-conn.lastAckReceived > 2*WindowSize {
			e.logger().Printf("tcpip: closing connection on port=%d, no acks", conn.LocalPort)
			e.Close(conn)
		}
	}
}
