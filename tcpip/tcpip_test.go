package tcpip

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
)

type capture struct {
	frames [][]byte
}

func (c *capture) Transmit(b *pool.Buffer) {
	buf := make([]byte, b.Len())
	copy(buf, b.Bytes())
	c.frames = append(c.frames, buf)
}

func (c *capture) last() []byte {
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func newEndpoint(p *pool.Pool, link Transmitter) *Endpoint {
	return &Endpoint{
		Pool: p,
		Link: link,
		MAC:  ipv6.MAC{0xde, 1, 2, 3, 4, 0xcc},
		Addr: ipv6.Addr{0xfd, 0xde, 1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		Now:  func() uint64 { return 1000 },
	}
}

func buildSYN(e *Endpoint, peerPort, localPort uint16, seq uint32) []byte {
	frame := make([]byte, TotalHeaderLen)

	eth := ipv6.EthernetHeader{Dest: e.MAC, Src: ipv6.MAC{9, 9, 9, 9, 9, 9}, EtherType: ipv6.EtherTypeIPv6}
	eth.Marshal(frame)

	ip := ipv6.Header{PayloadLength: HeaderLen, NextHeader: ipv6.NextHeaderTCP, HopLimit: 255, Src: ipv6.Addr{0xfe, 0x80, 9}, Dst: e.Addr}
	ip.Marshal(frame[ipv6.EthernetHeaderLen:])

	th := Header{SourcePort: peerPort, DestPort: localPort, Sequence: seq, DataOffsetWords: 5, Flags: FlagSYN, WindowSize: WindowSize}
	th.Marshal(frame[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])

	return frame
}

func deliver(e *Endpoint, frame []byte) {
	b, _ := e.Pool.Allocate(len(frame))
	b.SetLen(len(frame))
	copy(b.Bytes(), frame)
	e.ReceiveSegment(b)
}

func TestSYNToRegisteredListenerOpensConnection(t *testing.T) {
	p := pool.New(4, 4)
	var link capture
	e := newEndpoint(p, &link)

	var opened, closed bool
	e.RegisterListener(80, func(conn *Conn, payload *pool.Buffer) {
		if payload == nil && conn.Established() {
			opened = true
		}
		if payload == nil && !conn.Established() {
			closed = true
		}
	}, nil)

	deliver(e, buildSYN(e, 4000, 80, 100))

	if !opened {
		t.Fatalf("expected callback to announce the open")
	}
	if closed {
		t.Fatalf("connection should not be closed yet")
	}

	reply := link.last()
	if reply == nil {
		t.Fatalf("expected a SYN-ACK to be transmitted")
	}

	var th Header
	th.Unmarshal(reply[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])
	if th.Flags&(FlagSYN|FlagACK) != FlagSYN|FlagACK {
		t.Fatalf("reply flags = %#x, want SYN|ACK", th.Flags)
	}
	if th.Ack != 101 {
		t.Fatalf("reply ack = %d, want 101 (seq+1)", th.Ack)
	}
}

func TestSYNToUnknownPortGetsRST(t *testing.T) {
	p := pool.New(4, 4)
	var link capture
	e := newEndpoint(p, &link)

	deliver(e, buildSYN(e, 4000, 81, 100))

	reply := link.last()
	if reply == nil {
		t.Fatalf("expected an RST")
	}

	var th Header
	th.Unmarshal(reply[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])
	if th.Flags&FlagRST == 0 {
		t.Fatalf("reply flags = %#x, want RST set", th.Flags)
	}
}

func TestTooManyListenersIsRejected(t *testing.T) {
	p := pool.New(1, 1)
	e := newEndpoint(p, &capture{})

	noop := func(*Conn, *pool.Buffer) {}

	for i := 0; i < 8; i++ {
		if err := e.RegisterListener(uint16(100+i), noop, nil); err != nil {
			t.Fatalf("RegisterListener %d: %v", i, err)
		}
	}

	if err := e.RegisterListener(200, noop, nil); err != ErrTooManyListeners {
		t.Fatalf("expected ErrTooManyListeners, got %v", err)
	}
}

func buildData(e *Endpoint, conn *Conn, seq uint32, payload []byte) []byte {
	frame := make([]byte, TotalHeaderLen+len(payload))

	eth := ipv6.EthernetHeader{Dest: e.MAC, Src: conn.PeerMAC, EtherType: ipv6.EtherTypeIPv6}
	eth.Marshal(frame)

	ip := ipv6.Header{PayloadLength: uint16(HeaderLen + len(payload)), NextHeader: ipv6.NextHeaderTCP, HopLimit: 255, Src: conn.PeerAddr, Dst: e.Addr}
	ip.Marshal(frame[ipv6.EthernetHeaderLen:])

	th := Header{SourcePort: conn.PeerPort, DestPort: conn.LocalPort, Sequence: seq, Ack: conn.txSequence, DataOffsetWords: 5, Flags: FlagACK, WindowSize: WindowSize}
	th.Marshal(frame[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])

	copy(frame[TotalHeaderLen:], payload)

	return frame
}

func TestDuplicateSegmentIsDroppedSilently(t *testing.T) {
	p := pool.New(8, 8)
	var link capture
	e := newEndpoint(p, &link)

	var callbacks int
	e.RegisterListener(80, func(conn *Conn, payload *pool.Buffer) {
		if payload != nil {
			callbacks++
			e.Release(payload)
		}
	}, nil)

	deliver(e, buildSYN(e, 4000, 80, 100))

	conn := e.findConn(80, 4000, ipv6.Addr{0xfe, 0x80, 9})

	deliver(e, buildData(e, conn, conn.rxSequence, []byte("hello")))
	if callbacks != 1 {
		t.Fatalf("callbacks = %d, want 1 after first segment", callbacks)
	}

	rxAfterFirst := conn.rxSequence

	// resend the same sequence number: must be dropped, no callback, conn stays open
	deliver(e, buildData(e, conn, rxAfterFirst-5, []byte("hello")))
	if callbacks != 1 {
		t.Fatalf("callbacks = %d, want still 1 after duplicate", callbacks)
	}
	if !conn.Established() {
		t.Fatalf("connection should remain open after a duplicate segment")
	}
}

func TestSequenceGapClosesConnection(t *testing.T) {
	p := pool.New(8, 8)
	var link capture
	e := newEndpoint(p, &link)

	e.RegisterListener(80, func(conn *Conn, payload *pool.Buffer) {
		if payload != nil {
			e.Release(payload)
		}
	}, nil)

	deliver(e, buildSYN(e, 4000, 80, 100))
	conn := e.findConn(80, 4000, ipv6.Addr{0xfe, 0x80, 9})

	deliver(e, buildData(e, conn, conn.rxSequence+1000, []byte("gap")))

	if conn.Established() {
		t.Fatalf("connection should close on a sequence gap")
	}
}

func TestStaleAckTimeoutClosesConnectionOnPoll(t *testing.T) {
	p := pool.New(8, 8)
	var link capture
	e := newEndpoint(p, &link)

	e.RegisterListener(80, func(conn *Conn, payload *pool.Buffer) {}, nil)
	deliver(e, buildSYN(e, 4000, 80, 100))

	conn := e.findConn(80, 4000, ipv6.Addr{0xfe, 0x80, 9})
	conn.txSequence = conn.lastAckReceived + 2*WindowSize + 1

	e.Poll()

	if conn.Established() {
		t.Fatalf("connection should close once tx_sequence outruns acks by more than 2*WINDOW")
	}
}

func TestLateAckWithNoMatchingConnectionIsDroppedNotRST(t *testing.T) {
	p := pool.New(4, 4)
	var link capture
	e := newEndpoint(p, &link)

	frame := make([]byte, TotalHeaderLen)
	eth := ipv6.EthernetHeader{Dest: e.MAC, Src: ipv6.MAC{1, 2, 3, 4, 5, 6}, EtherType: ipv6.EtherTypeIPv6}
	eth.Marshal(frame)
	ip := ipv6.Header{PayloadLength: HeaderLen, NextHeader: ipv6.NextHeaderTCP, HopLimit: 255, Src: ipv6.Addr{0xfe, 0x80}, Dst: e.Addr}
	ip.Marshal(frame[ipv6.EthernetHeaderLen:])
	th := Header{SourcePort: 1, DestPort: 80, DataOffsetWords: 5, Flags: FlagACK, WindowSize: WindowSize}
	th.Marshal(frame[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])
	binary.BigEndian.PutUint16(frame[ipv6.EthernetHeaderLen+ipv6.HeaderLen+16:], 0)

	deliver(e, frame)

	if link.last() != nil {
		t.Fatalf("expected no reply to a late ACK with no matching connection")
	}
}
