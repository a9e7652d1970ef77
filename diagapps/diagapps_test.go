package diagapps

import (
	"testing"

	"github.com/usbarmory/netdev6/ipv6"
	"github.com/usbarmory/netdev6/pool"
	"github.com/usbarmory/netdev6/tcpip"
)

type captureLink struct {
	sent  [][]byte
	depth int
}

func (c *captureLink) Transmit(b *pool.Buffer) {
	buf := make([]byte, b.Len())
	copy(buf, b.Bytes())
	c.sent = append(c.sent, buf)
}

func (c *captureLink) TxQueueLen() int { return c.depth }

func newTestEndpoint() (*tcpip.Endpoint, *captureLink) {
	link := &captureLink{}
	return &tcpip.Endpoint{
		Pool: pool.New(4, 4),
		Link: link,
		MAC:  ipv6.MAC{0xde, 1, 2, 3, 4, 0xcc},
		Addr: ipv6.Addr{0xfd, 0xde, 1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
	}, link
}

// openConnection drives a synthetic inbound SYN through ep's public
// ReceiveSegment entry point so tests exercise the real established path,
// the same way a peer's three-way-handshake opener would.
func openConnection(ep *tcpip.Endpoint, peerPort, localPort uint16) {
	frame := make([]byte, tcpip.TotalHeaderLen)

	eth := ipv6.EthernetHeader{Dest: ep.MAC, Src: ipv6.MAC{9, 9, 9, 9, 9, 9}, EtherType: ipv6.EtherTypeIPv6}
	eth.Marshal(frame)

	ip := ipv6.Header{PayloadLength: tcpip.HeaderLen, NextHeader: ipv6.NextHeaderTCP, HopLimit: 255, Src: ipv6.Addr{0xfe, 0x80, 9}, Dst: ep.Addr}
	ip.Marshal(frame[ipv6.EthernetHeaderLen:])

	th := tcpip.Header{SourcePort: peerPort, DestPort: localPort, Sequence: 1, DataOffsetWords: 5, Flags: tcpip.FlagSYN, WindowSize: tcpip.WindowSize}
	th.Marshal(frame[ipv6.EthernetHeaderLen+ipv6.HeaderLen:])

	b, _ := ep.Pool.Allocate(len(frame))
	b.SetLen(len(frame))
	copy(b.Bytes(), frame)
	ep.ReceiveSegment(b)
}

func TestEchoCallbackSendsPayloadBack(t *testing.T) {
	ep, link := newTestEndpoint()
	cb := echoCallback(ep)

	payload, _ := ep.Allocate(5)
	payload.SetLen(copy(payload.Full(), "hello"))

	conn := &tcpip.Conn{}
	cb(conn, payload)

	if len(link.sent) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(link.sent))
	}
	if string(link.sent[0][len(link.sent[0])-5:]) != "hello" {
		t.Fatalf("echoed payload = %q", link.sent[0])
	}
}

func TestEchoCallbackIgnoresPollTick(t *testing.T) {
	ep, link := newTestEndpoint()
	cb := echoCallback(ep)

	cb(&tcpip.Conn{}, nil)

	if len(link.sent) != 0 {
		t.Fatalf("expected no frame sent on a nil poll tick")
	}
}

func TestDiscardCallbackReleasesWithoutSending(t *testing.T) {
	ep, link := newTestEndpoint()
	cb := discardCallback(ep)

	payload, _ := ep.Allocate(5)
	payload.SetLen(5)
	cb(&tcpip.Conn{}, payload)

	if len(link.sent) != 0 {
		t.Fatalf("expected no frame sent, got %d", len(link.sent))
	}
}

func TestChargenProducesSeventyTwoCharLinesWithCRLF(t *testing.T) {
	ep, link := newTestEndpoint()

	if err := ep.RegisterListener(ChargenPort, chargenCallback(ep), newChargenState); err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}

	// the SYN-ACK reply is link.sent[0]; the open-triggered chargen burst
	// that follows (callback invoked with payload=nil right after accept)
	// is link.sent[1].
	openConnection(ep, 40000, ChargenPort)

	if len(link.sent) != 2 {
		t.Fatalf("frames sent = %d, want 2 (SYN-ACK + first burst)", len(link.sent))
	}

	data := link.sent[1][tcpip.TotalHeaderLen:]
	for i := 0; i+73 < len(data); i += 74 {
		if data[i+72] != '\r' || data[i+73] != '\n' {
			t.Fatalf("line at %d not CRLF-terminated: %q", i, data[i:i+74])
		}
	}
}

func TestChargenThrottlesOnBusyQueue(t *testing.T) {
	ep, link := newTestEndpoint()
	link.depth = 2

	if err := ep.RegisterListener(ChargenPort, chargenCallback(ep), newChargenState); err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}

	openConnection(ep, 40000, ChargenPort)

	// only the SYN-ACK goes out; the queue-busy check suppresses the burst
	if len(link.sent) != 1 {
		t.Fatalf("frames sent = %d, want 1 (SYN-ACK only)", len(link.sent))
	}
}

func TestChargenResetsPhaseWhenConnectionCloses(t *testing.T) {
	ep, _ := newTestEndpoint()
	cb := chargenCallback(ep)

	conn := &tcpip.Conn{}
	cs := &chargenState{charPhase: 42, linePhase: 17, linePos: 30}
	conn.State = cs

	cb(conn, nil)

	if cs.charPhase != 1 || cs.linePhase != 2 || cs.linePos != 0 {
		t.Fatalf("state not reset on a closed connection: %+v", cs)
	}
}
