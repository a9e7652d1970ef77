package ipv6

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/netdev6/pool"
)

func testMAC() MAC { return MAC{0xde, 0x11, 0x22, 0x33, 0x44, 0xcc} }

func testGlobal() Addr {
	return Addr{0xfd, 0xde, 0x11, 0x22, 0x33, 0x44, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
}

type capture struct {
	got *pool.Buffer
}

func (c *capture) Transmit(b *pool.Buffer) { c.got = b }

func newResponder(p *pool.Pool, link Transmitter) *Responder {
	return &Responder{
		Pool:   p,
		Link:   link,
		MAC:    testMAC(),
		Global: testGlobal(),
		MTU:    pool.LargeCapacity,
		Now:    func() uint64 { return 0 },
	}
}

func TestFoldsumRFC1071Example(t *testing.T) {
	// a minimal one-word check: an all-ones input folds to zero after
	// complement.
	got := foldsum(ipsum([]byte{0xff, 0xff}))
	if got != 0 {
		t.Fatalf("foldsum(0xffff) = %#04x, want 0", got)
	}
}

func TestChecksumZeroForSelfCancelingPayload(t *testing.T) {
	src := Addr{1}
	dst := Addr{2}
	payload := make([]byte, 8)
	sum := Checksum(src, dst, NextHeaderTCP, payload)
	binary.BigEndian.PutUint16(payload[0:2], sum)

	// recomputing the checksum over the payload with the checksum field
	// filled in, plus the same pseudo header, must fold to zero (RFC 1071).
	if got := Checksum(src, dst, NextHeaderTCP, payload); got != 0 {
		t.Fatalf("checksum over payload carrying its own checksum = %#04x, want 0", got)
	}
}

func buildNS(target Addr, ourMAC MAC) []byte {
	buf := make([]byte, EthernetHeaderLen+HeaderLen+4+4+16)

	eth := EthernetHeader{Dest: ourMAC, Src: MAC{1, 2, 3, 4, 5, 6}, EtherType: EtherTypeIPv6}
	eth.Marshal(buf)

	ip := Header{PayloadLength: 4 + 4 + 16, NextHeader: nextHeaderICMPv6, HopLimit: 255, Src: Addr{0xfe, 0x80}, Dst: target}
	ip.Marshal(buf[EthernetHeaderLen:])

	icmp := buf[EthernetHeaderLen+HeaderLen:]
	icmp[0] = TypeNeighborSolicitation
	copy(icmp[8:24], target[:])

	return buf
}

func TestNeighborSolicitationForOurAddressGetsAdvertisement(t *testing.T) {
	p := pool.New(2, 2)
	var link capture
	r := newResponder(p, &link)

	frame := buildNS(r.Global, r.MAC)
	b, _ := p.Allocate(len(frame))
	b.SetLen(len(frame))
	copy(b.Bytes(), frame)

	r.Handle(b)

	if link.got == nil {
		t.Fatalf("expected a neighbour advertisement to be transmitted")
	}

	reply := link.got.Bytes()
	icmpType := reply[EthernetHeaderLen+HeaderLen]
	if icmpType != TypeNeighborAdvertisement {
		t.Fatalf("reply type = %d, want %d", icmpType, TypeNeighborAdvertisement)
	}

	flags := reply[EthernetHeaderLen+HeaderLen+4]
	if flags != flagsSolicited {
		t.Fatalf("reply flags = %#02x, want %#02x", flags, flagsSolicited)
	}
}

func TestNeighborSolicitationForOtherAddressIsDropped(t *testing.T) {
	p := pool.New(2, 2)
	var link capture
	r := newResponder(p, &link)

	other := Addr{0xfd, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}
	frame := buildNS(other, r.MAC)
	b, _ := p.Allocate(len(frame))
	b.SetLen(len(frame))
	copy(b.Bytes(), frame)

	r.Handle(b)

	if link.got != nil {
		t.Fatalf("expected no advertisement for a foreign target address")
	}
}

func TestEchoRequestToUsGetsReply(t *testing.T) {
	p := pool.New(2, 2)
	var link capture
	r := newResponder(p, &link)

	payload := []byte("abcdefgh")
	frame := make([]byte, EthernetHeaderLen+HeaderLen+4+4+len(payload))

	eth := EthernetHeader{Dest: r.MAC, Src: MAC{9, 9, 9, 9, 9, 9}, EtherType: EtherTypeIPv6}
	eth.Marshal(frame)

	ip := Header{PayloadLength: uint16(4 + 4 + len(payload)), NextHeader: nextHeaderICMPv6, HopLimit: 255, Src: Addr{0xfe, 0x80, 1}, Dst: r.Global}
	ip.Marshal(frame[EthernetHeaderLen:])

	icmp := frame[EthernetHeaderLen+HeaderLen:]
	icmp[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(icmp[4:6], 0xabcd)
	binary.BigEndian.PutUint16(icmp[6:8], 1)
	copy(icmp[8:], payload)

	b, _ := p.Allocate(len(frame))
	b.SetLen(len(frame))
	copy(b.Bytes(), frame)

	r.Handle(b)

	if link.got == nil {
		t.Fatalf("expected an echo reply")
	}

	reply := link.got.Bytes()
	if reply[EthernetHeaderLen+HeaderLen] != TypeEchoReply {
		t.Fatalf("reply type = %d, want %d", reply[EthernetHeaderLen+HeaderLen], TypeEchoReply)
	}
	if string(reply[EthernetHeaderLen+HeaderLen+8:]) != string(payload) {
		t.Fatalf("echo reply payload mismatch: got %q, want %q", reply[EthernetHeaderLen+HeaderLen+8:], payload)
	}
}

func TestBeaconCadenceSlowsAfter30Seconds(t *testing.T) {
	r := &Responder{}

	if got := r.BeaconInterval(0); got != 1000000 {
		t.Fatalf("interval at boot = %d, want 1s", got)
	}
	if got := r.BeaconInterval(29 * 1000000); got != 1000000 {
		t.Fatalf("interval at 29s = %d, want 1s", got)
	}
	if got := r.BeaconInterval(31 * 1000000); got != 30*1000000 {
		t.Fatalf("interval at 31s = %d, want 30s", got)
	}
}

func TestPollEmitsBeaconsOnlyWhenTxQueueEmpty(t *testing.T) {
	p := pool.New(2, 2)
	var link capture
	r := newResponder(p, &link)

	var now uint64
	r.Now = func() uint64 { return now }

	now = 2 * 1000000
	r.Poll(false)
	if link.got != nil {
		t.Fatalf("expected no beacon while tx queue is non-empty")
	}

	r.Poll(true)
	if link.got == nil {
		t.Fatalf("expected a beacon once tx queue is empty")
	}
}
