package ipv6

import (
	"encoding/binary"
	"log"

	"github.com/usbarmory/netdev6/pool"
)

const (
	TypeEchoRequest           = 128
	TypeEchoReply             = 129
	TypeRouterSolicitation    = 133
	TypeRouterAdvertisement   = 134
	TypeNeighborSolicitation  = 135
	TypeNeighborAdvertisement = 136

	flagsSolicited   = 0x60
	flagsUnsolicited = 0x20

	routerLifetimeSeconds = 3600
	prefixFlags           = 0xc0
)

// icmp6HeaderLen is the fixed RFC 4443 ICMPv6 header: type, code, checksum.
const icmp6HeaderLen = 4

// Transmitter hands a fully-built outbound frame (Ethernet+IPv6+payload,
// data_len already set) to the link layer.
type Transmitter interface {
	Transmit(b *pool.Buffer)
}

// Responder implements the stateless ICMPv6 autoconfiguration responder:
// neighbour/router discovery and echo, plus periodic unsolicited beacons.
type Responder struct {
	Pool   *pool.Pool
	Link   Transmitter
	MAC    MAC
	Global Addr
	MTU    uint32 // advertised in the RA MTU option; equals buffer capacity

	Now func() uint64 // monotonic microseconds, injected for testability
	Log *log.Logger

	bootTime       uint64
	bootTimeSet    bool
	lastRA, lastNA uint64
}

func (r *Responder) logger() *log.Logger {
	if r.Log != nil {
		return r.Log
	}
	return log.Default()
}

func (r *Responder) linkLocal() Addr {
	return LinkLocal(r.MAC)
}

// isOurs reports whether addr is our global or link-local address.
func (r *Responder) isOurs(addr Addr) bool {
	return addr == r.Global || addr == r.linkLocal()
}

// Handle dispatches an inbound Ethernet+IPv6 frame, already known to carry
// next-header ICMPv6, to the appropriate responder. b is consumed: either
// turned into a reply and transmitted, or released.
func (r *Responder) Handle(b *pool.Buffer) {
	data := b.Bytes()
	if len(data) < EthernetHeaderLen+HeaderLen+icmp6HeaderLen {
		r.Pool.Release(b)
		return
	}

	var ip Header
	ip.Unmarshal(data[EthernetHeaderLen:])

	icmpType := data[EthernetHeaderLen+HeaderLen]

	switch icmpType {
	case TypeNeighborSolicitation:
		r.handleNS(b)
	case TypeRouterSolicitation:
		r.handleRS(b)
	case TypeEchoRequest:
		if r.isOurs(ip.Dst) {
			r.handleEcho(b)
		} else {
			r.Pool.Release(b)
		}
	default:
		r.Pool.Release(b)
	}
}

// prepareReply turns an inbound frame in place into a unicast reply: swap
// Ethernet/IPv6 addresses, stamp version/class/hop-limit.
func (r *Responder) prepareReply(b *pool.Buffer) {
	data := b.Bytes()

	var eth EthernetHeader
	eth.Unmarshal(data)
	eth.Dest, eth.Src = eth.Src, r.MAC
	eth.EtherType = EtherTypeIPv6
	eth.Marshal(data)

	var ip Header
	ip.Unmarshal(data[EthernetHeaderLen:])
	ip.Dst = ip.Src
	ip.Src = r.Global
	ip.HopLimit = hopLimit
	ip.Marshal(data[EthernetHeaderLen:])
}

// prepareMulticast builds an Ethernet+IPv6 header for an unsolicited
// all-nodes beacon into a freshly allocated buffer.
func (r *Responder) prepareMulticast(b *pool.Buffer) {
	data := b.Full()

	eth := EthernetHeader{Dest: Broadcast, Src: r.MAC, EtherType: EtherTypeIPv6}
	eth.Marshal(data)

	ip := Header{HopLimit: hopLimit, Src: r.Global, Dst: AllNodesMulticast}
	ip.Marshal(data[EthernetHeaderLen:])
}

func (r *Responder) handleNS(b *pool.Buffer) {
	data := b.Bytes()
	if len(data) < EthernetHeaderLen+HeaderLen+icmp6HeaderLen+4+16 {
		r.Pool.Release(b)
		return
	}

	targetOff := EthernetHeaderLen + HeaderLen + icmp6HeaderLen + 4
	var target Addr
	copy(target[:], data[targetOff:targetOff+16])

	if !r.isOurs(target) {
		r.Pool.Release(b)
		return
	}

	r.sendNA(b, &target)
}

// sendNA builds and transmits a Neighbour Advertisement. If b is nil, this
// is an unsolicited (multicast) beacon; otherwise b is the inbound NS,
// turned into the reply in place, and target must be the solicited address.
func (r *Responder) sendNA(b *pool.Buffer, target *Addr) {
	const payloadLen = icmp6HeaderLen + 4 + 16 + 8 // icmp + flags + target + link-layer option
	solicited := b != nil

	if b == nil {
		var err error
		b, err = r.Pool.Allocate(EthernetHeaderLen + HeaderLen + payloadLen)
		if err != nil {
			return
		}
		b.SetLen(EthernetHeaderLen + HeaderLen + payloadLen)
		r.prepareMulticast(b)
	} else {
		r.prepareReply(b)
		b.SetLen(EthernetHeaderLen + HeaderLen + payloadLen)
	}

	data := b.Bytes()

	var ip Header
	ip.Unmarshal(data[EthernetHeaderLen:])
	ip.PayloadLength = payloadLen
	ip.NextHeader = nextHeaderICMPv6
	ip.HopLimit = hopLimit
	ip.Marshal(data[EthernetHeaderLen:])

	payload := data[EthernetHeaderLen+HeaderLen:]
	for i := range payload {
		payload[i] = 0
	}

	payload[0] = TypeNeighborAdvertisement

	tgt := r.Global
	if solicited {
		tgt = *target
		if target[0] == 0xfe {
			tgt = r.linkLocal()
		}
	}

	if solicited {
		payload[4] = flagsSolicited
	} else {
		payload[4] = flagsUnsolicited
	}
	copy(payload[8:24], tgt[:])
	payload[24] = 2 // option type: target link-layer address
	payload[25] = 1 // option length, in units of 8 bytes
	copy(payload[26:32], r.MAC[:])

	binary.BigEndian.PutUint16(payload[2:4], 0)
	sum := Checksum(ip.Src, ip.Dst, nextHeaderICMPv6, payload)
	binary.BigEndian.PutUint16(payload[2:4], sum)

	r.Link.Transmit(b)
}

func (r *Responder) handleRS(b *pool.Buffer) {
	r.sendRA(b)
}

// sendRA builds and transmits a Router Advertisement. If b is nil this is
// an unsolicited beacon; otherwise b is the inbound RS, turned into the
// reply in place.
func (r *Responder) sendRA(b *pool.Buffer) {
	// icmp(4) + cur_hop_limit/flags(2) + router_lifetime(2) + reachable(4) +
	// retransmit(4) + prefix option(32) + mtu option(8)
	const payloadLen = 4 + 2 + 2 + 4 + 4 + 32 + 8

	if b == nil {
		var err error
		b, err = r.Pool.Allocate(EthernetHeaderLen + HeaderLen + payloadLen)
		if err != nil {
			return
		}
		b.SetLen(EthernetHeaderLen + HeaderLen + payloadLen)
		r.prepareMulticast(b)
	} else {
		r.prepareReply(b)
		b.SetLen(EthernetHeaderLen + HeaderLen + payloadLen)
	}

	data := b.Bytes()

	var ip Header
	ip.Unmarshal(data[EthernetHeaderLen:])
	ip.PayloadLength = payloadLen
	ip.NextHeader = nextHeaderICMPv6
	ip.Src = r.linkLocal()
	ip.Marshal(data[EthernetHeaderLen:])

	payload := data[EthernetHeaderLen+HeaderLen:]
	for i := range payload {
		payload[i] = 0
	}

	payload[0] = TypeRouterAdvertisement
	payload[4] = 255 // current hop limit
	payload[5] = 0   // flags
	binary.BigEndian.PutUint16(payload[6:8], routerLifetimeSeconds)
	binary.BigEndian.PutUint32(payload[8:12], 0xffffffff) // reachable time: infinite
	binary.BigEndian.PutUint32(payload[12:16], 4000)      // retransmit timer

	prefix := payload[16:48]
	prefix[0] = 3  // option type: prefix information
	prefix[1] = 4  // option length, 8-byte units
	prefix[2] = 64 // prefix length
	prefix[3] = prefixFlags
	binary.BigEndian.PutUint32(prefix[4:8], 0xffffffff)   // valid lifetime
	binary.BigEndian.PutUint32(prefix[8:12], 0xffffffff)  // preferred lifetime
	// prefix[12:16] reserved, left zero
	copy(prefix[16:24], r.Global[:8])
	// prefix[24:32] (interface identifier half) left zero, matching the
	// original firmware which clears the low 8 bytes of the prefix address

	mtu := payload[48:56]
	mtu[0] = 5 // option type: MTU
	mtu[1] = 1 // option length, 8-byte units
	binary.BigEndian.PutUint32(mtu[4:8], r.MTU)

	binary.BigEndian.PutUint16(payload[2:4], 0)
	sum := Checksum(ip.Src, ip.Dst, nextHeaderICMPv6, payload)
	binary.BigEndian.PutUint16(payload[2:4], sum)

	r.Link.Transmit(b)
}

func (r *Responder) handleEcho(b *pool.Buffer) {
	data := b.Bytes()
	r.prepareReply(b)

	icmp := data[EthernetHeaderLen+HeaderLen:]
	icmp[0] = TypeEchoReply

	var ip Header
	ip.Unmarshal(data[EthernetHeaderLen:])

	binary.BigEndian.PutUint16(icmp[2:4], 0)
	sum := Checksum(ip.Src, ip.Dst, nextHeaderICMPv6, icmp)
	binary.BigEndian.PutUint16(icmp[2:4], sum)

	r.Link.Transmit(b)
}

// BeaconInterval returns the current unsolicited-beacon period: 1s for the
// first 30s after boot, 30s thereafter.
func (r *Responder) BeaconInterval(now uint64) uint64 {
	if !r.bootTimeSet {
		r.bootTime = now
		r.bootTimeSet = true
	}

	const second = 1000000
	if now-r.bootTime > 30*second {
		return 30 * second
	}
	return second
}

// Poll emits unsolicited RA/NA beacons when due and the tx queue is empty
// (txQueueEmpty), matching the original firmware's icmp6_poll. It should be
// called once per main-loop iteration.
func (r *Responder) Poll(txQueueEmpty bool) {
	now := r.Now()
	interval := r.BeaconInterval(now)

	if now-r.lastRA > interval && txQueueEmpty {
		r.lastRA = now
		r.sendRA(nil)
	}

	if now-r.lastNA > interval && txQueueEmpty {
		r.lastNA = now
		r.sendNA(nil, nil)
	}
}
