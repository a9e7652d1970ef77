// IPv6 and ICMPv6 wire formats for netdev6
// https://github.com/usbarmory/netdev6
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipv6 implements Ethernet+IPv6 header templating, the pseudo-header
// checksum, and the stateless ICMPv6 autoconfiguration responder (neighbour
// and router discovery, echo). Next-header 6 (TCP) is dispatched onward by
// the caller into package tcpip; everything else is released.
package ipv6

import "encoding/binary"

const (
	EtherTypeIPv6 = 0x86dd

	nextHeaderICMPv6 = 58
	NextHeaderTCP    = 6

	versionClass = 0x60000000
	hopLimit     = 255

	EthernetHeaderLen = 14
	HeaderLen         = 40
)

// MAC is an IEEE 802 48-bit address.
type MAC [6]byte

var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 17)
	for i, o := range m {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hex[o>>4], hex[o&0xf])
	}
	return string(b)
}

// Addr is a 128-bit IPv6 address.
type Addr [16]byte

// AllNodesMulticast is ff02::1, the link-local all-nodes multicast address
// used as the destination of unsolicited router/neighbour advertisements.
var AllNodesMulticast = Addr{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

// LinkLocal derives the fe80:: link-local address for mac, matching the
// original firmware's IPV6_LINK_LOCAL_ADDR macro: the low 6 bytes are the
// MAC verbatim, with no EUI-64 bit-flipping.
func LinkLocal(mac MAC) Addr {
	var a Addr
	a[0], a[1] = 0xfe, 0x80
	copy(a[10:], mac[:])
	return a
}

// EthernetHeader is the 14-byte IEEE 802.3 frame header.
type EthernetHeader struct {
	Dest, Src MAC
	EtherType uint16
}

func (h *EthernetHeader) Marshal(b []byte) {
	copy(b[0:6], h.Dest[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
}

func (h *EthernetHeader) Unmarshal(b []byte) {
	copy(h.Dest[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.EtherType = binary.BigEndian.Uint16(b[12:14])
}

// Header is the 40-byte fixed IPv6 header (RFC 2460), no extension headers.
type Header struct {
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src, Dst      Addr
}

func (h *Header) Marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], versionClass)
	binary.BigEndian.PutUint16(b[4:6], h.PayloadLength)
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	copy(b[8:24], h.Src[:])
	copy(b[24:40], h.Dst[:])
}

func (h *Header) Unmarshal(b []byte) {
	h.PayloadLength = binary.BigEndian.Uint16(b[4:6])
	h.NextHeader = b[6]
	h.HopLimit = b[7]
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])
}

// ipsum sums data pairwise, in network byte order, into a 32-bit
// accumulator, per RFC 1071.
func ipsum(data []byte) uint32 {
	var sum uint32
	for i, b := range data {
		if i&1 == 0 {
			sum += uint32(b) << 8
		} else {
			sum += uint32(b)
		}
	}
	return sum
}

// foldsum folds carries out of sum and takes the one's complement,
// producing the final 16-bit checksum.
func foldsum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum computes the IPv6 pseudo-header checksum over src, dst, the
// transport payload length and next-header byte, plus the transport
// segment itself (with its own checksum field already zeroed by the
// caller).
func Checksum(src, dst Addr, nextHeader uint8, segment []byte) uint16 {
	var sum uint32

	sum += ipsum(src[:])
	sum += ipsum(dst[:])

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(segment)))
	sum += ipsum(lenBuf[:])

	sum += uint32(nextHeader)
	sum += ipsum(segment)

	return foldsum(sum)
}
